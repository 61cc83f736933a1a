package cli

import (
	"fmt"
	"os"

	"github.com/roach88/signalflow/internal/compiler"
	"github.com/roach88/signalflow/internal/model"
)

// LoadError represents an error that occurred while loading a topology.
type LoadError struct {
	Code    string
	Message string
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// LoadResult is a compiled and checked topology.
type LoadResult struct {
	Intersections []model.Intersection
	Files         []string
	Errors        []compiler.ValidationError
	Warnings      []compiler.AdjacencyWarning
}

// Valid reports whether the topology passed validation.
func (r *LoadResult) Valid() bool {
	return len(r.Errors) == 0
}

// LoadTopology compiles a topology file or directory, validates it and
// analyzes its adjacency graph. Compile failures are returned as
// *LoadError; validation problems are collected on the result.
func LoadTopology(path string) (*LoadResult, error) {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil, &LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("topology not found: %s", path)}
	}
	if err != nil {
		return nil, &LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("error accessing topology: %v", err)}
	}

	result := &LoadResult{}
	if info.IsDir() {
		topo, err := compiler.LoadDir(path)
		if err != nil {
			return nil, &LoadError{Code: ErrCodeCompile, Message: err.Error()}
		}
		result.Intersections = topo.Intersections
		result.Files = topo.Files
	} else {
		src, err := os.ReadFile(path)
		if err != nil {
			return nil, &LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("read topology: %v", err)}
		}
		intersections, err := compiler.CompileSource(path, src)
		if err != nil {
			return nil, &LoadError{Code: ErrCodeCompile, Message: err.Error()}
		}
		result.Intersections = intersections
		result.Files = []string{path}
	}

	result.Errors = compiler.Validate(result.Intersections)
	result.Warnings = compiler.AnalyzeAdjacency(result.Intersections)
	return result, nil
}
