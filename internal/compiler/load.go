package compiler

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"

	"github.com/roach88/signalflow/internal/model"
)

// Topology is the compiled contents of a topology directory.
type Topology struct {
	Intersections []model.Intersection
	Files         []string
}

// LoadDir compiles every .cue file under dir, unified into one value.
// Declarations of the same intersection in several files must agree.
func LoadDir(dir string) (*Topology, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("topology directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("topology directory: not a directory: %s", dir)
	}

	files, err := FindCUEFiles(dir)
	if err != nil {
		return nil, fmt.Errorf("scan topology directory: %w", err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no CUE files found in %s", dir)
	}

	ctx := cuecontext.New()
	var value cue.Value
	for i, path := range files {
		src, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		v := ctx.CompileBytes(src, cue.Filename(path))
		if err := v.Err(); err != nil {
			return nil, formatCUEError(err)
		}
		if i == 0 {
			value = v
		} else {
			value = value.Unify(v)
		}
	}

	intersections, err := CompileTopology(value)
	if err != nil {
		return nil, err
	}
	return &Topology{Intersections: intersections, Files: files}, nil
}

// CompileSource compiles a single topology document.
func CompileSource(filename string, src []byte) ([]model.Intersection, error) {
	v := cuecontext.New().CompileBytes(src, cue.Filename(filename))
	return CompileTopology(v)
}

// FindCUEFiles walks dir and returns all .cue file paths in lexical order.
func FindCUEFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && filepath.Ext(path) == ".cue" {
			files = append(files, path)
		}
		return nil
	})
	sort.Strings(files)
	return files, err
}
