package harness

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// SuiteResult summarises a directory of scenarios.
type SuiteResult struct {
	Total    int               `json:"total"`
	Passed   int               `json:"passed"`
	Failed   int               `json:"failed"`
	Failures []ScenarioFailure `json:"failures,omitempty"`
}

// ScenarioFailure represents a scenario that failed to load, run or pass.
type ScenarioFailure struct {
	Scenario string   `json:"scenario"`
	Path     string   `json:"path"`
	Errors   []string `json:"errors"`
}

// FindScenarios lists the scenario files under path. A file path is
// returned as is; a directory yields its .yaml and .yml files, sorted.
func FindScenarios(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{path}, nil
	}
	var out []string
	err = filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		switch strings.ToLower(filepath.Ext(p)) {
		case ".yaml", ".yml":
			out = append(out, p)
		}
		return nil
	})
	sort.Strings(out)
	return out, err
}

// RunSuite loads and runs every scenario under path.
//
// For each scenario file:
// 1. Load and validate the scenario
// 2. Run it via Run
// 3. Collect and report results
//
// Only a failure to list path is returned as an error; individual
// scenario problems are reported as failures.
func RunSuite(ctx context.Context, path string) (*SuiteResult, error) {
	paths, err := FindScenarios(path)
	if err != nil {
		return nil, fmt.Errorf("find scenarios: %w", err)
	}

	result := &SuiteResult{}
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		result.Total++

		sc, err := LoadScenario(p)
		if err != nil {
			result.fail(filepath.Base(p), p, fmt.Sprintf("failed to load scenario: %v", err))
			continue
		}
		run, err := Run(ctx, sc)
		if err != nil {
			result.fail(sc.Name, p, fmt.Sprintf("scenario execution failed: %v", err))
			continue
		}
		if !run.Pass {
			result.fail(sc.Name, p, run.Errors...)
			continue
		}
		result.Passed++
	}
	return result, nil
}

func (r *SuiteResult) fail(name, path string, errs ...string) {
	r.Failed++
	r.Failures = append(r.Failures, ScenarioFailure{Scenario: name, Path: path, Errors: errs})
}
