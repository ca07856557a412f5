package models

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var ErrInvalidWorkflow = errors.New("models: invalid workflow")

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load reads, decodes and validates a workflow file.
func Load(path string) (*Workflow, error) {
	contents, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	wf, err := Parse(contents)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	wf.Path = path
	return wf, nil
}

// Parse decodes and validates a workflow document.
func Parse(contents []byte) (*Workflow, error) {
	var wf Workflow
	if err := yaml.Unmarshal(contents, &wf); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidWorkflow, err)
	}
	if err := Validate(&wf); err != nil {
		return nil, err
	}
	return &wf, nil
}

// Validate checks the structural rules that the yaml tags cannot express.
// Dependency problems between jobs are reported by the scheduler.
func Validate(wf *Workflow) error {
	if err := validate.Struct(wf); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidWorkflow, err)
	}

	for _, job := range wf.Jobs {
		seen := make(map[string]bool)
		for _, step := range job.Steps {
			if step.ID == "" {
				continue
			}
			if seen[step.ID] {
				return fmt.Errorf("%w: job %s: duplicate step id %q", ErrInvalidWorkflow, job.ID, step.ID)
			}
			seen[step.ID] = true
		}
	}
	return nil
}
