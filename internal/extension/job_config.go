package extension

import (
	"fmt"
)

// JobKindExtension is the only job kind the worker runs
const JobKindExtension = "extension"

// JobConfig is a decoded job payload:
//
//	job: extension
//	config:
//	  name: my_dataset_job
//	  process:
//	    - type: dataset_tools
//	      ...
type JobConfig struct {
	Job       string
	Name      string
	Processes []*Config
}

// ParseJobConfig decodes and validates a YAML or JSON job payload
func ParseJobConfig(data []byte) (*JobConfig, error) {
	root, err := ParseConfig(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidJobConfig, err)
	}

	kind := root.String("job", JobKindExtension)
	if kind != JobKindExtension {
		return nil, fmt.Errorf("%w: unsupported job kind %q", ErrInvalidJobConfig, kind)
	}

	body, ok := root.Sub("config")
	if !ok {
		return nil, fmt.Errorf("%w: missing config section", ErrInvalidJobConfig)
	}

	raw, ok := body.Get("process")
	if !ok {
		return nil, fmt.Errorf("%w: missing process list", ErrInvalidJobConfig)
	}
	items, ok := raw.([]any)
	if !ok || len(items) == 0 {
		return nil, fmt.Errorf("%w: process must be a non-empty list", ErrInvalidJobConfig)
	}

	processes := make([]*Config, 0, len(items))
	for i, item := range items {
		pc, ok := item.(*Config)
		if !ok {
			return nil, fmt.Errorf("%w: process %d is not a mapping", ErrInvalidJobConfig, i)
		}
		if pc.String("type", "") == "" {
			return nil, fmt.Errorf("%w: process %d has no type", ErrInvalidJobConfig, i)
		}
		processes = append(processes, pc)
	}

	return &JobConfig{
		Job:       kind,
		Name:      body.String("name", ""),
		Processes: processes,
	}, nil
}
