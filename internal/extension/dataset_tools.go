package extension

import (
	"context"
	"fmt"
	"log/slog"
)

const (
	DatasetToolsUID  = "dataset_tools"
	DatasetToolsName = "Dataset Tools"
)

// DatasetTools is registered so jobs can reference it, but has no behavior yet.
type DatasetTools struct {
	*BaseProcess
}

func NewDatasetTools(processID int, job Job, config *Config, logger *slog.Logger) *DatasetTools {
	return &DatasetTools{BaseProcess: NewBaseProcess(processID, job, config, logger)}
}

// Run always fails with ErrNotImplemented once the base run succeeds.
func (d *DatasetTools) Run(ctx context.Context) error {
	if err := d.BaseProcess.Run(ctx); err != nil {
		return err
	}

	return fmt.Errorf("%s: %w", DatasetToolsUID, ErrNotImplemented)
}
