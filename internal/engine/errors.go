package engine

import (
	"errors"
	"fmt"
)

// Stage names one step of a sync round.
type Stage string

const (
	StageSetup     Stage = "setup"
	StageTableSync Stage = "tablesync"
	StageExecute   Stage = "execute"
	StageUpload    Stage = "upload"
	StageDownload  Stage = "download"
)

// StageError reports the failure of one stage of a sync round. A round
// keeps going after a stage fails, so one round may return several.
type StageError struct {
	// Stage is the failed stage.
	Stage Stage

	// Round is the sync round number, 0 for setup.
	Round int64

	// Err is the underlying failure.
	Err error
}

// Error implements the error interface.
func (e *StageError) Error() string {
	if e.Round > 0 {
		return fmt.Sprintf("%s (round %d): %v", e.Stage, e.Round, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

// Unwrap returns the underlying error.
func (e *StageError) Unwrap() error {
	return e.Err
}

// FailedStage returns true if err contains a StageError for stage.
// Uses errors.As through joined and wrapped errors.
func FailedStage(err error, stage Stage) bool {
	var joined interface{ Unwrap() []error }
	if errors.As(err, &joined) {
		for _, e := range joined.Unwrap() {
			if FailedStage(e, stage) {
				return true
			}
		}
	}
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage == stage
	}
	return false
}
