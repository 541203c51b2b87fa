package buildpipeline

import (
	"errors"
	"fmt"

	"kiln/internal/errs"
)

// StageError names the stage a build failed in.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// ExitCode maps err to a process status: 0 for nil, the stage code for a
// StageError and 1 otherwise.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage.ExitCode()
	}
	return 1
}

// stageFor attributes err to a stage by its class, falling back to def.
func stageFor(err error, def Stage) Stage {
	switch errs.Class(err) {
	case errs.ErrConfig:
		return StageTarget
	case errs.ErrDeclaration, errs.ErrDefinition:
		return StageDeclare
	case errs.ErrBuilderState:
		return StageIR
	case errs.ErrVerification:
		return StageVerify
	case errs.ErrCodegen:
		return StageCodegen
	case errs.ErrIO:
		return StageEmit
	}
	return def
}

func wrapStage(err error, def Stage) error {
	var se *StageError
	if errors.As(err, &se) {
		return err
	}
	return &StageError{Stage: stageFor(err, def), Err: err}
}
