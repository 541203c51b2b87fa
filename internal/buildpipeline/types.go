package buildpipeline

import "time"

// Stage is one step of a build. Failures are reported per stage.
type Stage string

const (
	StageTarget  Stage = "target"
	StageDeclare Stage = "declare"
	StageIR      Stage = "ir"
	StageVerify  Stage = "verify"
	StageCodegen Stage = "codegen"
	StageEmit    Stage = "emit"
)

// Stages lists every stage in execution order.
func Stages() []Stage {
	return []Stage{StageTarget, StageDeclare, StageIR, StageVerify, StageCodegen, StageEmit}
}

// ExitCode is the process status for a failure in s.
func (s Stage) ExitCode() int {
	switch s {
	case StageTarget:
		return 2
	case StageDeclare:
		return 3
	case StageIR:
		return 4
	case StageVerify:
		return 5
	case StageCodegen:
		return 6
	case StageEmit:
		return 7
	default:
		return 1
	}
}

// Status captures progress state within a stage.
type Status string

const (
	StatusQueued  Status = "queued"
	StatusWorking Status = "working"
	StatusDone    Status = "done"
	StatusError   Status = "error"
)

// Event reports progress of one stage.
type Event struct {
	Stage   Stage
	Status  Status
	Detail  string
	Err     error
	Elapsed time.Duration
}

// ProgressSink consumes progress events.
type ProgressSink interface {
	OnEvent(Event)
}
