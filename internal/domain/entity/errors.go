package entity

import (
	"errors"
	"fmt"
)

// Sentinel errors for the §7 error taxonomy. Each maps to exactly one row
// of the spec's table; ErrorKind groups them for EngineError.
var (
	ErrUnknownTool         = errors.New("unknown tool")
	ErrToolInputInvalid    = errors.New("tool input invalid")
	ErrToolTimeout         = errors.New("tool call timed out")
	ErrToolFailed          = errors.New("tool handler failed")
	ErrHandlerFault        = errors.New("step handler coroutine faulted")
	ErrModelFailure        = errors.New("model generation failed")
	ErrStepLimitExceeded   = errors.New("max agent steps exceeded")
	ErrOutputSchemaInvalid = errors.New("set_output value failed its output schema")
	ErrUnspawnableAgent    = errors.New("child agent type not in parent's allow-list")
	ErrCancelled           = errors.New("run cancelled")
)

// ErrorKind names a row of the §7 taxonomy, for callers that need to branch
// on policy (record-and-continue vs. terminate) without string-matching.
type ErrorKind string

const (
	KindUnknownTool         ErrorKind = "UnknownTool"
	KindToolInputInvalid    ErrorKind = "ToolInputInvalid"
	KindToolTimeout         ErrorKind = "ToolTimeout"
	KindToolFailed          ErrorKind = "ToolFailed"
	KindHandlerFault        ErrorKind = "HandlerFault"
	KindModelFailure        ErrorKind = "ModelFailure"
	KindStepLimitExceeded   ErrorKind = "StepLimitExceeded"
	KindOutputSchemaInvalid ErrorKind = "OutputSchemaInvalid"
	KindUnspawnableAgent    ErrorKind = "UnspawnableAgent"
	KindCancelled           ErrorKind = "Cancelled"
)

// recoverable reports whether a kind's policy is "record a synthetic tool
// result and continue the step" rather than terminating the agent.
var recoverable = map[ErrorKind]bool{
	KindUnknownTool:      true,
	KindToolInputInvalid: true,
	KindToolTimeout:      true,
	KindToolFailed:       true,
	KindUnspawnableAgent: true,
}

// EngineError wraps a taxonomy error with the kind it belongs to, so
// callers can dispatch on Kind without errors.Is chains.
type EngineError struct {
	Kind ErrorKind
	Err  error
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("[%s] %v", e.Kind, e.Err)
}

func (e *EngineError) Unwrap() error { return e.Err }

// Recoverable reports whether this error's policy keeps the step running
// (recording a synthetic tool result) rather than terminating the agent.
func (e *EngineError) Recoverable() bool { return recoverable[e.Kind] }

// NewEngineError wraps err as kind.
func NewEngineError(kind ErrorKind, err error) *EngineError {
	return &EngineError{Kind: kind, Err: err}
}

var kindForErr = map[error]ErrorKind{
	ErrUnknownTool:         KindUnknownTool,
	ErrToolInputInvalid:    KindToolInputInvalid,
	ErrToolTimeout:         KindToolTimeout,
	ErrToolFailed:          KindToolFailed,
	ErrHandlerFault:        KindHandlerFault,
	ErrModelFailure:        KindModelFailure,
	ErrStepLimitExceeded:   KindStepLimitExceeded,
	ErrOutputSchemaInvalid: KindOutputSchemaInvalid,
	ErrUnspawnableAgent:    KindUnspawnableAgent,
	ErrCancelled:           KindCancelled,
}

// Wrap builds an EngineError from one of the sentinel errors above,
// attaching context via fmt.Errorf's %w before calling Wrap if desired.
func Wrap(sentinel error, detail string) *EngineError {
	kind, ok := kindForErr[sentinel]
	if !ok {
		kind = KindModelFailure
	}
	if detail == "" {
		return NewEngineError(kind, sentinel)
	}
	return NewEngineError(kind, fmt.Errorf("%w: %s", sentinel, detail))
}
