// Package errs defines the error classes shared by every stage of kiln.
//
// Each package declares its own sentinels wrapping one of these classes, so a
// caller can match either the precise failure or its class with errors.Is.
package errs

import (
	"errors"
	"fmt"
)

var (
	// ErrConfig covers bad target triples and tuning settings.
	ErrConfig = errors.New("configuration error")
	// ErrDeclaration covers symbol names reused with an incompatible kind, linkage or signature.
	ErrDeclaration = errors.New("declaration conflict")
	// ErrDefinition covers double definitions, defining imports and undefined local symbols.
	ErrDefinition = errors.New("definition error")
	// ErrVerification is the definition error raised when IR breaks a structural invariant.
	ErrVerification = fmt.Errorf("%w: verification failed", ErrDefinition)
	// ErrBuilderState covers function builder calls issued in the wrong state.
	ErrBuilderState = errors.New("builder state error")
	// ErrCodegen marks an internal backend fault on verified IR.
	ErrCodegen = errors.New("codegen fault")
	// ErrIO covers failures writing artifacts.
	ErrIO = errors.New("i/o error")
)

// Class returns the class sentinel err belongs to, or nil.
func Class(err error) error {
	for _, class := range []error{ErrConfig, ErrDeclaration, ErrVerification, ErrDefinition, ErrBuilderState, ErrCodegen, ErrIO} {
		if errors.Is(err, class) {
			return class
		}
	}
	return nil
}
