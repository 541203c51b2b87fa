package errs

import (
	"errors"
	"fmt"
	"testing"
)

func TestClass(t *testing.T) {
	specific := fmt.Errorf("%w: unsupported target", ErrConfig)
	tests := []struct {
		name string
		err  error
		want error
	}{
		{name: "config", err: fmt.Errorf("resolve: %w", specific), want: ErrConfig},
		{name: "verification before definition", err: fmt.Errorf("bad: %w", ErrVerification), want: ErrVerification},
		{name: "definition", err: ErrDefinition, want: ErrDefinition},
		{name: "io", err: fmt.Errorf("%w: disk full", ErrIO), want: ErrIO},
		{name: "unclassified", err: errors.New("boom"), want: nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Class(tt.err); got != tt.want {
				t.Fatalf("Class() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestVerificationIsDefinition(t *testing.T) {
	if !errors.Is(ErrVerification, ErrDefinition) {
		t.Fatal("verification errors must belong to the definition class")
	}
}
