package ir

import (
	"fmt"

	"kiln/internal/errs"
)

// Builder misuse.
var (
	ErrNoActiveBlock    = fmt.Errorf("%w: no active block", errs.ErrBuilderState)
	ErrBlockReentry     = fmt.Errorf("%w: block already has a terminator", errs.ErrBuilderState)
	ErrSealedBlockEdge  = fmt.Errorf("%w: predecessor edge into sealed block", errs.ErrBuilderState)
	ErrBlockSealed      = fmt.Errorf("%w: block already sealed", errs.ErrBuilderState)
	ErrFinalized        = fmt.Errorf("%w: function builder is finalized", errs.ErrBuilderState)
	ErrNotEntryBlock    = fmt.Errorf("%w: not the entry block", errs.ErrBuilderState)
	ErrEntryParamsBound = fmt.Errorf("%w: entry block params already bound", errs.ErrBuilderState)
	ErrParamsFrozen     = fmt.Errorf("%w: block params must be added before edges or variable lookups", errs.ErrBuilderState)
	ErrUnknownEntity    = fmt.Errorf("%w: unknown block, value or reference", errs.ErrBuilderState)
	ErrUndeclaredVar    = fmt.Errorf("%w: variable not declared", errs.ErrBuilderState)
	ErrVarRedeclared    = fmt.Errorf("%w: variable already declared", errs.ErrBuilderState)
	ErrUndefinedVar     = fmt.Errorf("%w: variable used before definition", errs.ErrBuilderState)
)

// Structural violations, reported by the builder and by Verify.
var (
	ErrTypeMismatch      = fmt.Errorf("%w: type mismatch", errs.ErrVerification)
	ErrUnterminatedBlock = fmt.Errorf("%w: block has no terminator", errs.ErrVerification)
	ErrMisplacedTerm     = fmt.Errorf("%w: terminator before end of block", errs.ErrVerification)
	ErrUnsealedBlock     = fmt.Errorf("%w: block not sealed", errs.ErrVerification)
	ErrEmptyFunction     = fmt.Errorf("%w: function has no blocks", errs.ErrVerification)
	ErrEntryMismatch     = fmt.Errorf("%w: entry block params do not match signature", errs.ErrVerification)
	ErrEntryBranch       = fmt.Errorf("%w: branch to entry block", errs.ErrVerification)
	ErrTooManyReturns    = fmt.Errorf("%w: more than one return value", errs.ErrVerification)
	ErrPointerWidth      = fmt.Errorf("%w: address value does not have pointer width", errs.ErrVerification)
	ErrInvalidReference  = fmt.Errorf("%w: invalid entity reference", errs.ErrVerification)
	ErrUseBeforeDef      = fmt.Errorf("%w: value used before definition", errs.ErrVerification)
	ErrNotDominated      = fmt.Errorf("%w: value definition does not dominate use", errs.ErrVerification)
	ErrNotFinalized      = fmt.Errorf("%w: function was not finalized", errs.ErrVerification)
)
