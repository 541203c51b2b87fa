package module

import (
	"fmt"

	"kiln/internal/errs"
)

var (
	ErrInvalidName     = fmt.Errorf("%w: invalid symbol name", errs.ErrDeclaration)
	ErrLinkageConflict = fmt.Errorf("%w: linkage conflict", errs.ErrDeclaration)

	ErrUnknownSymbol   = fmt.Errorf("%w: unknown symbol", errs.ErrDefinition)
	ErrAlreadyDefined  = fmt.Errorf("%w: symbol already defined", errs.ErrDefinition)
	ErrNotLocal        = fmt.Errorf("%w: imported symbols cannot be defined", errs.ErrDefinition)
	ErrAlreadySealed   = fmt.Errorf("%w: module already sealed", errs.ErrDefinition)
	ErrUndefinedSymbol = fmt.Errorf("%w: symbol declared but never defined", errs.ErrDefinition)
	ErrBadRelocation   = fmt.Errorf("%w: invalid data relocation", errs.ErrDefinition)
	ErrBadAlignment    = fmt.Errorf("%w: alignment must be a power of two", errs.ErrDefinition)

	ErrSignatureMismatch = fmt.Errorf("%w: function signature differs from declaration", errs.ErrVerification)
	ErrForeignReference  = fmt.Errorf("%w: reference does not match a module symbol", errs.ErrVerification)

	ErrBuilderConsumed = fmt.Errorf("%w: data builder already defined", errs.ErrBuilderState)
	ErrZeroInitBytes   = fmt.Errorf("%w: zero-initialized data cannot hold bytes", errs.ErrBuilderState)
)
