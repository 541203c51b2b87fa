package target

import (
	"fmt"

	"kiln/internal/errs"
)

var (
	ErrUnsupportedTarget = fmt.Errorf("%w: unsupported target", errs.ErrConfig)
	ErrInvalidOption     = fmt.Errorf("%w: invalid target option", errs.ErrConfig)
)
