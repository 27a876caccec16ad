package health

import (
	"errors"
	"fmt"
)

var (
	errNoPinger     = errors.New("health: no backend configured")
	errProbeTimeout = errors.New("health: probe exceeded its deadline")
)

type panicError struct{ value any }

func (e *panicError) Error() string { return fmt.Sprintf("health probe panicked: %v", e.value) }
