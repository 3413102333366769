package reflexion

import (
	"errors"
	"fmt"
)

var (
	// ErrNoItems is returned when a run is started without input
	ErrNoItems = errors.New("no items to process")
	// ErrInvalidConfig is returned when controller options are out of range
	ErrInvalidConfig = errors.New("invalid controller options")
)

// ItemError records why an item was skipped
type ItemError struct {
	Index int
	Err   error
	Panic bool
}

func (e *ItemError) Error() string {
	if e.Panic {
		return fmt.Sprintf("item %d: panic: %v", e.Index, e.Err)
	}
	return fmt.Sprintf("item %d: %v", e.Index, e.Err)
}

func (e *ItemError) Unwrap() error {
	return e.Err
}
