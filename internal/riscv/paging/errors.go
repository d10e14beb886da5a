package paging

import (
	"errors"
	"fmt"
)

// Errors surfaced by the page-table engine. Allocation and mapping
// failures are always returned to the nearest caller that can roll
// back; only lock-discipline and walker-invariant violations panic.
var (
	ErrInvalidVirtualAddress = errors.New("paging: virtual address beyond schema maximum")
	ErrInvalidPageLevel      = errors.New("paging: page level out of range")
	ErrAllocFailed           = errors.New("paging: out of physical frames")
	ErrInvalidMapSize        = errors.New("paging: zero-size mapping")
	ErrInvalidString         = errors.New("paging: no NUL terminator within limit")
)

// InvalidPTEError reports a walk or translation that hit an entry that
// is not valid, or a leaf that is not readable.
type InvalidPTEError struct {
	Level int
	PTE   PTE
}

func (e *InvalidPTEError) Error() string {
	return fmt.Sprintf("paging: invalid pte at level %d: %v", e.Level, e.PTE)
}

// DuplicateMappingError reports a map_pages target slot that already
// holds a valid entry.
type DuplicateMappingError struct {
	Level int
	PTE   PTE
}

func (e *DuplicateMappingError) Error() string {
	return fmt.Sprintf("paging: slot already mapped at level %d: %v", e.Level, e.PTE)
}
