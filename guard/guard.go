// Package guard runs single flash operations inside a critical section.
//
// The flash cannot be read while it is being programmed or erased, and that
// includes instruction fetch. Every operation therefore runs with interrupts
// masked and the instruction cache and line buffers off, and both are put
// back the way they were on every exit path.
package guard

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/synthread/go-ota/nvm"
)

// Section is an entered critical section. Release restores the interrupt
// and cache state captured by Enter, in reverse order.
type Section struct {
	irq   nvm.Interrupts
	cache nvm.Cache

	irqState   uint32
	cacheState uint32
	released   bool
}

// Enter masks interrupts and then disables the cache
func Enter(irq nvm.Interrupts, cache nvm.Cache) *Section {
	s := &Section{irq: irq, cache: cache}
	s.irqState = irq.Mask()
	s.cacheState = cache.Disable()
	return s
}

// Release is safe to call more than once
func (s *Section) Release() {
	if s.released {
		return
	}
	s.released = true

	s.cache.Enable(s.cacheState)
	s.irq.Unmask(s.irqState)
}

// MemoryOpError is returned when a flash primitive reports failure. Err is
// the primitive's own error, untouched.
type MemoryOpError struct {
	Op   string
	Addr uint32
	Err  error
}

func (e *MemoryOpError) Error() string {
	return fmt.Sprintf("flash %s at 0x%08x failed: %v", e.Op, e.Addr, e.Err)
}

func (e *MemoryOpError) Unwrap() error { return e.Err }

// Cause lets github.com/pkg/errors.Cause see through the wrapper
func (e *MemoryOpError) Cause() error { return e.Err }

// IsMemoryOpFailed returns true if err, or anything it wraps, is a
// MemoryOpError
func IsMemoryOpFailed(err error) bool {
	var e *MemoryOpError
	return errors.As(err, &e)
}
