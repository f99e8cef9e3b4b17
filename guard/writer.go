package guard

import (
	"github.com/synthread/go-ota/nvm"
)

// Writer performs one flash primitive per call, each inside its own Section.
// Nothing is retried.
type Writer struct {
	mem   nvm.Memory
	irq   nvm.Interrupts
	cache nvm.Cache
}

// NewWriter will wrap mem. A nil irq or cache is replaced with a no-op.
func NewWriter(mem nvm.Memory, irq nvm.Interrupts, cache nvm.Cache) *Writer {
	if mem == nil {
		panic("memory cannot be nil")
	}
	if irq == nil {
		irq = nvm.NopInterrupts{}
	}
	if cache == nil {
		cache = nvm.NopCache{}
	}

	return &Writer{
		mem:   mem,
		irq:   irq,
		cache: cache,
	}
}

// Memory returns the underlying device, for reads
func (w *Writer) Memory() nvm.Memory {
	return w.mem
}

// Write programs buf at addr
func (w *Writer) Write(buf []byte, addr uint32) error {
	s := Enter(w.irq, w.cache)
	defer s.Release()

	return opError("program", addr, w.mem.Program(buf, addr))
}

// EraseSector erases the sector starting at addr
func (w *Writer) EraseSector(addr uint32) error {
	s := Enter(w.irq, w.cache)
	defer s.Release()

	return opError("erase", addr, w.mem.EraseSector(addr))
}

// SetProtection changes the protection of the sector starting at addr
func (w *Writer) SetProtection(addr uint32, mode nvm.ProtectMode) error {
	s := Enter(w.irq, w.cache)
	defer s.Release()

	return opError("protect", addr, w.mem.SetProtection(addr, mode))
}

func opError(op string, addr uint32, err error) error {
	if err == nil {
		return nil
	}
	return &MemoryOpError{Op: op, Addr: addr, Err: err}
}
