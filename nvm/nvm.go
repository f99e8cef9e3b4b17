// Package nvm defines the non-volatile memory, interrupt and cache
// primitives the update engine runs on top of.
package nvm

// ProtectMode is the write protection state of a flash sector
type ProtectMode int

const (
	NoProtect ProtectMode = iota
	WriteProtect
)

func (m ProtectMode) String() string {
	if m == WriteProtect {
		return "write-protect"
	}
	return "no-protect"
}

// Memory is a memory-mapped flash device addressed with absolute addresses.
// A nil error is success, anything else is a failed operation.
type Memory interface {
	ReadAt(p []byte, addr uint32) (int, error)
	Program(buf []byte, addr uint32) error
	EraseSector(addr uint32) error
	SetProtection(addr uint32, mode ProtectMode) error
	SectorSize() uint32
}

// Interrupts masks and restores hardware interrupts. The token returned by
// Mask is the prior state and must be handed back to Unmask.
type Interrupts interface {
	Mask() uint32
	Unmask(token uint32)
}

// Cache turns the instruction cache and line buffers off and back on.
type Cache interface {
	Disable() uint32
	Enable(token uint32)
}

// NopInterrupts is used on hosts without an interrupt controller
type NopInterrupts struct{}

func (NopInterrupts) Mask() uint32  { return 0 }
func (NopInterrupts) Unmask(uint32) {}

// NopCache is used on hosts without an instruction cache
type NopCache struct{}

func (NopCache) Disable() uint32 { return 0 }
func (NopCache) Enable(uint32)   {}
