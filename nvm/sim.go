package nvm

import (
	"bytes"
	"fmt"
	"os"
	"sync"

	"github.com/pkg/errors"
)

var ErrOutOfRange = errors.New("address out of range")
var ErrUnaligned = errors.New("address is not sector aligned")
var ErrProtected = errors.New("sector is write protected")

// erased is the value every byte reads back as after a sector erase
const erased = 0xff

// Op identifies a flash primitive for fault injection and accounting
type Op int

const (
	OpProgram Op = iota
	OpErase
	OpProtect
)

func (o Op) String() string {
	switch o {
	case OpProgram:
		return "program"
	case OpErase:
		return "erase"
	case OpProtect:
		return "protect"
	}
	return fmt.Sprintf("op(%d)", int(o))
}

// Sim is an in-memory NOR flash. Programming can only clear bits, erasing a
// sector sets every bit, and protected sectors reject program and erase.
type Sim struct {
	mu sync.Mutex

	base       uint32
	sectorSize uint32
	data       []byte
	protected  []bool

	failOn func(op Op, addr uint32) error
	ops    map[Op]int
}

// NewSim creates an erased, unprotected flash of size bytes mapped at base
func NewSim(base, size, sectorSize uint32) *Sim {
	if sectorSize == 0 || size%sectorSize != 0 {
		panic("flash size must be a multiple of the sector size")
	}

	return &Sim{
		base:       base,
		sectorSize: sectorSize,
		data:       bytes.Repeat([]byte{erased}, int(size)),
		protected:  make([]bool, size/sectorSize),
		ops:        map[Op]int{},
	}
}

// LoadSim will read a flash image from path, or create an erased one if the
// file does not exist yet
func LoadSim(path string, base, size, sectorSize uint32) (*Sim, error) {
	s := NewSim(base, size, sectorSize)

	bs, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "could not read flash image")
	}
	if len(bs) != len(s.data) {
		return nil, errors.Errorf("flash image %s is %d bytes, expected %d", path, len(bs), len(s.data))
	}

	copy(s.data, bs)
	return s, nil
}

// Save will write the flash contents to path
func (s *Sim) Save(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return errors.Wrap(os.WriteFile(path, s.data, 0o644), "could not write flash image")
}

// Snapshot returns an independent copy of the flash contents and sector
// protection, as the device finds them when power comes back. Hooks and
// counters are not carried over.
func (s *Sim) Snapshot() *Sim {
	s.mu.Lock()
	defer s.mu.Unlock()

	return &Sim{
		base:       s.base,
		sectorSize: s.sectorSize,
		data:       bytes.Clone(s.data),
		protected:  append([]bool(nil), s.protected...),
		ops:        map[Op]int{},
	}
}

// FailOn installs a hook consulted before every program, erase and protect.
// A non-nil return fails the operation without touching memory.
func (s *Sim) FailOn(fn func(op Op, addr uint32) error) {
	s.mu.Lock()
	s.failOn = fn
	s.mu.Unlock()
}

// Count returns how many times op was attempted
func (s *Sim) Count(op Op) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ops[op]
}

// Bytes returns a copy of the whole flash contents
func (s *Sim) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return bytes.Clone(s.data)
}

// Protected reports the protection state of the sector containing addr
func (s *Sim) Protected(addr uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	i, err := s.sector(addr)
	if err != nil {
		return false
	}
	return s.protected[i]
}

func (s *Sim) SectorSize() uint32 {
	return s.sectorSize
}

func (s *Sim) ReadAt(p []byte, addr uint32) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	off, err := s.offset(addr, len(p))
	if err != nil {
		return 0, err
	}
	return copy(p, s.data[off:]), nil
}

func (s *Sim) Program(buf []byte, addr uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.begin(OpProgram, addr); err != nil {
		return err
	}

	off, err := s.offset(addr, len(buf))
	if err != nil {
		return err
	}
	if len(buf) == 0 {
		return nil
	}

	first := off / int(s.sectorSize)
	last := (off + len(buf) - 1) / int(s.sectorSize)
	for i := first; i <= last; i++ {
		if s.protected[i] {
			return errors.Wrapf(ErrProtected, "sector %d", i)
		}
	}

	for i, b := range buf {
		s.data[off+i] &= b
	}
	return nil
}

func (s *Sim) EraseSector(addr uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.begin(OpErase, addr); err != nil {
		return err
	}

	i, err := s.alignedSector(addr)
	if err != nil {
		return err
	}
	if s.protected[i] {
		return errors.Wrapf(ErrProtected, "sector %d", i)
	}

	start := i * int(s.sectorSize)
	for j := start; j < start+int(s.sectorSize); j++ {
		s.data[j] = erased
	}
	return nil
}

func (s *Sim) SetProtection(addr uint32, mode ProtectMode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.begin(OpProtect, addr); err != nil {
		return err
	}

	i, err := s.alignedSector(addr)
	if err != nil {
		return err
	}
	s.protected[i] = mode == WriteProtect
	return nil
}

func (s *Sim) begin(op Op, addr uint32) error {
	s.ops[op]++
	if s.failOn != nil {
		return s.failOn(op, addr)
	}
	return nil
}

func (s *Sim) offset(addr uint32, n int) (int, error) {
	if addr < s.base {
		return 0, errors.Wrapf(ErrOutOfRange, "0x%08x", addr)
	}
	off := int(addr - s.base)
	if off+n > len(s.data) {
		return 0, errors.Wrapf(ErrOutOfRange, "0x%08x+%d", addr, n)
	}
	return off, nil
}

func (s *Sim) sector(addr uint32) (int, error) {
	off, err := s.offset(addr, 1)
	if err != nil {
		return 0, err
	}
	return off / int(s.sectorSize), nil
}

func (s *Sim) alignedSector(addr uint32) (int, error) {
	if (addr-s.base)%s.sectorSize != 0 {
		return 0, errors.Wrapf(ErrUnaligned, "0x%08x", addr)
	}
	return s.sector(addr)
}
