// Package zone describes the fixed two-zone flash region holding firmware
// images, and reads their metadata.
//
// The region is laid out as
//
//	Base + 0*ZoneSize: zone 0 (active, the processor boots from here)
//	Base + 1*ZoneSize: zone 1 (inactive, staging for new images)
//
// and each zone as one metadata sector followed by the payload. The metadata
// sector starts with four little-endian words: size, entrypoint, generation
// and done. Changing any of this breaks promotion between firmware versions.
package zone

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/pkg/errors"
	"github.com/synthread/go-ota/nvm"
)

// CommitMagic in the done word marks a zone as completely written. Any other
// value, including erased flash, marks it invalid.
const CommitMagic uint32 = 0x600dc0de

// Offsets of the metadata words inside the metadata sector
const (
	OffsetSize       = 0
	OffsetEntrypoint = 4
	OffsetGeneration = 8
	OffsetDone       = 12

	MetadataSize = 16
)

// Role is the fixed index of a zone in the region
type Role int

const (
	Active Role = iota
	Inactive

	NumZones = 2
)

func (r Role) String() string {
	switch r {
	case Active:
		return "active"
	case Inactive:
		return "inactive"
	}
	return fmt.Sprintf("zone(%d)", int(r))
}

// Metadata is the header of a zone. Nothing but Done can be trusted unless
// Valid returns true.
type Metadata struct {
	Size       uint32
	Entrypoint uint32
	Generation uint32
	Done       uint32
}

// Valid is true once the commit word has been written
func (m Metadata) Valid() bool {
	return m.Done == CommitMagic
}

// MarshalBinary encodes the header as it is stored in flash
func (m Metadata) MarshalBinary() ([]byte, error) {
	bs := make([]byte, MetadataSize)
	binary.LittleEndian.PutUint32(bs[OffsetSize:], m.Size)
	binary.LittleEndian.PutUint32(bs[OffsetEntrypoint:], m.Entrypoint)
	binary.LittleEndian.PutUint32(bs[OffsetGeneration:], m.Generation)
	binary.LittleEndian.PutUint32(bs[OffsetDone:], m.Done)
	return bs, nil
}

// UnmarshalBinary decodes a header read from flash
func (m *Metadata) UnmarshalBinary(bs []byte) error {
	if len(bs) < MetadataSize {
		return errors.Errorf("metadata needs %d bytes, got %d", MetadataSize, len(bs))
	}
	m.Size = binary.LittleEndian.Uint32(bs[OffsetSize:])
	m.Entrypoint = binary.LittleEndian.Uint32(bs[OffsetEntrypoint:])
	m.Generation = binary.LittleEndian.Uint32(bs[OffsetGeneration:])
	m.Done = binary.LittleEndian.Uint32(bs[OffsetDone:])
	return nil
}

// Word encodes a single metadata word
func Word(v uint32) []byte {
	bs := make([]byte, 4)
	binary.LittleEndian.PutUint32(bs, v)
	return bs
}

// Zone is a snapshot of one zone's placement and header
type Zone struct {
	Role        Role
	Base        uint32
	PayloadBase uint32
	Capacity    uint32
	Metadata
}

// Entry returns the absolute address execution starts at
func (z Zone) Entry() uint32 {
	return z.PayloadBase + z.Entrypoint
}

func (z Zone) String() string {
	if !z.Valid() {
		return fmt.Sprintf("%s@0x%08x: invalid", z.Role, z.Base)
	}
	return fmt.Sprintf("%s@0x%08x: gen=%d size=%d entry=0x%08x",
		z.Role, z.Base, z.Generation, z.Size, z.Entry())
}

// Store gives read-only access to the zones. Writes go through a
// guard.Writer during a download.
type Store struct {
	mem    nvm.Memory
	layout Layout
}

// Open will validate l against mem and return a store over it. A zero
// SectorSize in l is taken from mem.
func Open(mem nvm.Memory, l Layout) (*Store, error) {
	if l.SectorSize == 0 {
		l.SectorSize = mem.SectorSize()
	}
	if l.SectorSize != mem.SectorSize() {
		return nil, errors.Wrapf(ErrBadLayout, "sector size 0x%x does not match flash sector size 0x%x",
			l.SectorSize, mem.SectorSize())
	}
	if err := l.Validate(); err != nil {
		return nil, err
	}

	return &Store{mem: mem, layout: l}, nil
}

// Layout returns the validated layout the store was opened with
func (s *Store) Layout() Layout {
	return s.layout
}

// Zone reads the header of the zone in role r
func (s *Store) Zone(r Role) (Zone, error) {
	if r < 0 || r >= NumZones {
		return Zone{}, errors.Errorf("no zone with role %d", int(r))
	}

	z := Zone{
		Role:        r,
		Base:        s.layout.ZoneBase(r),
		PayloadBase: s.layout.PayloadBase(r),
		Capacity:    s.layout.PayloadCapacity(),
	}

	bs := make([]byte, MetadataSize)
	if _, err := s.mem.ReadAt(bs, z.Base); err != nil {
		return Zone{}, errors.Wrapf(err, "could not read %s zone metadata", r)
	}
	if err := z.Metadata.UnmarshalBinary(bs); err != nil {
		return Zone{}, err
	}

	return z, nil
}

// Zones reads both headers, indexed by role
func (s *Store) Zones() ([NumZones]Zone, error) {
	var zs [NumZones]Zone
	for r := Active; r < NumZones; r++ {
		z, err := s.Zone(r)
		if err != nil {
			return zs, err
		}
		zs[r] = z
	}
	return zs, nil
}

// Payload returns a reader over the first n bytes of a zone's payload
func (s *Store) Payload(r Role, n uint32) (*io.SectionReader, error) {
	if n > s.layout.PayloadCapacity() {
		return nil, errors.Errorf("payload of %d bytes exceeds zone capacity %d", n, s.layout.PayloadCapacity())
	}
	return io.NewSectionReader(readerAt{s.mem}, int64(s.layout.PayloadBase(r)), int64(n)), nil
}

// readerAt adapts the flash address space to io.ReaderAt
type readerAt struct {
	mem nvm.Memory
}

func (r readerAt) ReadAt(p []byte, off int64) (int, error) {
	return r.mem.ReadAt(p, uint32(off))
}
