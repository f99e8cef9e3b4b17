package zone

import (
	"github.com/pkg/errors"
	"golang.org/x/exp/constraints"
)

var ErrBadLayout = errors.New("invalid zone layout")

// DefaultLayout is two 32KiB zones of 4KiB sectors starting at 64KiB
var DefaultLayout = Layout{
	Base:       0x00010000,
	ZoneSize:   0x8000,
	SectorSize: 0x1000,
}

// Layout is the placement of the region in the flash address space. It is
// fixed for the lifetime of a device.
type Layout struct {
	Base       uint32
	ZoneSize   uint32
	SectorSize uint32
}

// Validate checks that zones are made of whole, aligned sectors and leave
// room for a payload after the metadata
func (l Layout) Validate() error {
	if l.SectorSize == 0 || l.SectorSize&(l.SectorSize-1) != 0 {
		return errors.Wrapf(ErrBadLayout, "sector size 0x%x is not a power of two", l.SectorSize)
	}
	if l.Base%l.SectorSize != 0 {
		return errors.Wrapf(ErrBadLayout, "base 0x%08x is not sector aligned", l.Base)
	}
	if l.ZoneSize%l.SectorSize != 0 {
		return errors.Wrapf(ErrBadLayout, "zone size 0x%x is not a multiple of sector size 0x%x",
			l.ZoneSize, l.SectorSize)
	}
	if l.ZoneSize <= l.MetadataBlockSize() {
		return errors.Wrapf(ErrBadLayout, "zone size 0x%x leaves no room for a payload", l.ZoneSize)
	}
	if uint64(l.Base)+NumZones*uint64(l.ZoneSize) > 1<<32 {
		return errors.Wrap(ErrBadLayout, "region does not fit in a 32-bit address space")
	}
	return nil
}

// MetadataBlockSize is the metadata rounded up to whole sectors
func (l Layout) MetadataBlockSize() uint32 {
	return Align(uint32(MetadataSize), l.SectorSize)
}

// RegionSize is the size of both zones together
func (l Layout) RegionSize() uint32 {
	return NumZones * l.ZoneSize
}

// ZoneBase is the address of zone r, where its metadata starts
func (l Layout) ZoneBase(r Role) uint32 {
	return l.Base + uint32(r)*l.ZoneSize
}

// PayloadBase is the address of the first payload byte of zone r
func (l Layout) PayloadBase(r Role) uint32 {
	return l.ZoneBase(r) + l.MetadataBlockSize()
}

// PayloadCapacity is the largest image a zone can hold
func (l Layout) PayloadCapacity() uint32 {
	return l.ZoneSize - l.MetadataBlockSize()
}

// SectorCount is the number of erase sectors spanning one zone
func (l Layout) SectorCount() uint32 {
	return l.ZoneSize / l.SectorSize
}

// Align rounds a up to a multiple of b, which must be a power of two
func Align[I constraints.Integer](a, b I) I {
	return (a + b - 1) &^ (b - 1)
}
