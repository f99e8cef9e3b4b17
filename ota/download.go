// Package ota receives firmware images into the inactive zone and, at boot,
// promotes a newer inactive image into the active zone.
package ota

import (
	"fmt"
	"math"

	"github.com/pkg/errors"
	"github.com/synthread/go-ota/guard"
	"github.com/synthread/go-ota/nvm"
	"github.com/synthread/go-ota/zone"
)

type State int

const (
	StateUninitialized State = iota
	StateReady
	StateErased
	StateReceiving
	StateCommitted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateReady:
		return "ready"
	case StateErased:
		return "erased"
	case StateReceiving:
		return "receiving"
	case StateCommitted:
		return "committed"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// maxDownloadGeneration is the highest generation a download may take and
// still be promoted with a strictly greater one
const maxDownloadGeneration = math.MaxUint32 - 1

// Params describes the image about to be downloaded
type Params struct {
	TotalSize  uint32
	Entrypoint uint32
}

// Download writes one image into one zone. It is not safe for concurrent
// use and is thrown away after Finish or after any failure.
type Download struct {
	store  *zone.Store
	writer *guard.Writer

	target      zone.Role
	targetGen   uint32
	zoneBase    uint32
	payloadBase uint32

	written    uint32
	size       uint32
	entrypoint uint32

	sectorSize uint32
	nrSectors  uint32

	boundCheck bool
	genSet     bool

	state State
	err   error
}

// DownloadOption changes how NewDownload sets up a download
type DownloadOption func(*Download)

// WithTarget writes into role r with generation gen instead of the inactive
// zone with the next generation. Promotion uses this to copy into the
// active zone.
func WithTarget(r zone.Role, gen uint32) DownloadOption {
	return func(d *Download) {
		d.target = r
		d.targetGen = gen
		d.genSet = true
	}
}

// WithBoundCheck turns the size checks in NewDownload, Process and Finish on
// or off. They are on by default.
func WithBoundCheck(on bool) DownloadOption {
	return func(d *Download) {
		d.boundCheck = on
	}
}

// NewDownload prepares a download of p into the inactive zone. The target
// generation is one past the active zone's, or 0 if the active zone is not
// valid. Flash is not touched.
//
// Promotion writes the inactive generation plus one, so a new image is
// refused with ErrGenerationExhausted once that would wrap the counter.
func NewDownload(store *zone.Store, w *guard.Writer, p Params, opts ...DownloadOption) (*Download, error) {
	if store == nil || w == nil {
		panic("store and writer cannot be nil")
	}

	active, err := store.Zone(zone.Active)
	if err != nil {
		return nil, err
	}

	l := store.Layout()
	d := &Download{
		store:      store,
		writer:     w,
		target:     zone.Inactive,
		size:       p.TotalSize,
		entrypoint: p.Entrypoint,
		sectorSize: l.SectorSize,
		nrSectors:  l.SectorCount(),
		boundCheck: true,
	}
	if active.Valid() {
		d.targetGen = active.Generation + 1
	}

	for _, opt := range opts {
		opt(d)
	}

	if !d.genSet && active.Valid() && active.Generation > maxDownloadGeneration-1 {
		return nil, errors.Wrapf(ErrGenerationExhausted, "active zone is at generation %d", active.Generation)
	}

	if d.target < 0 || d.target >= zone.NumZones {
		return nil, errors.Errorf("no zone with role %d", int(d.target))
	}
	d.zoneBase = l.ZoneBase(d.target)
	d.payloadBase = l.PayloadBase(d.target)

	if d.boundCheck && p.TotalSize > l.PayloadCapacity() {
		return nil, errors.Wrapf(ErrOverflow, "%d bytes do not fit in a %d byte zone", p.TotalSize, l.PayloadCapacity())
	}

	d.state = StateReady
	return d, nil
}

// State is where the download is in its sequence
func (d *Download) State() State { return d.state }

// Target is the zone being written
func (d *Download) Target() zone.Role { return d.target }

// Generation is the generation the zone is committed with
func (d *Download) Generation() uint32 { return d.targetGen }

// Size is the declared image size
func (d *Download) Size() uint32 { return d.size }

// Written is the number of payload bytes programmed so far
func (d *Download) Written() uint32 { return d.written }

// Remaining is the number of declared bytes not yet programmed
func (d *Download) Remaining() uint32 { return d.size - min(d.written, d.size) }

func (d *Download) String() string {
	return fmt.Sprintf("download{%s gen=%d %d/%d %s}", d.target, d.targetGen, d.written, d.size, d.state)
}

// Begin unprotects and erases every sector of the target zone. Whatever the
// zone held before is gone once this succeeds. The first failure stops the
// loop and sectors after it are left alone.
func (d *Download) Begin() error {
	if err := d.expect("begin", StateReady); err != nil {
		return err
	}

	for i := uint32(0); i < d.nrSectors; i++ {
		addr := d.zoneBase + i*d.sectorSize

		if err := d.writer.SetProtection(addr, nvm.NoProtect); err != nil {
			return d.fail("begin", errors.Wrapf(err, "could not unprotect sector %d", i))
		}
		if err := d.writer.EraseSector(addr); err != nil {
			return d.fail("begin", errors.Wrapf(err, "could not erase sector %d", i))
		}
	}

	d.state = StateErased
	return nil
}

// Process programs buf at the next offset of the payload. On failure the
// byte counter is not advanced.
func (d *Download) Process(buf []byte) error {
	if err := d.expect("process", StateErased, StateReceiving); err != nil {
		return err
	}

	n := uint32(len(buf))
	if d.boundCheck && uint64(d.written)+uint64(n) > uint64(d.size) {
		return d.fail("process", errors.Wrapf(ErrOverflow, "%d+%d bytes, declared %d", d.written, n, d.size))
	}

	if n > 0 {
		if err := d.writer.Write(buf, d.payloadBase+d.written); err != nil {
			return d.fail("process", errors.Wrapf(err, "could not write at offset %d", d.written))
		}
	}

	d.written += n
	d.state = StateReceiving
	return nil
}

// Finish writes size, entrypoint and generation, then the commit word, then
// protects the zone again. The zone is valid once the commit word is
// written, so a protection failure after that still returns an error but
// leaves the download committed.
func (d *Download) Finish() error {
	if err := d.expect("finish", StateErased, StateReceiving); err != nil {
		return err
	}

	if d.boundCheck && d.written != d.size {
		return d.fail("finish", errors.Wrapf(ErrShortImage, "%d of %d bytes", d.written, d.size))
	}

	words := []struct {
		name   string
		offset uint32
		value  uint32
	}{
		{"size", zone.OffsetSize, d.size},
		{"entrypoint", zone.OffsetEntrypoint, d.entrypoint},
		{"generation", zone.OffsetGeneration, d.targetGen},
		{"done", zone.OffsetDone, zone.CommitMagic},
	}
	for _, w := range words {
		if err := d.writer.Write(zone.Word(w.value), d.zoneBase+w.offset); err != nil {
			return d.fail("finish", errors.Wrapf(err, "could not write %s", w.name))
		}
	}

	d.state = StateCommitted

	for i := uint32(0); i < d.nrSectors; i++ {
		if err := d.writer.SetProtection(d.zoneBase+i*d.sectorSize, nvm.WriteProtect); err != nil {
			return errors.Wrapf(err, "committed but could not protect sector %d", i)
		}
	}

	return nil
}

// abort fails the download for a reason outside the flash, such as a
// broken source stream
func (d *Download) abort(stage string, err error) error {
	if d.state == StateFailed {
		return d.err
	}
	return d.fail(stage, err)
}

func (d *Download) fail(stage string, err error) error {
	d.state = StateFailed
	d.err = &AbortError{Stage: stage, Err: err}
	return d.err
}

func (d *Download) expect(op string, states ...State) error {
	if d.state == StateFailed {
		return errors.Wrapf(d.err, "cannot %s", op)
	}
	for _, s := range states {
		if d.state == s {
			return nil
		}
	}
	return errors.Wrapf(ErrBadState, "cannot %s while %s", op, d.state)
}
