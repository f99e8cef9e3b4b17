package ota

import (
	"fmt"
	"math"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/synthread/go-ota/guard"
	"github.com/synthread/go-ota/zone"
)

// Scheduler starts the running image as a new task at an absolute address
type Scheduler interface {
	Spawn(entry uint32) error
}

// Resetter resets the whole system. On hardware it never returns.
type Resetter interface {
	ResetSystem()
}

// Outcome is what Boot did
type Outcome int

const (
	OutcomeNone Outcome = iota
	OutcomeLaunched
	OutcomePromoted
)

func (o Outcome) String() string {
	switch o {
	case OutcomeNone:
		return "none"
	case OutcomeLaunched:
		return "launched"
	case OutcomePromoted:
		return "promoted"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// BootConfig defines how the boot selector copies images
type BootConfig struct {
	// CopyChunk is the chunk size used when promoting, DefaultCopyChunk if 0
	CopyChunk int

	// Progress is called while promoting (optional)
	Progress ProgressFunc
}

// Bootloader picks the image to run at startup
type Bootloader struct {
	store     *zone.Store
	writer    *guard.Writer
	scheduler Scheduler
	resetter  Resetter
	config    *BootConfig
}

// NewBootloader will create a boot selector over store. A nil config uses
// the defaults.
func NewBootloader(store *zone.Store, w *guard.Writer, s Scheduler, r Resetter, c *BootConfig) *Bootloader {
	if store == nil || w == nil || s == nil || r == nil {
		panic("store, writer, scheduler and resetter cannot be nil")
	}
	if c == nil {
		c = &BootConfig{}
	}
	if c.CopyChunk <= 0 {
		c.CopyChunk = DefaultCopyChunk
	}

	return &Bootloader{
		store:     store,
		writer:    w,
		scheduler: s,
		resetter:  r,
		config:    c,
	}
}

// ShouldPromote returns true if inactive holds a valid image that is newer
// than active, or active is not valid at all. An inactive image at the last
// generation is never promoted, its copy would have nowhere to count to.
func ShouldPromote(active, inactive zone.Zone) bool {
	if !inactive.Valid() || inactive.Generation == math.MaxUint32 {
		return false
	}
	return !active.Valid() || inactive.Generation > active.Generation
}

// Boot runs once per reset. If the inactive zone should be promoted it is
// copied over the active zone and the system is reset, so a new image always
// starts from a clean reset. Otherwise the active image is spawned.
//
// If the promotion fails after the active zone was touched, nothing is
// spawned and the error is returned. A valid inactive image will be promoted
// again on the next boot. If it fails before that, the active image is
// still intact and is spawned as usual.
func (b *Bootloader) Boot() (Outcome, error) {
	zs, err := b.store.Zones()
	if err != nil {
		return OutcomeNone, errors.Wrap(err, "could not read zones")
	}
	active, inactive := zs[zone.Active], zs[zone.Inactive]

	logrus.Debugf("boot: %s", active)
	logrus.Debugf("boot: %s", inactive)

	if ShouldPromote(active, inactive) {
		logrus.Infof("boot: promoting generation %d (%d bytes) into the active zone",
			inactive.Generation, inactive.Size)

		d, err := b.promote(inactive)
		if err == nil {
			logrus.Info("boot: promotion committed, resetting")
			b.resetter.ResetSystem()
			return OutcomePromoted, nil
		}

		err = errors.Wrap(err, "could not promote inactive zone")
		if (d != nil && d.State() != StateReady) || !active.Valid() {
			return OutcomeNone, err
		}
		logrus.Warnf("boot: %v, active zone untouched", err)
	}

	if !active.Valid() {
		return OutcomeNone, ErrNoBootableImage
	}

	logrus.Debugf("boot: spawning generation %d at 0x%08x", active.Generation, active.Entry())
	if err := b.scheduler.Spawn(active.Entry()); err != nil {
		return OutcomeNone, errors.Wrap(err, "could not spawn active image")
	}
	return OutcomeLaunched, nil
}

// Promote copies src into the active zone and commits it with
// src.Generation+1. The active zone is erased first and there is no copy of
// what it held.
func (b *Bootloader) Promote(src zone.Zone) error {
	_, err := b.promote(src)
	return err
}

// promote returns the download it ran, or nil if it failed before one was
// created. Flash was touched only if the download left StateReady.
func (b *Bootloader) promote(src zone.Zone) (*Download, error) {
	if src.Generation == math.MaxUint32 {
		return nil, errors.Wrapf(ErrGenerationExhausted, "%s zone is at generation %d", src.Role, src.Generation)
	}

	d, err := NewDownload(b.store, b.writer,
		Params{TotalSize: src.Size, Entrypoint: src.Entrypoint},
		WithTarget(zone.Active, src.Generation+1),
	)
	if err != nil {
		return nil, err
	}

	payload, err := b.store.Payload(src.Role, src.Size)
	if err != nil {
		return d, err
	}

	return d, Transfer(d, payload, b.config.CopyChunk, b.config.Progress)
}
