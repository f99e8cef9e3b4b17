package ota

import (
	"bytes"
	"io"
	"testing"

	"github.com/pkg/errors"
	"github.com/synthread/go-ota/guard"
	"github.com/synthread/go-ota/nvm"
	"github.com/synthread/go-ota/zone"
)

var testLayout = zone.Layout{Base: 0x8000, ZoneSize: 0x800, SectorSize: 0x100}

var errStatus = errors.New("flash status failure")

type fixture struct {
	sim    *nvm.Sim
	store  *zone.Store
	writer *guard.Writer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	sim := nvm.NewSim(testLayout.Base, testLayout.RegionSize(), testLayout.SectorSize)
	store, err := zone.Open(sim, testLayout)
	if err != nil {
		t.Fatal(err)
	}
	return &fixture{
		sim:    sim,
		store:  store,
		writer: guard.NewWriter(sim, nil, nil),
	}
}

// commit writes image into role r with generation gen
func (f *fixture) commit(t *testing.T, r zone.Role, gen uint32, image []byte, entry uint32) {
	t.Helper()

	d, err := NewDownload(f.store, f.writer,
		Params{TotalSize: uint32(len(image)), Entrypoint: entry},
		WithTarget(r, gen))
	if err != nil {
		t.Fatal(err)
	}
	if err := Transfer(d, bytes.NewReader(image), 0, nil); err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) zone(t *testing.T, r zone.Role) zone.Zone {
	t.Helper()

	z, err := f.store.Zone(r)
	if err != nil {
		t.Fatal(err)
	}
	return z
}

func (f *fixture) payload(t *testing.T, r zone.Role, n uint32) []byte {
	t.Helper()

	rd, err := f.store.Payload(r, n)
	if err != nil {
		t.Fatal(err)
	}
	bs, err := io.ReadAll(rd)
	if err != nil {
		t.Fatal(err)
	}
	return bs
}

// failProgramAt fails the nth program operation (1-based) from now on
func (f *fixture) failProgramAt(n int) {
	seen := 0
	f.sim.FailOn(func(op nvm.Op, addr uint32) error {
		if op != nvm.OpProgram {
			return nil
		}
		seen++
		if seen == n {
			return errStatus
		}
		return nil
	})
}

func testImage(n int) []byte {
	bs := make([]byte, n)
	for i := range bs {
		bs[i] = byte(i*7 + 3)
	}
	return bs
}
