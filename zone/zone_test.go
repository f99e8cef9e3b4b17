package zone

import (
	"bytes"
	"io"
	"testing"

	"github.com/pkg/errors"
	"github.com/synthread/go-ota/nvm"
)

var testLayout = Layout{Base: 0x4000, ZoneSize: 0x400, SectorSize: 0x100}

func newTestStore(t *testing.T) (*Store, *nvm.Sim) {
	t.Helper()

	sim := nvm.NewSim(testLayout.Base, testLayout.RegionSize(), testLayout.SectorSize)
	s, err := Open(sim, testLayout)
	if err != nil {
		t.Fatal(err)
	}
	return s, sim
}

func TestMetadataLayout(t *testing.T) {
	m := Metadata{Size: 10, Entrypoint: 0x20, Generation: 3, Done: CommitMagic}

	bs, err := m.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}

	want := []byte{
		0x0a, 0x00, 0x00, 0x00,
		0x20, 0x00, 0x00, 0x00,
		0x03, 0x00, 0x00, 0x00,
		0xde, 0xc0, 0x0d, 0x60,
	}
	if !bytes.Equal(bs, want) {
		t.Errorf("encoded = % x, want % x", bs, want)
	}

	var got Metadata
	if err := got.UnmarshalBinary(bs); err != nil {
		t.Fatal(err)
	}
	if got != m {
		t.Errorf("decoded = %+v, want %+v", got, m)
	}

	if err := got.UnmarshalBinary(bs[:8]); err == nil {
		t.Error("expected error on short metadata")
	}
}

func TestMetadataValid(t *testing.T) {
	tests := []struct {
		name string
		done uint32
		want bool
	}{
		{"committed", CommitMagic, true},
		{"erased", 0xffffffff, false},
		{"zero", 0, false},
		{"one bit off", CommitMagic ^ 1, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := (Metadata{Done: tt.done}).Valid(); got != tt.want {
				t.Errorf("Valid() = %t, want %t", got, tt.want)
			}
		})
	}
}

func TestLayoutValidate(t *testing.T) {
	tests := []struct {
		name    string
		layout  Layout
		wantErr bool
	}{
		{"default", DefaultLayout, false},
		{"test", testLayout, false},
		{"zero sector", Layout{Base: 0, ZoneSize: 0x400}, true},
		{"odd sector", Layout{Base: 0, ZoneSize: 0x600, SectorSize: 0x300}, true},
		{"unaligned base", Layout{Base: 0x10, ZoneSize: 0x400, SectorSize: 0x100}, true},
		{"partial sector", Layout{Base: 0, ZoneSize: 0x480, SectorSize: 0x100}, true},
		{"metadata only", Layout{Base: 0, ZoneSize: 0x100, SectorSize: 0x100}, true},
		{"tiny sectors", Layout{Base: 0, ZoneSize: 0x40, SectorSize: 0x8}, false},
		{"past 4GiB", Layout{Base: 0xfff00000, ZoneSize: 0x100000, SectorSize: 0x1000}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.layout.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() = %v, wantErr %t", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrBadLayout) {
				t.Errorf("error should wrap ErrBadLayout: %v", err)
			}
		})
	}
}

func TestLayoutGeometry(t *testing.T) {
	l := testLayout

	if got := l.ZoneBase(Inactive); got != 0x4400 {
		t.Errorf("inactive base = 0x%x, want 0x4400", got)
	}
	if got := l.PayloadBase(Active); got != 0x4100 {
		t.Errorf("active payload = 0x%x, want 0x4100", got)
	}
	if got := l.PayloadCapacity(); got != 0x300 {
		t.Errorf("capacity = 0x%x, want 0x300", got)
	}
	if got := l.SectorCount(); got != 4 {
		t.Errorf("sectors = %d, want 4", got)
	}

	tiny := Layout{ZoneSize: 0x40, SectorSize: 0x8}
	if got := tiny.MetadataBlockSize(); got != 16 {
		t.Errorf("metadata block for 8 byte sectors = %d, want 16", got)
	}
}

func TestAlign(t *testing.T) {
	if Align(1, 8) != 8 || Align(8, 8) != 8 || Align(9, 8) != 16 || Align(uint32(0), 4) != 0 {
		t.Error("Align rounding is wrong")
	}
}

func TestStoreZoneOnErasedFlash(t *testing.T) {
	s, _ := newTestStore(t)

	zs, err := s.Zones()
	if err != nil {
		t.Fatal(err)
	}
	for _, z := range zs {
		if z.Valid() {
			t.Errorf("%s zone valid on erased flash", z.Role)
		}
	}
	if zs[Inactive].Base != testLayout.ZoneBase(Inactive) {
		t.Errorf("inactive base = 0x%x", zs[Inactive].Base)
	}
}

func TestStoreReadsCommittedZone(t *testing.T) {
	s, sim := newTestStore(t)

	m := Metadata{Size: 4, Entrypoint: 2, Generation: 7, Done: CommitMagic}
	bs, _ := m.MarshalBinary()
	sim.Program(bs, testLayout.ZoneBase(Inactive))
	sim.Program([]byte{0xde, 0xad, 0xbe, 0xef}, testLayout.PayloadBase(Inactive))

	z, err := s.Zone(Inactive)
	if err != nil {
		t.Fatal(err)
	}
	if !z.Valid() || z.Generation != 7 {
		t.Fatalf("zone = %s", z)
	}
	if z.Entry() != testLayout.PayloadBase(Inactive)+2 {
		t.Errorf("entry = 0x%x", z.Entry())
	}

	r, err := s.Payload(Inactive, z.Size)
	if err != nil {
		t.Fatal(err)
	}
	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, []byte{0xde, 0xad, 0xbe, 0xef}) {
		t.Errorf("payload = %x", got)
	}

	if _, err := s.Payload(Inactive, testLayout.PayloadCapacity()+1); err == nil {
		t.Error("expected capacity error")
	}
	if _, err := s.Zone(Role(2)); err == nil {
		t.Error("expected error for unknown role")
	}
}

func TestOpenChecksSectorSize(t *testing.T) {
	sim := nvm.NewSim(testLayout.Base, testLayout.RegionSize(), 0x200)

	if _, err := Open(sim, testLayout); !errors.Is(err, ErrBadLayout) {
		t.Errorf("got %v, want ErrBadLayout", err)
	}

	l := testLayout
	l.SectorSize = 0
	s, err := Open(sim, l)
	if err != nil {
		t.Fatal(err)
	}
	if s.Layout().SectorSize != 0x200 {
		t.Errorf("sector size = 0x%x, want it from flash", s.Layout().SectorSize)
	}
}
