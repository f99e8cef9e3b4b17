package main

import (
	"strconv"
	"testing"

	"github.com/pkg/errors"
	"github.com/synthread/go-ota/zone"
)

func TestParseSize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    uint32
		wantErr bool
	}{
		{"0", 0, false},
		{"4096", 4096, false},
		{"0x1000", 0x1000, false},
		{"4k", 4096, false},
		{"32K", 32 << 10, false},
		{"1m", 1 << 20, false},
		{"0x10k", 16 << 10, false},
		{"k", 0, true},
		{"12q", 0, true},
		{"8192M", 0, true},
		{"-1", 0, true},
	}

	for _, tt := range tests {
		got, err := ParseSize(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseSize(%q) err = %v, wantErr %t", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseSize(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestParseSizeErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want error
	}{
		{"k", strconv.ErrSyntax},
		{"12q", strconv.ErrSyntax},
		{"8192M", strconv.ErrRange},
		{"0x1m1k", strconv.ErrSyntax},
	}

	for _, tt := range tests {
		if _, err := ParseSize(tt.in); !errors.Is(err, tt.want) {
			t.Errorf("ParseSize(%q) err = %v, want %v", tt.in, err, tt.want)
		}
	}
}

func TestParseArgs(t *testing.T) {
	t.Parallel()

	args := []string{
		"-f", "dev.img",
		"-base", "64k",
		"-zone", "0x4000",
		"-sector", "1k",
		"-e", "0x40",
		"-chunk", "128",
		"fw.bin",
	}

	o, err := parseArgs("load", args)
	if err != nil {
		t.Fatal(err)
	}

	want := zone.Layout{Base: 0x10000, ZoneSize: 0x4000, SectorSize: 0x400}
	if o.layout != want {
		t.Errorf("layout = %+v, want %+v", o.layout, want)
	}
	if o.image != "dev.img" || o.entry != 0x40 || o.chunk != 128 {
		t.Errorf("options = %+v", o)
	}
	if len(o.args) != 1 || o.args[0] != "fw.bin" {
		t.Errorf("args = %v", o.args)
	}
}

func TestParseArgsDefaults(t *testing.T) {
	t.Parallel()

	o, err := parseArgs("boot", nil)
	if err != nil {
		t.Fatal(err)
	}
	if o.layout != zone.DefaultLayout {
		t.Errorf("layout = %+v, want default", o.layout)
	}
}
