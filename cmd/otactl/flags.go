package main

import (
	"flag"
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/synthread/go-ota/zone"
)

// ParseSize parses a size string as number[mMkK]. The multiplier is
// optional. The number can be any base (0x10k is 16KiB).
func ParseSize(s string) (uint32, error) {
	sz := strings.TrimRight(s, "mMkK")
	if len(sz) == 0 {
		return 0, errors.Wrapf(strconv.ErrSyntax, "%q: can't parse as num[mMkK]", s)
	}

	amt, err := strconv.ParseUint(sz, 0, 32)
	if err != nil {
		return 0, err
	}

	shift := 0
	switch s[len(sz):] {
	case "M", "m":
		shift = 20
	case "K", "k":
		shift = 10
	case "":
	default:
		return 0, errors.Wrapf(strconv.ErrSyntax, "can not parse %q as num[mMkK]", s)
	}

	if amt<<shift > 1<<32-1 {
		return 0, errors.Wrapf(strconv.ErrRange, "%q does not fit in 32 bits", s)
	}
	return uint32(amt << shift), nil
}

// options are the flags shared by every subcommand
type options struct {
	image   string
	layout  zone.Layout
	verbose bool

	tty       string
	baud      int
	powerGPIO int
	chunk     int
	entry     uint32

	args []string
}

// parseArgs parses args (without the program name) for cmd
func parseArgs(cmd string, args []string) (*options, error) {
	o := &options{}
	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)

	fs.StringVar(&o.image, "f", "flash.img", "flash image file backing the simulated device")
	base := fs.String("base", fmt.Sprintf("0x%x", zone.DefaultLayout.Base), "address of the zone region: num[mMkK]")
	zsize := fs.String("zone", fmt.Sprintf("0x%x", zone.DefaultLayout.ZoneSize), "size of one zone: num[mMkK]")
	sector := fs.String("sector", fmt.Sprintf("0x%x", zone.DefaultLayout.SectorSize), "flash erase sector size: num[mMkK]")
	entry := fs.String("e", "0", "entrypoint offset into the payload")
	fs.BoolVar(&o.verbose, "v", false, "debug logging")

	fs.StringVar(&o.tty, "tty", "", "serial port (default /dev/ttyS1)")
	fs.IntVar(&o.baud, "baud", 0, "serial baud rate (default 115200)")
	fs.IntVar(&o.powerGPIO, "power-gpio", 0, "GPIO pin that power cycles the device after a send or a promotion")
	fs.IntVar(&o.chunk, "chunk", 0, "bytes per write (default 256)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	var err error
	if o.layout.Base, err = ParseSize(*base); err != nil {
		return nil, err
	}
	if o.layout.ZoneSize, err = ParseSize(*zsize); err != nil {
		return nil, err
	}
	if o.layout.SectorSize, err = ParseSize(*sector); err != nil {
		return nil, err
	}
	if o.entry, err = ParseSize(*entry); err != nil {
		return nil, err
	}

	o.args = fs.Args()
	return o, nil
}
