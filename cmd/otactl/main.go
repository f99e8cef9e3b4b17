// Command otactl drives the update engine against a flash image file.
//
//	otactl info                       print both zones
//	otactl load -e 0x40 fw.bin        download fw.bin into the inactive zone
//	otactl boot                       run the boot selector once
//	otactl serve -tty /dev/ttyS1      receive one image over serial
//	otactl send -tty /dev/ttyUSB0 fw.bin
package main

import (
	"context"
	"fmt"
	"math"
	"os"
	"os/signal"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/synthread/go-ota/guard"
	"github.com/synthread/go-ota/nvm"
	"github.com/synthread/go-ota/ota"
	"github.com/synthread/go-ota/transport"
	"github.com/synthread/go-ota/zone"
)

const usage = "usage: otactl info|load|boot|serve|send [flags] [file]"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	if err := run(os.Args[1], os.Args[2:]); err != nil {
		logrus.Fatal(err)
	}
}

func run(cmd string, args []string) error {
	o, err := parseArgs(cmd, args)
	if err != nil {
		return err
	}
	if o.verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}

	if cmd == "send" {
		return send(o)
	}

	dev, err := openDevice(o)
	if err != nil {
		return err
	}

	switch cmd {
	case "info":
		return info(dev)
	case "load":
		err = load(dev, o)
	case "boot":
		err = boot(dev, o)
	case "serve":
		err = serve(dev, o)
	default:
		return errors.Errorf("unknown command %q\n%s", cmd, usage)
	}

	// whatever reached flash stays there, as it would on a device
	if serr := dev.sim.Save(o.image); serr != nil && err == nil {
		err = serr
	}
	return err
}

// device is the simulated flash plus the engine pieces over it
type device struct {
	sim    *nvm.Sim
	store  *zone.Store
	writer *guard.Writer
}

func openDevice(o *options) (*device, error) {
	if err := o.layout.Validate(); err != nil {
		return nil, err
	}

	sim, err := nvm.LoadSim(o.image, o.layout.Base, o.layout.RegionSize(), o.layout.SectorSize)
	if err != nil {
		return nil, err
	}
	store, err := zone.Open(sim, o.layout)
	if err != nil {
		return nil, err
	}

	return &device{
		sim:    sim,
		store:  store,
		writer: guard.NewWriter(sim, nil, nil),
	}, nil
}

func info(dev *device) error {
	zs, err := dev.store.Zones()
	if err != nil {
		return err
	}
	for _, z := range zs {
		fmt.Println(z)
	}
	return nil
}

func load(dev *device, o *options) error {
	if len(o.args) != 1 {
		return errors.New("load needs exactly one image file")
	}

	f, err := os.Open(o.args[0])
	if err != nil {
		return err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return err
	}

	if st.Size() > math.MaxUint32 {
		return errors.Errorf("%s is too large", o.args[0])
	}

	d, err := ota.NewDownload(dev.store, dev.writer, ota.Params{
		TotalSize:  uint32(st.Size()),
		Entrypoint: o.entry,
	})
	if err != nil {
		return err
	}

	err = ota.Transfer(d, f, o.chunk, func(p ota.Progress) {
		logrus.Debugf("load: %.1f%% (%d/%d)", p.Percentage(), p.Written, p.Total)
	})
	if err != nil {
		return err
	}

	logrus.Infof("loaded %s as generation %d", o.args[0], d.Generation())
	return nil
}

// hostScheduler and hostReset stand in for the RTOS on a host build
type hostScheduler struct{}

func (hostScheduler) Spawn(entry uint32) error {
	fmt.Printf("spawn task at 0x%08x\n", entry)
	return nil
}

type hostReset struct{}

func (hostReset) ResetSystem() {
	fmt.Println("system reset")
}

func boot(dev *device, o *options) error {
	var r ota.Resetter = hostReset{}
	if o.powerGPIO > 0 {
		p, err := transport.NewGPIOReset(o.powerGPIO)
		if err != nil {
			return errors.Wrap(err, "could not setup pins")
		}
		defer p.Cleanup()
		r = p
	}

	b := ota.NewBootloader(dev.store, dev.writer, hostScheduler{}, r, &ota.BootConfig{
		Progress: func(p ota.Progress) {
			logrus.Debugf("promote: %.1f%%", p.Percentage())
		},
	})

	out, err := b.Boot()
	if err != nil {
		return err
	}
	logrus.Infof("boot: %s", out)
	return nil
}

func serve(dev *device, o *options) error {
	link, err := transport.Open(o.tty, o.baud)
	if err != nil {
		return err
	}
	defer link.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	return transport.NewReceiver(link, dev.store, dev.writer).Receive(ctx)
}

func send(o *options) error {
	if len(o.args) != 1 {
		return errors.New("send needs exactly one image file")
	}

	s, err := transport.NewSender(&transport.Config{
		TTY:       o.tty,
		Baud:      o.baud,
		PowerGPIO: o.powerGPIO,
		ChunkSize: o.chunk,
	})
	if err != nil {
		return err
	}

	return s.SendImageFromFile(o.args[0], o.entry)
}
