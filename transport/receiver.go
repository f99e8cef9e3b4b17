package transport

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/synthread/go-ota/guard"
	"github.com/synthread/go-ota/ota"
	"github.com/synthread/go-ota/zone"
)

// pollInterval bounds how long Receive waits for a command before it looks
// at its context again
var pollInterval = 100 * time.Millisecond

// Receiver runs on the device and lands images sent by a Sender in the
// inactive zone
type Receiver struct {
	link   *Link
	store  *zone.Store
	writer *guard.Writer

	dl *ota.Download
}

func NewReceiver(link *Link, store *zone.Store, w *guard.Writer) *Receiver {
	return &Receiver{
		link:   link,
		store:  store,
		writer: w,
	}
}

// Receive serves commands until one image has been committed, the download
// is aborted, the link closes or ctx is done. There is no deadline between
// commands.
func (r *Receiver) Receive(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		b, err := r.link.ReadN(1, pollInterval)
		if err == ErrTimeout {
			continue
		}
		if err != nil {
			return err
		}

		if b[0] == bSYNC {
			logrus.Debug("receiver: sync")
			if err := r.link.ack(); err != nil {
				return err
			}
			continue
		}

		cb, err := r.link.ReadN(1, AckTimeout)
		if err != nil {
			return err
		}
		if cb[0] != 0xff^b[0] {
			logrus.Debugf("receiver: bad command sequence %x %x", b[0], cb[0])
			if err := r.link.nack(); err != nil {
				return err
			}
			continue
		}

		done, err := r.handle(CommandCode(b[0]))
		if err != nil || done {
			return err
		}
	}
}

// handle acknowledges cmd, reads its data and runs it. done is true once the
// image is committed.
func (r *Receiver) handle(cmd CommandCode) (done bool, err error) {
	switch cmd {
	case CommandBegin, CommandWrite, CommandFinish:
	default:
		logrus.Debugf("receiver: unknown command %s", cmd)
		return false, r.link.nack()
	}

	if err := r.link.ack(); err != nil {
		return false, err
	}

	var opErr error
	switch cmd {
	case CommandBegin:
		opErr = r.begin()
	case CommandWrite:
		opErr = r.write()
	case CommandFinish:
		opErr = r.finish()
	}

	if opErr == nil {
		return cmd == CommandFinish, r.link.ack()
	}

	logrus.Debugf("receiver: %s failed: %v", cmd, opErr)
	if err := r.link.nack(); err != nil {
		return false, err
	}

	// a framing error can be retried by the sender, a failed download cannot
	if errors.Is(opErr, ota.ErrTransferAborted) {
		return false, opErr
	}
	return false, nil
}

func (r *Receiver) begin() error {
	bs, err := r.link.readWithChecksum(8, AckTimeout)
	if err != nil {
		return err
	}
	p := ota.Params{
		TotalSize:  binary.LittleEndian.Uint32(bs[0:4]),
		Entrypoint: binary.LittleEndian.Uint32(bs[4:8]),
	}

	d, err := ota.NewDownload(r.store, r.writer, p)
	if err != nil {
		return err
	}
	logrus.Infof("receiver: receiving %d bytes as generation %d", p.TotalSize, d.Generation())

	r.dl = d
	return d.Begin()
}

func (r *Receiver) write() error {
	data, err := r.link.readWithNAndChecksum(AckTimeout)
	if err != nil {
		return err
	}
	if r.dl == nil {
		return errors.Wrap(ota.ErrBadState, "write before begin")
	}
	return r.dl.Process(data)
}

func (r *Receiver) finish() error {
	if r.dl == nil {
		return errors.Wrap(ota.ErrBadState, "finish before begin")
	}
	if err := r.dl.Finish(); err != nil {
		if r.dl.State() != ota.StateCommitted {
			return err
		}
		// the image is valid, only the hardening step failed
		logrus.Warnf("receiver: %v", err)
	}
	logrus.Infof("receiver: committed %s", r.dl)
	return nil
}
