package ota

import (
	"io"
	"time"

	"github.com/pkg/errors"
)

// DefaultCopyChunk is the number of bytes handed to Process per call when an
// image is streamed from a reader
var DefaultCopyChunk = 256

// Progress is passed to a ProgressFunc after every chunk
type Progress struct {
	Written uint32
	Total   uint32
	Elapsed time.Duration
}

// Percentage is the completion percentage (0.0 to 100.0)
func (p Progress) Percentage() float64 {
	if p.Total == 0 {
		return 100
	}
	return float64(p.Written) / float64(p.Total) * 100
}

// ProgressFunc should return quickly, it runs between flash writes
type ProgressFunc func(Progress)

// Transfer runs a whole download: it erases the target zone, streams
// d.Size() bytes from src into it in chunks of at most chunk bytes and
// commits it. The same path serves promotion (src reads another zone) and
// reception (src is a network or serial stream).
func Transfer(d *Download, src io.Reader, chunk int, progress ProgressFunc) error {
	if chunk <= 0 {
		chunk = DefaultCopyChunk
	}
	start := time.Now()

	if err := d.Begin(); err != nil {
		return err
	}

	buf := make([]byte, chunk)
	for d.Remaining() > 0 {
		n := min(chunk, int(d.Remaining()))

		if _, err := io.ReadFull(src, buf[:n]); err != nil {
			return d.abort("process", errors.Wrapf(err, "could not read image at offset %d", d.Written()))
		}
		if err := d.Process(buf[:n]); err != nil {
			return err
		}

		if progress != nil {
			progress(Progress{
				Written: d.Written(),
				Total:   d.Size(),
				Elapsed: time.Since(start),
			})
		}
	}

	return d.Finish()
}
