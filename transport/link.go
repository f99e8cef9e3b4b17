package transport

import (
	"io"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.bug.st/serial"
)

var ErrTimeout = errors.New("timed out reading from link")
var ErrClosed = errors.New("link is closed")

var DefaultBaud = 115200
var DefaultTTY = "/dev/ttyS1"

// Port is the part of serial.Port the link needs
type Port interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
}

// Link is a byte pipe over a serial port. A goroutine drains the port into
// a channel so reads can time out per byte.
type Link struct {
	port Port
	rx   chan byte

	done      chan struct{}
	closeOnce sync.Once
}

// Open will open tty at baud with the framing used on both ends (8E1)
func Open(tty string, baud int) (*Link, error) {
	if tty == "" {
		tty = DefaultTTY
	}
	if baud <= 0 {
		baud = DefaultBaud
	}

	port, err := serial.Open(tty, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.EvenParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, errors.Wrap(err, "could not open serial")
	}

	logrus.Debugf("link open %s @ %d", tty, baud)
	return NewLink(port), nil
}

// NewLink will start reading from port
func NewLink(port Port) *Link {
	l := &Link{
		port: port,
		rx:   make(chan byte, 64),
		done: make(chan struct{}),
	}
	go l.read()
	return l
}

// Close will close the port and stop the reader
func (l *Link) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.done)
		err = l.port.Close()
		logrus.Debug("link close")
	})
	return err
}

func (l *Link) IsOpen() bool {
	select {
	case <-l.done:
		return false
	default:
		return true
	}
}

// read is the loop that will forever read from the port and write the
// incoming bytes to the rx chan
func (l *Link) read() {
	buf := make([]byte, 64)

	defer l.Close()

	l.port.SetReadTimeout(1 * time.Millisecond)

	for {
		n, err := l.port.Read(buf)
		if err != nil {
			if !l.IsOpen() || isClosedErr(err) {
				return
			}
			logrus.Error("rx err: ", err.Error())
			return
		}

		for _, b := range buf[:n] {
			select {
			case l.rx <- b:
			case <-l.done:
				return
			}
		}
		if n > 0 {
			logrus.Debugf("link rx: %x", buf[:n])
		}
	}
}

// isClosedErr is true for the errors a port returns once it has been closed
func isClosedErr(err error) bool {
	// don't write out if we're just complaining about it being closed
	if perr, ok := err.(*serial.PortError); ok {
		return perr.Code() == serial.PortClosed
	}
	return errors.Is(err, syscall.EBADF) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed)
}

// Write will write the specified bytes to the port
func (l *Link) Write(bs ...[]byte) (err error) {
	if !l.IsOpen() {
		return ErrClosed
	}

	if len(bs) == 0 {
		panic("must provide at least one []byte")
	}

	for _, b := range bs {
		_, err = l.port.Write(b)
		if err != nil {
			return
		}
		logrus.Debugf("link tx: %x", b)
	}

	return
}

// ReadN will read exactly N bytes from the rx chan
func (l *Link) ReadN(n int, to time.Duration) ([]byte, error) {
	bs := make([]byte, n)

	for i := 0; i < n; i++ {
		// bytes that arrived before a close are still delivered
		select {
		case b := <-l.rx:
			bs[i] = b
			continue
		default:
		}

		select {
		case <-time.After(to):
			return nil, ErrTimeout
		case b := <-l.rx:
			bs[i] = b
		case <-l.done:
			return nil, ErrClosed
		}
	}

	return bs, nil
}
