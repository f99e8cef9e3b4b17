package transport

import (
	"fmt"
	"math"
	"os"
	"time"

	"github.com/piotrjaromin/gpio"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var DefaultChunkSize = MaxBlock

// Config defines configuration for talking to a device over UART
type Config struct {
	TTY  string
	Baud int

	// PowerGPIO is the pin switching the device's power. When set, the
	// device is power cycled after an image is committed so it boots into
	// the promotion path.
	PowerGPIO int

	// ChunkSize is the data size per Write command, at most MaxBlock
	ChunkSize int
}

// Sender pushes firmware images to a device running a Receiver
type Sender struct {
	config *Config
	link   *Link
	power  *GPIOReset
}

// NewSender will create a sender, filling in defaults for unset config
func NewSender(c *Config) (*Sender, error) {
	if c == nil {
		c = &Config{}
	}
	if c.ChunkSize <= 0 || c.ChunkSize > MaxBlock {
		c.ChunkSize = DefaultChunkSize
	}

	s := &Sender{config: c}

	if c.PowerGPIO > 0 {
		p, err := NewGPIOReset(c.PowerGPIO)
		if err != nil {
			return nil, errors.Wrap(err, "could not setup pins")
		}
		s.power = p
	}

	return s, nil
}

// Open will open the serial port named in the config
func (s *Sender) Open() (err error) {
	s.link, err = Open(s.config.TTY, s.config.Baud)
	return
}

// Close will close the port and release the power pin
func (s *Sender) Close() error {
	if s.power != nil {
		s.power.Cleanup()
	}
	return s.closeLink()
}

func (s *Sender) closeLink() error {
	if s.link == nil {
		return nil
	}
	err := s.link.Close()
	s.link = nil
	return err
}

func (s *Sender) IsOpen() bool {
	return s.link != nil && s.link.IsOpen()
}

// SendImageFromFile will send the requested file to the device
func (s *Sender) SendImageFromFile(filePath string, entrypoint uint32) error {
	bs, err := os.ReadFile(filePath)
	if err != nil {
		return err
	}
	return s.SendImage(bs, entrypoint)
}

// SendImage will send bs to the device, which commits it to its inactive
// zone, and then power cycle the device if a power pin is configured
func (s *Sender) SendImage(bs []byte, entrypoint uint32) error {
	if uint64(len(bs)) > math.MaxUint32 {
		return errors.Errorf("image of %d bytes is too large", len(bs))
	}

	if !s.IsOpen() {
		if err := s.Open(); err != nil {
			return err
		}
		defer s.closeLink()
	}

	start := time.Now()

	if err := s.sync(); err != nil {
		return errors.Wrap(err, "could not sync with device")
	}
	if err := s.begin(uint32(len(bs)), entrypoint); err != nil {
		return errors.Wrap(err, "could not begin download")
	}

	chunk := s.config.ChunkSize
	nseg := int(math.Ceil(float64(len(bs)) / float64(chunk)))

	for i := 0; i < nseg; i++ {
		offset := i * chunk
		endIndex := min(len(bs), offset+chunk)

		logrus.Debugf("wm: %d -> %d [l=%d]", offset, endIndex, len(bs[offset:endIndex]))

		if err := s.write(bs[offset:endIndex]); err != nil {
			return errors.Wrap(err, fmt.Sprintf("could not write segment %d", i))
		}
	}

	if err := s.finish(); err != nil {
		return errors.Wrap(err, "could not finish download")
	}

	logrus.Infof("sent %d bytes in %s", len(bs), time.Since(start))

	if s.power != nil {
		s.Reset()
	}
	return nil
}

// Reset will force a power cycle on the device
func (s *Sender) Reset() {
	if s.power == nil {
		logrus.Warn("no power pin configured, cannot reset device")
		return
	}
	s.power.ResetSystem()
}

// execCmd will run the specified command and check that it is ACK'd
func (s *Sender) execCmd(c CommandCode) error {
	if err := s.link.Write(c.sequence()); err != nil {
		return err
	}
	return errors.Wrapf(s.link.readAckOrNack(), "%s not acknowledged", c)
}

func (s *Sender) sync() error {
	if err := s.link.Write([]byte{bSYNC}); err != nil {
		return err
	}
	return s.link.readAckOrNack()
}

// begin announces the image; the device erases its inactive zone before it
// acknowledges
func (s *Sender) begin(size, entrypoint uint32) error {
	if err := s.execCmd(CommandBegin); err != nil {
		return err
	}
	if err := s.link.writeWithChecksum(beginData(size, entrypoint)); err != nil {
		return err
	}
	return errors.Wrap(s.link.readAckOrNack(), "err ack after begin data")
}

func (s *Sender) write(data []byte) error {
	if err := s.execCmd(CommandWrite); err != nil {
		return errors.Wrap(err, "err exec write")
	}
	if err := s.link.writeWithNAndChecksum(data); err != nil {
		return errors.Wrap(err, "err writing data")
	}
	return errors.Wrap(s.link.readAckOrNack(), "err ack after write data")
}

func (s *Sender) finish() error {
	if err := s.execCmd(CommandFinish); err != nil {
		return err
	}
	return errors.Wrap(s.link.readAckOrNack(), "err ack after finish")
}

// GPIOReset resets a board by cutting its power through a GPIO pin
type GPIOReset struct {
	pin gpio.Pin
}

// NewGPIOReset will claim pin as an output, driven high (powered)
func NewGPIOReset(pin int) (*GPIOReset, error) {
	p, err := gpio.NewOutput(uint(pin), true)
	if err != nil {
		return nil, err
	}
	return &GPIOReset{pin: p}, nil
}

// ResetSystem will power cycle the board
func (r *GPIOReset) ResetSystem() {
	r.pin.Low()
	time.Sleep(10 * time.Millisecond)
	r.pin.High()
	time.Sleep(10 * time.Millisecond)
}

// Cleanup releases the pin
func (r *GPIOReset) Cleanup() {
	r.pin.Cleanup()
}
