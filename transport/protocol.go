// Package transport carries firmware images over a serial line into the
// update engine.
//
// The wire protocol follows the STM32 system bootloader. The host sends a
// sync byte or a command as [code, ^code], the device answers ACK or NACK,
// then the command's data follows with an XOR checksum and is answered with
// a second ACK or NACK.
//
//	Begin  0x43  data: size (u32 LE), entrypoint (u32 LE), checksum
//	Write  0x31  data: n-1, n bytes (n <= 256), checksum over both
//	Finish 0x21  no data, second ACK once the image is committed
package transport

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/pkg/errors"
)

const bACK byte = 0x79
const bNACK byte = 0x1f
const bSYNC byte = 0x7f

// MaxBlock is the largest data block a single Write command carries
const MaxBlock = 256

var AckTimeout = 5 * time.Second

var ErrFailedToAck = errors.New("failed to read ack or nack from device")
var ErrNACK = errors.New("received nack from device")
var ErrBadChecksum = errors.New("checksum mismatch")

type CommandCode byte

const (
	CommandBegin  CommandCode = 0x43
	CommandWrite  CommandCode = 0x31
	CommandFinish CommandCode = 0x21
)

func (c CommandCode) String() string {
	switch c {
	case CommandBegin:
		return "begin"
	case CommandWrite:
		return "write"
	case CommandFinish:
		return "finish"
	}
	return fmt.Sprintf("cmd(0x%02x)", byte(c))
}

// sequence returns the two bytes that announce command c
func (c CommandCode) sequence() []byte {
	return []byte{byte(c), 0xff ^ byte(c)}
}

// beginData encodes the Begin payload
func beginData(size, entrypoint uint32) []byte {
	bs := make([]byte, 8)
	binary.LittleEndian.PutUint32(bs[0:], size)
	binary.LittleEndian.PutUint32(bs[4:], entrypoint)
	return bs
}

// writeWithChecksum will write the requested data with a checksum at the end
func (l *Link) writeWithChecksum(bs []byte) error {
	return l.Write(bs, []byte{checksum(bs)})
}

// writeWithNAndChecksum will write the data prefixed with the length in a
// single byte and suffixed with the checksum of the entire message
func (l *Link) writeWithNAndChecksum(bs []byte) error {
	n := byte(len(bs) - 1)
	return l.writeWithChecksum(append([]byte{n}, bs...))
}

// readWithChecksum reads n data bytes and the checksum after them
func (l *Link) readWithChecksum(n int, to time.Duration) ([]byte, error) {
	bs, err := l.ReadN(n+1, to)
	if err != nil {
		return nil, err
	}
	if checksum(bs[:n]) != bs[n] {
		return nil, ErrBadChecksum
	}
	return bs[:n], nil
}

// readWithNAndChecksum reads a block framed by writeWithNAndChecksum
func (l *Link) readWithNAndChecksum(to time.Duration) ([]byte, error) {
	n, err := l.ReadN(1, to)
	if err != nil {
		return nil, err
	}
	bs, err := l.ReadN(int(n[0])+2, to)
	if err != nil {
		return nil, err
	}
	data, cs := bs[:len(bs)-1], bs[len(bs)-1]
	if checksum(n, data) != cs {
		return nil, ErrBadChecksum
	}
	return data, nil
}

// readAckOrNack reads whether the pending byte is ACK, NACK, or neither
func (l *Link) readAckOrNack() error {
	bs, err := l.ReadN(1, AckTimeout)
	if err != nil {
		return err
	}

	switch bs[0] {
	case bACK:
		return nil
	case bNACK:
		return ErrNACK
	}
	return ErrFailedToAck
}

func (l *Link) ack() error  { return l.Write([]byte{bACK}) }
func (l *Link) nack() error { return l.Write([]byte{bNACK}) }
