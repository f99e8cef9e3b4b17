package ota

import (
	"fmt"

	"github.com/pkg/errors"
)

var ErrNoBootableImage = errors.New("no bootable image in the active zone")
var ErrTransferAborted = errors.New("transfer aborted")
var ErrOverflow = errors.New("image exceeds its declared size")
var ErrShortImage = errors.New("image is shorter than its declared size")
var ErrBadState = errors.New("download is not in a state that allows this")
var ErrGenerationExhausted = errors.New("generation counter exhausted")

// AbortError is returned when a download step fails. The download cannot be
// resumed and the target zone is left invalid unless the commit word was
// already written.
type AbortError struct {
	Stage string
	Err   error
}

func (e *AbortError) Error() string {
	return fmt.Sprintf("transfer aborted during %s: %v", e.Stage, e.Err)
}

func (e *AbortError) Unwrap() error { return e.Err }

func (e *AbortError) Cause() error { return e.Err }

// Is matches ErrTransferAborted so callers can test for any aborted download
func (e *AbortError) Is(target error) bool {
	return target == ErrTransferAborted
}
