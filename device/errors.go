package device

import (
	"errors"
	"fmt"

	"github.com/FerroO2000/scullp/internal/rb"
)

var (
	// ErrWouldBlock is returned by non-blocking operations
	// that cannot proceed without waiting.
	ErrWouldBlock = errors.New("device: operation would block")

	// ErrInterrupted is returned when a blocked operation is cancelled,
	// including while waiting for the device lock. It is always joined
	// with the error of the cancelled context.
	ErrInterrupted = errors.New("device: interrupted")

	// ErrOutOfMemory is returned by Activate when the buffer storage
	// cannot be obtained.
	ErrOutOfMemory = rb.ErrOutOfMemory

	// ErrInvalidCapacity is returned by Activate when the capacity
	// is smaller than MinCapacity.
	ErrInvalidCapacity = rb.ErrInvalidCapacity

	// ErrNotActive is returned when operating on a device
	// whose buffer has not been activated.
	ErrNotActive = errors.New("device: not active")

	// ErrAlreadyActive is returned when activating an active device.
	ErrAlreadyActive = errors.New("device: already active")

	// ErrFileClosed is returned when using a released file.
	ErrFileClosed = errors.New("device: file already closed")

	// ErrBadMode is returned when reading from a file opened for writing
	// only, or writing to a file opened for reading only.
	ErrBadMode = errors.New("device: operation not permitted by open mode")
)

func interrupted(cause error) error {
	return fmt.Errorf("%w: %w", ErrInterrupted, cause)
}
