// Package serial holds the byte streams behind the host's serial commands.
//
// Output is what the host writes (serial_write). Input is queued for the
// host and drained by serial_available/serial_read.
package serial

import (
	"context"
	"errors"
)

var ErrInvalidRead = errors.New("serial: read size must be positive")

// Port is a serial console backend.
// Implementations may be in-memory (tests, local dev) or backed by Redis.
type Port interface {
	// Write appends host output.
	Write(ctx context.Context, p []byte) error
	// Available reports how many input bytes are queued for the host.
	Available(ctx context.Context) (int, error)
	// Read pops up to max queued input bytes.
	Read(ctx context.Context, max int) ([]byte, error)
	// Inject queues input bytes for the host.
	Inject(ctx context.Context, p []byte) error
	// Output returns everything the host has written so far.
	Output(ctx context.Context) ([]byte, error)
}
