// Package camera owns the capture device and its open/read/reconnect lifecycle.
package camera

import (
	"errors"
	"fmt"
	"image"
	"sort"
)

var (
	// ErrCameraUnavailable is returned once the open retry budget is exhausted.
	ErrCameraUnavailable = errors.New("camera unavailable")
	// ErrReadTimeout is returned when no new frame arrives in time.
	ErrReadTimeout = errors.New("timed out waiting for frame")
	// ErrBackendUnavailable is returned for a backend not compiled into this binary.
	ErrBackendUnavailable = errors.New("camera backend not available")
)

// Device is an open capture source.
type Device interface {
	// Read blocks until a frame is available or the read fails.
	Read() (image.Image, error)
	Close() error
}

// Opener opens the numbered capture device.
type Opener func(device int) (Device, error)

var backends = map[string]Opener{
	"ffmpeg": OpenFFmpeg,
	"gocv":   OpenGoCV,
}

// Backend returns the Opener registered under name.
func Backend(name string) (Opener, error) {
	open, ok := backends[name]
	if !ok {
		names := make([]string, 0, len(backends))
		for n := range backends {
			names = append(names, n)
		}
		sort.Strings(names)
		return nil, fmt.Errorf("unknown camera backend %q (have %v)", name, names)
	}
	return open, nil
}
