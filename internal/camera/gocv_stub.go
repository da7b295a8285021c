//go:build !gocv

package camera

import "fmt"

// OpenGoCV is a stub when OpenCV support is disabled.
// Build with -tags=gocv to enable it.
func OpenGoCV(device int) (Device, error) {
	return nil, fmt.Errorf("%w: rebuild with -tags=gocv to enable the gocv backend", ErrBackendUnavailable)
}
