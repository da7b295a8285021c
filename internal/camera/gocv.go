//go:build gocv

package camera

import (
	"errors"
	"fmt"
	"image"

	"gocv.io/x/gocv"
)

type gocvDevice struct {
	capture *gocv.VideoCapture
	mat     gocv.Mat
}

// OpenGoCV opens the device through OpenCV.
func OpenGoCV(device int) (Device, error) {
	capture, err := gocv.OpenVideoCapture(device)
	if err != nil {
		return nil, fmt.Errorf("failed to open video capture: %w", err)
	}
	if !capture.IsOpened() {
		capture.Close()
		return nil, fmt.Errorf("video capture %d is not opened", device)
	}
	return &gocvDevice{capture: capture, mat: gocv.NewMat()}, nil
}

func (d *gocvDevice) Read() (image.Image, error) {
	if ok := d.capture.Read(&d.mat); !ok || d.mat.Empty() {
		return nil, errors.New("failed to read frame from video capture")
	}
	return d.mat.ToImage()
}

func (d *gocvDevice) Close() error {
	d.mat.Close()
	return d.capture.Close()
}
