package camera

import (
	"bufio"
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"sync"
	"time"

	"github.com/Tsubasa-Ino/tv-watch-tracker/internal/utils"
)

const (
	maxFrameSize    = 8 * 1024 * 1024
	frameTimeout    = 5 * time.Second
	firstFrameLimit = 10 * time.Second
)

// streamDevice decodes MJPEG frames from a byte stream. A background reader
// keeps only the newest frame, so a slow tick never works on a stale buffer.
type streamDevice struct {
	closeFn func() error
	timeout time.Duration
	notify  chan struct{}

	mu       sync.Mutex
	latest   []byte
	seq      uint64
	lastRead uint64
	err      error
}

func newStreamDevice(r io.Reader, closeFn func() error, timeout time.Duration) *streamDevice {
	d := &streamDevice{
		closeFn: closeFn,
		timeout: timeout,
		notify:  make(chan struct{}, 1),
	}
	go d.readLoop(r)
	return d
}

func (d *streamDevice) readLoop(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 512*1024), maxFrameSize)
	scanner.Split(utils.SplitJpeg)

	for scanner.Scan() {
		frame := append([]byte(nil), scanner.Bytes()...)
		d.mu.Lock()
		d.latest = frame
		d.seq++
		d.mu.Unlock()
		d.signal()
	}

	err := scanner.Err()
	if err == nil {
		err = io.EOF
	}
	d.mu.Lock()
	d.err = fmt.Errorf("camera stream ended: %w", err)
	d.mu.Unlock()
	d.signal()
}

func (d *streamDevice) signal() {
	select {
	case d.notify <- struct{}{}:
	default:
	}
}

// Read returns the newest frame not yet returned, waiting up to the device timeout.
func (d *streamDevice) Read() (image.Image, error) {
	return d.readWithin(d.timeout)
}

func (d *streamDevice) readWithin(limit time.Duration) (image.Image, error) {
	timer := time.NewTimer(limit)
	defer timer.Stop()

	for {
		d.mu.Lock()
		if d.seq > d.lastRead {
			data := d.latest
			d.lastRead = d.seq
			d.mu.Unlock()

			img, err := jpeg.Decode(bytes.NewReader(data))
			if err != nil {
				return nil, fmt.Errorf("failed to decode frame: %w", err)
			}
			return img, nil
		}
		err := d.err
		d.mu.Unlock()
		if err != nil {
			return nil, err
		}

		select {
		case <-d.notify:
		case <-timer.C:
			return nil, ErrReadTimeout
		}
	}
}

func (d *streamDevice) Close() error {
	return d.closeFn()
}

// OpenFFmpeg starts an ffmpeg capture of /dev/videoN and waits for the first
// frame, so a missing or busy device fails here rather than on the first tick.
func OpenFFmpeg(device int) (Device, error) {
	cmd := utils.NewFFmpegCaptureCmd(device)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	stop := func() error {
		if cmd.Process != nil {
			cmd.Process.Kill()
		}
		cmd.Wait()
		return nil
	}

	d := newStreamDevice(stdout, stop, frameTimeout)
	// The first frame is consumed only as a health check
	if _, err := d.readWithin(firstFrameLimit); err != nil {
		stop()
		if msg := bytes.TrimSpace(cmd.Stderr.Bytes()); len(msg) > 0 {
			return nil, fmt.Errorf("%s: %w (%s)", utils.VideoDevicePath(device), err, msg)
		}
		return nil, fmt.Errorf("%s: %w", utils.VideoDevicePath(device), err)
	}
	return d, nil
}
