package camera

import (
	"context"
	"fmt"
	"image"
	"time"

	"github.com/Tsubasa-Ino/tv-watch-tracker/internal/timeutil"
	log "github.com/sirupsen/logrus"
)

// State is the lifecycle state of a Session.
type State int

const (
	Closed State = iota
	Open
	Degraded // open, but the last read failed
	Reconnecting
	Fatal
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case Degraded:
		return "degraded"
	case Reconnecting:
		return "reconnecting"
	case Fatal:
		return "fatal"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Session owns exactly one capture device handle.
type Session struct {
	open       Opener
	device     int
	retry      time.Duration
	maxRetries int
	clock      timeutil.Clock

	dev        Device
	state      State
	failures   int
	reconnects int
}

// NewSession returns a closed Session. Open must be called before Read.
func NewSession(open Opener, device int, retry time.Duration, maxRetries int, clock timeutil.Clock) *Session {
	return &Session{
		open:       open,
		device:     device,
		retry:      retry,
		maxRetries: maxRetries,
		clock:      clock,
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State { return s.state }

// Failures returns the number of consecutive failed reads.
func (s *Session) Failures() int { return s.failures }

// Reconnects returns how many reconnect cycles have succeeded.
func (s *Session) Reconnects() int { return s.reconnects }

// Open tries to open the device up to maxRetries times, waiting retry between
// attempts. Exhausting the budget leaves the session Fatal and returns
// ErrCameraUnavailable. A cancelled ctx ends the attempts with ctx.Err().
func (s *Session) Open(ctx context.Context) error {
	fields := log.Fields{"device": s.device, "max_retries": s.maxRetries}
	var lastErr error
	for attempt := 1; attempt <= s.maxRetries; attempt++ {
		dev, err := s.open(s.device)
		if err == nil {
			s.dev = dev
			s.state = Open
			s.failures = 0
			log.WithFields(fields).Info("Camera opened")
			return nil
		}
		lastErr = err
		log.WithFields(fields).WithError(err).WithField("attempt", attempt).Warn("Failed to open camera")

		if attempt == s.maxRetries {
			break
		}
		if err := timeutil.Sleep(ctx, s.clock, s.retry); err != nil {
			s.state = Closed
			return err
		}
	}
	s.state = Fatal
	return fmt.Errorf("%w: device %d after %d attempts: %v", ErrCameraUnavailable, s.device, s.maxRetries, lastErr)
}

// Read captures one frame. A failure increments the consecutive failure count
// and moves the session to Degraded; a success resets it.
func (s *Session) Read() (image.Image, error) {
	if s.dev == nil {
		return nil, fmt.Errorf("camera is %s", s.state)
	}
	img, err := s.dev.Read()
	if err != nil {
		s.failures++
		s.state = Degraded
		return nil, err
	}
	s.failures = 0
	s.state = Open
	return img, nil
}

// Reconnect releases the device, waits retry and runs Open again with the
// full retry budget.
func (s *Session) Reconnect(ctx context.Context) error {
	s.release()
	s.state = Reconnecting
	log.WithFields(log.Fields{"device": s.device, "failures": s.failures}).Warn("Reconnecting camera")

	if err := timeutil.Sleep(ctx, s.clock, s.retry); err != nil {
		s.state = Closed
		return err
	}
	if err := s.Open(ctx); err != nil {
		return err
	}
	s.reconnects++
	return nil
}

func (s *Session) release() {
	if s.dev == nil {
		return
	}
	if err := s.dev.Close(); err != nil {
		log.WithError(err).Warn("Failed to release camera")
	}
	s.dev = nil
}

// Close releases the device. It is safe to call more than once.
func (s *Session) Close() {
	s.release()
	if s.state != Fatal {
		s.state = Closed
	}
}
