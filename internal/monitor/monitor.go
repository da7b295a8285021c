// Package monitor runs the presence-monitoring loop: read, transform,
// detect and match, log, archive, sleep.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"image"
	"strings"
	"time"

	"github.com/Tsubasa-Ino/tv-watch-tracker/internal/archive"
	"github.com/Tsubasa-Ino/tv-watch-tracker/internal/camera"
	"github.com/Tsubasa-Ino/tv-watch-tracker/internal/config"
	"github.com/Tsubasa-Ino/tv-watch-tracker/internal/facematch"
	"github.com/Tsubasa-Ino/tv-watch-tracker/internal/frame"
	"github.com/Tsubasa-Ino/tv-watch-tracker/internal/timeutil"
	"github.com/Tsubasa-Ino/tv-watch-tracker/internal/types"
	log "github.com/sirupsen/logrus"
)

const (
	// FailureThreshold is the number of consecutive failed reads that triggers a reconnect.
	FailureThreshold = 30
	// ReadFailurePause is the wait after a failed read below the threshold.
	ReadFailurePause = time.Second
)

// Phase names the step of a tick that failed.
type Phase string

const (
	PhaseRead      Phase = "read"
	PhaseTransform Phase = "transform"
	PhaseDetect    Phase = "detect"
	PhaseLog       Phase = "log"
	PhaseArchive   Phase = "archive"
)

// TickError is a failure inside one tick, tagged with the phase it came from.
type TickError struct {
	Phase Phase
	Err   error
}

func (e *TickError) Error() string {
	return fmt.Sprintf("%s: %v", e.Phase, e.Err)
}

func (e *TickError) Unwrap() error { return e.Err }

// Matcher detects and identifies faces in a processed frame.
type Matcher interface {
	Match(p frame.Processed) ([]types.Match, error)
}

// EventLog records the names seen in a tick.
type EventLog interface {
	WriteTick(ts time.Time, names []string) error
}

// Archive stores the frames of a tick.
type Archive interface {
	Archive(t archive.Tick) error
}

// Result is what one tick observed.
type Result struct {
	Time    time.Time
	Matches []types.Match
	Names   []string
}

// Monitor owns the camera session for the lifetime of Run.
type Monitor struct {
	cfg     config.Config
	cam     *camera.Session
	matcher Matcher
	events  EventLog
	archive Archive
	clock   timeutil.Clock

	ticks     int
	abandoned int
}

// New wires a Monitor. cam must already be open before Run.
func New(cfg config.Config, cam *camera.Session, matcher Matcher, events EventLog, arch Archive, clock timeutil.Clock) *Monitor {
	return &Monitor{
		cfg:     cfg,
		cam:     cam,
		matcher: matcher,
		events:  events,
		archive: arch,
		clock:   clock,
	}
}

// Ticks returns the number of frames processed.
func (m *Monitor) Ticks() int { return m.ticks }

// Abandoned returns the number of ticks given up because of an error.
func (m *Monitor) Abandoned() int { return m.abandoned }

// Run loops until ctx is cancelled or the camera cannot be recovered.
// Cancellation is only observed between ticks and returns nil. The camera is
// released on every return path.
func (m *Monitor) Run(ctx context.Context) error {
	defer func() {
		m.cam.Close()
		log.WithFields(log.Fields{"ticks": m.ticks, "reconnects": m.cam.Reconnects()}).Info("Camera released")
	}()

	for {
		if ctx.Err() != nil {
			log.Info("Stop requested")
			return nil
		}

		img, err := m.cam.Read()
		if err != nil {
			if err := m.readFailed(ctx, err); err != nil {
				if ctx.Err() != nil {
					log.Info("Stop requested")
					return nil
				}
				return err
			}
			continue
		}

		if _, err := m.Process(m.clock.Now(), img); err != nil {
			m.dispatch(err)
		}

		if err := timeutil.Sleep(ctx, m.clock, m.cfg.Interval()); err != nil {
			log.Info("Stop requested")
			return nil
		}
	}
}

// readFailed applies the reconnect policy. The returned error is fatal.
func (m *Monitor) readFailed(ctx context.Context, err error) error {
	failures := m.cam.Failures()
	m.dispatch(&TickError{Phase: PhaseRead, Err: err})

	if failures < FailureThreshold {
		return timeutil.Sleep(ctx, m.clock, ReadFailurePause)
	}
	log.WithField("failures", failures).Error("Too many consecutive read failures, reconnecting camera")
	if err := m.cam.Reconnect(ctx); err != nil {
		return fmt.Errorf("camera reconnect failed: %w", err)
	}
	return nil
}

// dispatch logs a tick failure according to its phase.
func (m *Monitor) dispatch(err error) {
	var te *TickError
	if !errors.As(err, &te) {
		te = &TickError{Phase: PhaseDetect, Err: err}
	}
	entry := log.WithField("phase", te.Phase).WithError(te.Err)

	switch te.Phase {
	case PhaseRead:
		entry.WithFields(log.Fields{"failures": m.cam.Failures(), "threshold": FailureThreshold}).Warn("Failed to read frame")
	case PhaseLog:
		entry.Error("Failed to write presence log")
	default:
		m.abandoned++
		entry.Error("Tick abandoned")
	}
}

// Process runs one frame through transform, detect and match, log and
// archive. A log failure is reported and the tick carries on; any other
// failure, including a panic, abandons the tick and is returned as a TickError.
func (m *Monitor) Process(ts time.Time, img image.Image) (res Result, err error) {
	phase := PhaseTransform
	defer func() {
		if r := recover(); r != nil {
			err = &TickError{Phase: phase, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	m.ticks++
	res.Time = ts

	b := img.Bounds()
	roi := m.activeROI(b.Dx(), b.Dy())
	processed := frame.Process(img, roi, m.cfg.ResizeWidth)

	phase = PhaseDetect
	res.Matches, err = m.matcher.Match(processed)
	if err != nil {
		return res, &TickError{Phase: phase, Err: err}
	}
	res.Names = facematch.Names(res.Matches)

	phase = PhaseLog
	if err := m.events.WriteTick(ts, res.Names); err != nil {
		m.dispatch(&TickError{Phase: phase, Err: err})
	}
	if len(res.Names) > 0 {
		log.WithField("names", strings.Join(res.Names, ", ")).Info("Faces seen")
	} else {
		log.Debug("No faces")
	}

	phase = PhaseArchive
	if err := m.archive.Archive(archive.Tick{Time: ts, Frame: img, ROI: roi, Matches: res.Matches}); err != nil {
		return res, &TickError{Phase: phase, Err: err}
	}
	return res, nil
}

// activeROI returns the configured ROI clamped to the frame, or nil.
func (m *Monitor) activeROI(width, height int) *config.ROI {
	roi := m.cfg.ActiveROI()
	if roi == nil {
		return nil
	}
	r := frame.ClampROI(*roi, width, height)
	return &config.ROI{X: r.Min.X, Y: r.Min.Y, W: r.Dx(), H: r.Dy()}
}
