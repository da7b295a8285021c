package monitor

import (
	"context"
	"errors"
	"image"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Tsubasa-Ino/tv-watch-tracker/internal/archive"
	"github.com/Tsubasa-Ino/tv-watch-tracker/internal/camera"
	"github.com/Tsubasa-Ino/tv-watch-tracker/internal/config"
	"github.com/Tsubasa-Ino/tv-watch-tracker/internal/eventlog"
	"github.com/Tsubasa-Ino/tv-watch-tracker/internal/facematch"
	"github.com/Tsubasa-Ino/tv-watch-tracker/internal/frame"
	"github.com/Tsubasa-Ino/tv-watch-tracker/internal/store"
	"github.com/Tsubasa-Ino/tv-watch-tracker/internal/timeutil"
	"github.com/Tsubasa-Ino/tv-watch-tracker/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var start = time.Date(2025, 6, 1, 20, 0, 0, 0, time.Local)

// scriptedDevice fails the first failReads reads, then returns a blank frame.
type scriptedDevice struct {
	failReads int
	reads     int
	closed    bool
}

func (d *scriptedDevice) Read() (image.Image, error) {
	d.reads++
	if d.reads <= d.failReads {
		return nil, errors.New("VIDIOC_DQBUF: no such device")
	}
	return image.NewRGBA(image.Rect(0, 0, 320, 240)), nil
}

func (d *scriptedDevice) Close() error {
	d.closed = true
	return nil
}

type scriptedOpener struct {
	devices []*scriptedDevice
	opened  int
}

func (o *scriptedOpener) open(int) (camera.Device, error) {
	if o.opened >= len(o.devices) {
		return nil, errors.New("no such device")
	}
	d := o.devices[o.opened]
	o.opened++
	return d, nil
}

// fakeMatcher returns the same matches every call and runs onCall after each one.
type fakeMatcher struct {
	matches []types.Match
	err     error
	panics  bool
	calls   int
	onCall  func(n int)
}

func (f *fakeMatcher) Match(p frame.Processed) ([]types.Match, error) {
	f.calls++
	if f.onCall != nil {
		f.onCall(f.calls)
	}
	if f.panics {
		panic("index out of range")
	}
	return f.matches, f.err
}

type recordingLog struct {
	ticks [][]string
	err   error
}

func (r *recordingLog) WriteTick(ts time.Time, names []string) error {
	r.ticks = append(r.ticks, names)
	return r.err
}

type recordingArchive struct {
	ticks []archive.Tick
	err   error
}

func (r *recordingArchive) Archive(t archive.Tick) error {
	r.ticks = append(r.ticks, t)
	return r.err
}

func openSession(t *testing.T, op *scriptedOpener, clock timeutil.Clock) *camera.Session {
	t.Helper()
	s := camera.NewSession(op.open, 0, 5*time.Second, 3, clock)
	require.NoError(t, s.Open(context.Background()))
	return s
}

func TestRun_ReconnectsAfterThreshold(t *testing.T) {
	first := &scriptedDevice{failReads: 1000}
	second := &scriptedDevice{}
	op := &scriptedOpener{devices: []*scriptedDevice{first, second}}
	clock := timeutil.NewMockClock(start)
	cam := openSession(t, op, clock)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	matcher := &fakeMatcher{onCall: func(int) { cancel() }}
	cfg := config.Default()
	cfg.IntervalSec = 60
	m := New(cfg, cam, matcher, &recordingLog{}, &recordingArchive{}, clock)

	require.NoError(t, m.Run(ctx))

	assert.Equal(t, FailureThreshold, first.reads)
	assert.True(t, first.closed)
	assert.Equal(t, 2, op.opened, "exactly one reopen")
	assert.Equal(t, 1, cam.Reconnects())
	assert.True(t, second.closed, "camera released on shutdown")
	assert.Equal(t, 1, matcher.calls)

	var pauses, retries int
	for _, d := range clock.Sleeps() {
		switch d {
		case ReadFailurePause:
			pauses++
		case 5 * time.Second:
			retries++
		}
	}
	assert.Equal(t, FailureThreshold-1, pauses)
	assert.Equal(t, 1, retries)
}

func TestRun_ReconnectExhaustedIsFatal(t *testing.T) {
	dev := &scriptedDevice{failReads: 1000}
	op := &scriptedOpener{devices: []*scriptedDevice{dev}}
	clock := timeutil.NewMockClock(start)
	cam := openSession(t, op, clock)
	m := New(config.Default(), cam, &fakeMatcher{}, &recordingLog{}, &recordingArchive{}, clock)

	err := m.Run(context.Background())

	assert.ErrorIs(t, err, camera.ErrCameraUnavailable)
	assert.True(t, dev.closed)
	assert.Equal(t, camera.Fatal, cam.State())
}

func TestRun_TickErrorsDoNotStopLoop(t *testing.T) {
	op := &scriptedOpener{devices: []*scriptedDevice{{}}}
	clock := timeutil.NewMockClock(start)
	cam := openSession(t, op, clock)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	matcher := &fakeMatcher{err: errors.New("worker crashed"), onCall: func(n int) {
		if n == 3 {
			cancel()
		}
	}}
	events := &recordingLog{}
	m := New(config.Default(), cam, matcher, events, &recordingArchive{}, clock)

	require.NoError(t, m.Run(ctx))
	assert.Equal(t, 3, matcher.calls)
	assert.Equal(t, 3, m.Abandoned())
	assert.Empty(t, events.ticks, "abandoned before logging")

	interval := 0
	for _, d := range clock.Sleeps() {
		if d == 5*time.Second {
			interval++
		}
	}
	assert.Equal(t, 3, interval)
}

func TestProcess_Phases(t *testing.T) {
	mio := types.Match{Name: "mio", BBox: types.BBox{Top: 1, Right: 2, Bottom: 3, Left: 0}, Distance: 0.2}
	img := image.NewRGBA(image.Rect(0, 0, 100, 80))

	t.Run("detect failure", func(t *testing.T) {
		events, arch := &recordingLog{}, &recordingArchive{}
		m := New(config.Default(), nil, &fakeMatcher{err: errors.New("boom")}, events, arch, nil)

		_, err := m.Process(start, img)
		var te *TickError
		require.ErrorAs(t, err, &te)
		assert.Equal(t, PhaseDetect, te.Phase)
		assert.Empty(t, events.ticks)
		assert.Empty(t, arch.ticks)
	})

	t.Run("log failure continues to archive", func(t *testing.T) {
		events := &recordingLog{err: errors.New("read-only file system")}
		arch := &recordingArchive{}
		m := New(config.Default(), nil, &fakeMatcher{matches: []types.Match{mio}}, events, arch, nil)

		res, err := m.Process(start, img)
		require.NoError(t, err)
		assert.Equal(t, []string{"mio"}, res.Names)
		assert.Len(t, arch.ticks, 1)
	})

	t.Run("archive failure", func(t *testing.T) {
		arch := &recordingArchive{err: errors.New("disk full")}
		m := New(config.Default(), nil, &fakeMatcher{}, &recordingLog{}, arch, nil)

		_, err := m.Process(start, img)
		var te *TickError
		require.ErrorAs(t, err, &te)
		assert.Equal(t, PhaseArchive, te.Phase)
	})

	t.Run("panic is contained", func(t *testing.T) {
		m := New(config.Default(), nil, &fakeMatcher{panics: true}, &recordingLog{}, &recordingArchive{}, nil)

		_, err := m.Process(start, img)
		var te *TickError
		require.ErrorAs(t, err, &te)
		assert.Equal(t, PhaseDetect, te.Phase)
	})

	t.Run("roi is clamped", func(t *testing.T) {
		cfg := config.Default()
		cfg.ROI = &config.ROI{X: 60, Y: 50, W: 100, H: 100}
		arch := &recordingArchive{}
		m := New(cfg, nil, &fakeMatcher{}, &recordingLog{}, arch, nil)

		_, err := m.Process(start, img)
		require.NoError(t, err)
		assert.Equal(t, &config.ROI{X: 60, Y: 50, W: 40, H: 30}, arch.ticks[0].ROI)
	})
}

type fixedDetector struct{ faces []types.FaceResult }

func (f fixedDetector) Detect(*image.RGBA) ([]types.FaceResult, error) { return f.faces, nil }

func TestRun_EndToEndRetention(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.IntervalSec = 5
	cfg.Tolerance = 0.5
	cfg.MaxDetectionImages = 2
	cfg.ROI = nil
	cfg.LogPath = filepath.Join(dir, "tv.csv")
	cfg.DetectionsDir = filepath.Join(dir, "detections")

	known, err := store.NewKnownFaceSet([]string{"mio"}, [][]float64{{0.1, 0.1}})
	require.NoError(t, err)
	det := fixedDetector{faces: []types.FaceResult{{Loc: []int{10, 60, 60, 10}, Vec: []float64{0.1, 0.2}}}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	calls := 0
	matcher := &countingMatcher{Matcher: facematch.New(det, known, cfg.Tolerance), onCall: func() {
		calls++
		if calls == 3 {
			cancel()
		}
	}}

	require.NoError(t, eventlog.EnsureLogFile(cfg.LogPath))
	events := eventlog.New(cfg.LogPath)
	arch := archive.New(cfg.DetectionsDir, cfg.MaxDetectionImages, cfg.SaveDetections)
	require.NoError(t, arch.Init())

	clock := timeutil.NewMockClock(start)
	op := &scriptedOpener{devices: []*scriptedDevice{{}}}
	m := New(cfg, openSession(t, op, clock), matcher, events, arch, clock)

	require.NoError(t, m.Run(ctx))

	groups, err := arch.Groups()
	require.NoError(t, err)
	first := start.Format(archive.GroupLayout)
	require.Len(t, groups, 2)
	for _, g := range groups {
		assert.Greater(t, g, first)
	}

	data, err := os.ReadFile(cfg.LogPath)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 4)
	for _, l := range lines[1:] {
		assert.True(t, strings.HasSuffix(l, ",mio"), l)
	}
}

type countingMatcher struct {
	*facematch.Matcher
	onCall func()
}

func (c *countingMatcher) Match(p frame.Processed) ([]types.Match, error) {
	defer c.onCall()
	return c.Matcher.Match(p)
}
