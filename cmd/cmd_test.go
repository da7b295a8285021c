package cmd

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/jpeg"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Tsubasa-Ino/tv-watch-tracker/internal/archive"
	"github.com/Tsubasa-Ino/tv-watch-tracker/internal/camera"
	"github.com/Tsubasa-Ino/tv-watch-tracker/internal/config"
	"github.com/Tsubasa-Ino/tv-watch-tracker/internal/store"
	"github.com/Tsubasa-Ino/tv-watch-tracker/internal/timeutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfirm(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{"y\n", true},
		{"YES\n", true},
		{" yes \n", true},
		{"n\n", false},
		{"\n", false},
		{"", false},
	}
	for _, tt := range tests {
		var out bytes.Buffer
		got := confirm(bufio.NewReader(strings.NewReader(tt.input)), &out, "Really?")
		if got != tt.want {
			t.Errorf("confirm(%q) = %v, want %v", tt.input, got, tt.want)
		}
		if out.String() != "Really? [y/N]: " {
			t.Errorf("prompt = %q", out.String())
		}
	}
}

func seedGroups(t *testing.T, dir string, keys ...string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0755))
	for _, k := range keys {
		for _, suffix := range []string{"_original.jpg", "_meta.json"} {
			require.NoError(t, os.WriteFile(filepath.Join(dir, "detection_"+k+suffix), nil, 0644))
		}
	}
}

func TestRunPrune(t *testing.T) {
	dir := t.TempDir()
	seedGroups(t, dir, "20250101_080000", "20250101_090000", "20250101_100000")

	var out bytes.Buffer
	require.NoError(t, runPrune(strings.NewReader("y\n"), &out, dir, 1, false))

	groups, err := archive.New(dir, 1, true).Groups()
	require.NoError(t, err)
	assert.Equal(t, []string{"20250101_100000"}, groups)
	assert.Contains(t, out.String(), "Removed 2 detection groups, 1 remain")
}

func TestRunPrune_Declined(t *testing.T) {
	dir := t.TempDir()
	seedGroups(t, dir, "20250101_080000", "20250101_090000")

	var out bytes.Buffer
	require.NoError(t, runPrune(strings.NewReader("n\n"), &out, dir, 1, false))

	groups, err := archive.New(dir, 1, true).Groups()
	require.NoError(t, err)
	assert.Len(t, groups, 2)
	assert.Contains(t, out.String(), "Aborted.")
}

func TestRootCommand_PruneUsesConfig(t *testing.T) {
	dir := t.TempDir()
	detections := filepath.Join(dir, "detections")
	seedGroups(t, detections, "20250101_080000", "20250101_090000", "20250101_100000")
	cfgPath := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`{"detections_dir": "`+detections+`", "max_detection_images": 2}`), 0644))

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"--config", cfgPath, "--env-file", filepath.Join(dir, "absent.env"), "prune", "--yes"})
	defer rootCmd.SetArgs(nil)

	require.NoError(t, rootCmd.ExecuteContext(context.Background()))

	groups, err := archive.New(detections, 2, true).Groups()
	require.NoError(t, err)
	assert.Equal(t, []string{"20250101_090000", "20250101_100000"}, groups)
}

func TestPrintIdentities(t *testing.T) {
	known, err := store.NewKnownFaceSet([]string{"yu", "mio", "yu"}, [][]float64{{1, 2}, {3, 4}, {5, 6}})
	require.NoError(t, err)

	var out bytes.Buffer
	printIdentities(&out, known)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 5)
	assert.Equal(t, []string{"mio", "1"}, strings.Fields(lines[2]))
	assert.Equal(t, []string{"yu", "2"}, strings.Fields(lines[3]))
	assert.Equal(t, "3 encodings, 2 dimensions", lines[4])
}

func TestRunReplay_DetectorUnavailable(t *testing.T) {
	dir := t.TempDir()
	stills := filepath.Join(dir, "stills")
	require.NoError(t, os.MkdirAll(stills, 0755))
	f, err := os.Create(filepath.Join(stills, "0001.jpg"))
	require.NoError(t, err)
	require.NoError(t, jpeg.Encode(f, image.NewRGBA(image.Rect(0, 0, 32, 24)), nil))
	require.NoError(t, f.Close())

	encodings := filepath.Join(dir, "encodings.json")
	require.NoError(t, os.WriteFile(encodings, []byte(`{"names": ["mio"], "encodings": [[0.1, 0.2]]}`), 0644))

	cfg := config.Default()
	cfg.EncodingsPath = encodings
	cfg.LogPath = filepath.Join(dir, "tv.csv")
	cfg.DetectionsDir = filepath.Join(dir, "detections")
	cfg.DetectorCommand = []string{filepath.Join(dir, "no-such-detector")}

	require.NoError(t, runReplay(context.Background(), cfg, stills))

	// the log exists but no tick got far enough to write to it
	data, err := os.ReadFile(cfg.LogPath)
	require.NoError(t, err)
	assert.Equal(t, "timestamp,name\n", string(data))
}

func TestRunReplay_EmptyStoreIsFatal(t *testing.T) {
	dir := t.TempDir()
	stills := filepath.Join(dir, "stills")
	require.NoError(t, os.MkdirAll(stills, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(stills, "a.jpg"), nil, 0644))
	encodings := filepath.Join(dir, "encodings.json")
	require.NoError(t, os.WriteFile(encodings, []byte(`{"names": [], "encodings": []}`), 0644))

	cfg := config.Default()
	cfg.EncodingsPath = encodings
	cfg.LogPath = filepath.Join(dir, "tv.csv")

	err := runReplay(context.Background(), cfg, stills)
	assert.ErrorIs(t, err, store.ErrEmptyStore)
}

func TestRunMonitor_CameraUnavailableIsFatal(t *testing.T) {
	dir := t.TempDir()
	encodings := filepath.Join(dir, "encodings.json")
	require.NoError(t, os.WriteFile(encodings, []byte(`{"names": ["mio"], "encodings": [[0.1, 0.2]]}`), 0644))

	cfg := config.Default()
	cfg.EncodingsPath = encodings
	cfg.LogPath = filepath.Join(dir, "tv.csv")
	cfg.DetectionsDir = filepath.Join(dir, "detections")
	cfg.AppliedConfigPath = filepath.Join(dir, "state", "applied.json")
	cfg.MaxCameraRetries = 3

	var built *pipeline
	opens := 0
	clock := timeutil.NewMockClock(time.Date(2025, 4, 5, 19, 0, 0, 0, time.Local))

	origBuild, origBackend, origClock := buildPipeline, cameraBackend, monitorClock
	t.Cleanup(func() { buildPipeline, cameraBackend, monitorClock = origBuild, origBackend, origClock })
	buildPipeline = func(ctx context.Context, cfg config.Config) (*pipeline, error) {
		p, err := newPipeline(ctx, cfg)
		built = p
		return p, err
	}
	cameraBackend = func(name string) (camera.Opener, error) {
		assert.Equal(t, "ffmpeg", name)
		return func(device int) (camera.Device, error) {
			opens++
			return nil, errors.New("/dev/video0: no such device")
		}, nil
	}
	monitorClock = clock

	err := runMonitor(context.Background(), cfg)
	require.ErrorIs(t, err, camera.ErrCameraUnavailable)

	assert.Equal(t, 3, opens)
	assert.Equal(t, []time.Duration{5 * time.Second, 5 * time.Second}, clock.Sleeps())

	require.NotNil(t, built)
	assert.True(t, built.closed, "pipeline should be closed on the fatal path")

	data, err := os.ReadFile(cfg.AppliedConfigPath)
	require.NoError(t, err)
	var snap config.Snapshot
	require.NoError(t, json.Unmarshal(data, &snap))
	assert.NotEmpty(t, snap.RunID)
	assert.Equal(t, 3, snap.MaxCameraRetries)

	log, err := os.ReadFile(cfg.LogPath)
	require.NoError(t, err)
	assert.Equal(t, "timestamp,name\n", string(log))
}

func TestRunMonitor_UnknownBackend(t *testing.T) {
	dir := t.TempDir()
	encodings := filepath.Join(dir, "encodings.json")
	require.NoError(t, os.WriteFile(encodings, []byte(`{"names": ["mio"], "encodings": [[0.1, 0.2]]}`), 0644))

	cfg := config.Default()
	cfg.EncodingsPath = encodings
	cfg.LogPath = filepath.Join(dir, "tv.csv")
	cfg.DetectionsDir = filepath.Join(dir, "detections")
	cfg.AppliedConfigPath = filepath.Join(dir, "applied.json")
	cfg.CameraBackend = "v4l"

	err := runMonitor(context.Background(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown camera backend "v4l"`)
}
