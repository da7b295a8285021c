package archive

import (
	"encoding/json"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/Tsubasa-Ino/tv-watch-tracker/internal/config"
	"github.com/Tsubasa-Ino/tv-watch-tracker/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2025, 4, 5, 19, 30, 0, 0, time.Local)

func newTestArchiver(t *testing.T, max int) *Archiver {
	t.Helper()
	a := New(filepath.Join(t.TempDir(), "detections"), max, true)
	require.NoError(t, a.Init())
	return a
}

func testTick(at time.Time, matches ...types.Match) Tick {
	return Tick{
		Time:    at,
		Frame:   image.NewRGBA(image.Rect(0, 0, 64, 48)),
		ROI:     &config.ROI{X: 4, Y: 4, W: 40, H: 30},
		Matches: matches,
	}
}

var mio = types.Match{Name: "mio", BBox: types.BBox{Top: 20, Right: 30, Bottom: 40, Left: 10}, Distance: 0.25}

func listDir(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names
}

func TestArchive_NoFacesOnlyRefreshesLatest(t *testing.T) {
	a := newTestArchiver(t, 5)

	for i := 0; i < 3; i++ {
		require.NoError(t, a.Archive(testTick(base.Add(time.Duration(i)*time.Second))))
	}

	assert.Equal(t, []string{LatestFrame, LatestClean, LatestFrameMeta}, listDir(t, a.Dir()))

	var meta Meta
	data, err := os.ReadFile(filepath.Join(a.Dir(), LatestFrameMeta))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &meta))
	assert.Equal(t, &config.ROI{X: 4, Y: 4, W: 40, H: 30}, meta.ROI)
	assert.Empty(t, meta.Faces)
}

func TestArchive_SavesGroup(t *testing.T) {
	a := newTestArchiver(t, 5)
	unknown := types.Match{Name: types.Unknown, BBox: types.BBox{Top: 1, Right: 9, Bottom: 9, Left: 1}, Distance: 0.7}

	require.NoError(t, a.Archive(testTick(base, mio, unknown)))

	assert.Equal(t, []string{
		"detection_20250405_193000_meta.json",
		"detection_20250405_193000_original.jpg",
		LatestFrame, LatestClean, LatestFrameMeta,
	}, listDir(t, a.Dir()))

	data, err := os.ReadFile(filepath.Join(a.Dir(), "detection_20250405_193000_meta.json"))
	require.NoError(t, err)
	var meta Meta
	require.NoError(t, json.Unmarshal(data, &meta))
	assert.Equal(t, "20250405_193000", meta.Timestamp)
	require.Len(t, meta.Faces, 2)
	assert.Equal(t, "mio", meta.Faces[0].Name)
	assert.Equal(t, mio.BBox, meta.Faces[0].BBox)
	assert.InDelta(t, 75.0, meta.Faces[0].Similarity, 1e-9)
	assert.InDelta(t, 0.7, meta.Faces[1].Distance, 1e-9)
}

func TestArchive_SaveDetectionsDisabled(t *testing.T) {
	a := New(t.TempDir(), 5, false)
	require.NoError(t, a.Archive(testTick(base, mio)))

	groups, err := a.Groups()
	require.NoError(t, err)
	assert.Empty(t, groups)
}

func TestArchive_RetentionKeepsNewest(t *testing.T) {
	a := newTestArchiver(t, 3)

	for i := 0; i < 7; i++ {
		require.NoError(t, a.Archive(testTick(base.Add(time.Duration(i)*time.Minute), mio)))

		groups, err := a.Groups()
		require.NoError(t, err)
		assert.LessOrEqual(t, len(groups), 3)
	}

	groups, err := a.Groups()
	require.NoError(t, err)
	assert.Equal(t, []string{"20250405_193400", "20250405_193500", "20250405_193600"}, groups)
}

func TestPrune_IgnoresUnrelatedFiles(t *testing.T) {
	a := newTestArchiver(t, 10)
	for _, name := range []string{
		"detection_20250101_000000_original.jpg",
		"detection_20250101_000000_mio.jpg",
		"detection_20250102_000000_meta.json",
		"detection_notatimestamp_x.jpg",
		"notes.txt",
	} {
		require.NoError(t, os.WriteFile(filepath.Join(a.Dir(), name), nil, 0644))
	}

	removed, err := a.Prune(1)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Equal(t, []string{
		"detection_20250102_000000_meta.json",
		"detection_notatimestamp_x.jpg",
		"notes.txt",
	}, listDir(t, a.Dir()))
}

func TestAnnotate(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 64, 48))
	unknown := types.Match{Name: types.Unknown, BBox: types.BBox{Top: 30, Right: 60, Bottom: 46, Left: 45}, Distance: 0.8}

	out := Annotate(img, &config.ROI{X: 2, Y: 2, W: 20, H: 20}, []types.Match{mio, unknown})

	assert.Equal(t, roiColor, out.RGBAAt(2, 10))
	assert.Equal(t, knownColor, out.RGBAAt(10, 35))
	assert.Equal(t, unknownColor, out.RGBAAt(45, 40))
	// source is untouched
	assert.Equal(t, color.RGBA{}, img.RGBAAt(2, 10))
}

func TestLabel(t *testing.T) {
	assert.Equal(t, "mio (75%)", Label(mio))
	assert.Equal(t, "unknown (0%)", Label(types.Match{Name: types.Unknown, Distance: 1.3}))
}
