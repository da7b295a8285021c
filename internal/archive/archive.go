// Package archive persists the latest camera frame and timestamped detection
// groups, and keeps the number of retained groups bounded.
package archive

import (
	"encoding/json"
	"fmt"
	"image"
	"image/jpeg"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/Tsubasa-Ino/tv-watch-tracker/internal/config"
	"github.com/Tsubasa-Ino/tv-watch-tracker/internal/types"
	log "github.com/sirupsen/logrus"
)

// File names inside the archive directory.
const (
	LatestFrame     = "latest_frame.jpg"
	LatestFrameMeta = "latest_frame_meta.json"
	LatestClean     = "latest_frame_clean.jpg"

	groupPrefix = "detection_"
	// GroupLayout is the timestamp key shared by all files of one group.
	GroupLayout = "20060102_150405"
)

const jpegQuality = 90

// Tick is everything the archive needs from one loop iteration.
type Tick struct {
	Time    time.Time
	Frame   image.Image
	ROI     *config.ROI
	Matches []types.Match
}

// FaceMeta is one face in a metadata record. BBox is in full-frame coordinates.
type FaceMeta struct {
	Name       string     `json:"name"`
	BBox       types.BBox `json:"bbox"`
	Distance   float64    `json:"distance"`
	Similarity float64    `json:"similarity"`
}

// Meta describes a stored frame.
type Meta struct {
	Timestamp string      `json:"timestamp,omitempty"`
	ROI       *config.ROI `json:"roi"`
	Faces     []FaceMeta  `json:"faces"`
}

func newMeta(t Tick) Meta {
	m := Meta{ROI: t.ROI, Faces: make([]FaceMeta, 0, len(t.Matches))}
	for _, match := range t.Matches {
		m.Faces = append(m.Faces, FaceMeta{
			Name:       match.Name,
			BBox:       match.BBox,
			Distance:   match.Distance,
			Similarity: types.Similarity(match.Distance),
		})
	}
	return m
}

// Archiver owns the detections directory.
type Archiver struct {
	dir            string
	maxGroups      int
	saveDetections bool
}

// New returns an Archiver. Groups are only written when saveDetections is set.
func New(dir string, maxGroups int, saveDetections bool) *Archiver {
	return &Archiver{dir: dir, maxGroups: maxGroups, saveDetections: saveDetections}
}

// Dir returns the archive directory.
func (a *Archiver) Dir() string { return a.dir }

// Init creates the archive directory.
func (a *Archiver) Init() error {
	if err := os.MkdirAll(a.dir, 0755); err != nil {
		return fmt.Errorf("failed to create detections directory: %w", err)
	}
	return nil
}

// Archive refreshes the latest frame and, when faces were found, stores a new
// group and applies retention.
func (a *Archiver) Archive(t Tick) error {
	if err := a.WriteLatest(t); err != nil {
		return err
	}
	if len(t.Matches) == 0 || !a.saveDetections {
		return nil
	}
	if _, err := a.SaveGroup(t); err != nil {
		return err
	}
	removed, err := a.Prune(a.maxGroups)
	if err != nil {
		return err
	}
	if removed > 0 {
		log.WithField("removed", removed).Debug("Evicted old detection groups")
	}
	return nil
}

// WriteLatest overwrites the annotated and clean latest frames and their metadata.
func (a *Archiver) WriteLatest(t Tick) error {
	if err := writeJPEG(filepath.Join(a.dir, LatestFrame), Annotate(t.Frame, t.ROI, t.Matches)); err != nil {
		return err
	}
	if err := writeJPEG(filepath.Join(a.dir, LatestClean), t.Frame); err != nil {
		return err
	}
	return writeJSON(filepath.Join(a.dir, LatestFrameMeta), newMeta(t))
}

// SaveGroup stores the clean frame and metadata for t and returns the group key.
func (a *Archiver) SaveGroup(t Tick) (string, error) {
	key := t.Time.Format(GroupLayout)
	if err := writeJPEG(filepath.Join(a.dir, groupPrefix+key+"_original.jpg"), t.Frame); err != nil {
		return "", err
	}
	meta := newMeta(t)
	meta.Timestamp = key
	if err := writeJSON(filepath.Join(a.dir, groupPrefix+key+"_meta.json"), meta); err != nil {
		return "", err
	}
	return key, nil
}

// groups maps each group key to the files that belong to it.
func (a *Archiver) groups() (map[string][]string, error) {
	entries, err := os.ReadDir(a.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to scan detections directory: %w", err)
	}
	groups := make(map[string][]string)
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, groupPrefix) {
			continue
		}
		rest := strings.TrimPrefix(name, groupPrefix)
		if len(rest) <= len(GroupLayout) {
			continue
		}
		key := rest[:len(GroupLayout)]
		if _, err := time.Parse(GroupLayout, key); err != nil {
			continue
		}
		groups[key] = append(groups[key], name)
	}
	return groups, nil
}

// Groups returns the stored group keys, oldest first.
func (a *Archiver) Groups() ([]string, error) {
	groups, err := a.groups()
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// Prune deletes the oldest groups until at most max remain and returns how
// many groups were removed. A file that cannot be removed is logged and skipped.
func (a *Archiver) Prune(max int) (int, error) {
	groups, err := a.groups()
	if err != nil {
		return 0, err
	}
	if len(groups) <= max {
		return 0, nil
	}

	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	evict := keys[:len(keys)-max]
	for _, key := range evict {
		for _, name := range groups[key] {
			if err := os.Remove(filepath.Join(a.dir, name)); err != nil {
				log.WithError(err).WithField("file", name).Warn("Failed to remove detection file")
			}
		}
	}
	return len(evict), nil
}

func writeJPEG(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Base(path), err)
	}
	if err := jpeg.Encode(f, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
		f.Close()
		return fmt.Errorf("failed to encode %s: %w", filepath.Base(path), err)
	}
	return f.Close()
}

func writeJSON(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	return nil
}
