// Package facematch resolves detected faces against the enrolled identities.
package facematch

import (
	"errors"
	"fmt"
	"image"

	"github.com/Tsubasa-Ino/tv-watch-tracker/internal/frame"
	"github.com/Tsubasa-Ino/tv-watch-tracker/internal/store"
	"github.com/Tsubasa-Ino/tv-watch-tracker/internal/types"
	"gonum.org/v1/gonum/floats"
)

// ErrDimensionMismatch is returned when a probe vector and the enrolled vectors differ in length.
var ErrDimensionMismatch = errors.New("feature vector dimension mismatch")

// Detector finds faces and their feature vectors in a processed frame.
type Detector interface {
	Detect(img *image.RGBA) ([]types.FaceResult, error)
}

// Matcher pairs a detector with the known face set.
type Matcher struct {
	detector  Detector
	known     *store.KnownFaceSet
	tolerance float64
}

// New returns a Matcher accepting distances up to and including tolerance.
func New(detector Detector, known *store.KnownFaceSet, tolerance float64) *Matcher {
	return &Matcher{detector: detector, known: known, tolerance: tolerance}
}

// Nearest returns the index and Euclidean distance of the enrolled vector closest
// to probe. The lowest index wins a tie.
func Nearest(known *store.KnownFaceSet, probe []float64) (int, float64, error) {
	if len(probe) != known.Dim() {
		return -1, 0, fmt.Errorf("%w: probe has %d dimensions, enrolled have %d", ErrDimensionMismatch, len(probe), known.Dim())
	}
	best, bestDist := -1, 0.0
	for i := 0; i < known.Len(); i++ {
		_, vec := known.At(i)
		d := floats.Distance(probe, vec, 2)
		if best < 0 || d < bestDist {
			best, bestDist = i, d
		}
	}
	return best, bestDist, nil
}

// Identify names a single probe vector, or returns types.Unknown when
// the nearest enrolled vector is farther than the tolerance.
func (m *Matcher) Identify(probe []float64) (string, float64, error) {
	idx, dist, err := Nearest(m.known, probe)
	if err != nil {
		return "", 0, err
	}
	if dist <= m.tolerance {
		name, _ := m.known.At(idx)
		return name, dist, nil
	}
	return types.Unknown, dist, nil
}

// Match detects faces in p and identifies each one. Boxes are returned in
// full-frame coordinates, in detector order.
func (m *Matcher) Match(p frame.Processed) ([]types.Match, error) {
	faces, err := m.detector.Detect(p.Image)
	if err != nil {
		return nil, err
	}

	matches := make([]types.Match, 0, len(faces))
	for i, f := range faces {
		name, dist, err := m.Identify(f.Vec)
		if err != nil {
			return nil, fmt.Errorf("face %d: %w", i, err)
		}
		matches = append(matches, types.Match{
			Name:     name,
			BBox:     p.ToFullFrame(f.Box()),
			Distance: dist,
		})
	}
	return matches, nil
}

// Names returns the distinct names in matches in first-seen order.
// Unknown faces contribute types.Unknown so the presence log still shows them.
func Names(matches []types.Match) []string {
	seen := make(map[string]struct{})
	var names []string
	for _, m := range matches {
		if _, ok := seen[m.Name]; ok {
			continue
		}
		seen[m.Name] = struct{}{}
		names = append(names, m.Name)
	}
	return names
}
