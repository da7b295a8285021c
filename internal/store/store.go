package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
)

var (
	// ErrEmptyStore is returned when the identity store holds no enrolled faces.
	ErrEmptyStore = errors.New("identity store is empty")
	// ErrMalformedStore is returned when names and vectors cannot be paired up.
	ErrMalformedStore = errors.New("identity store is malformed")
)

// KnownFaceSet is the set of enrolled faces: labels and feature vectors,
// index-aligned. A label may repeat when a person has several enrolled photos.
// It is never mutated after construction.
type KnownFaceSet struct {
	names   []string
	vectors [][]float64
}

// NewKnownFaceSet validates and copies names and vectors.
func NewKnownFaceSet(names []string, vectors [][]float64) (*KnownFaceSet, error) {
	if len(names) != len(vectors) {
		return nil, fmt.Errorf("%w: %d names but %d vectors", ErrMalformedStore, len(names), len(vectors))
	}
	if len(names) == 0 {
		return nil, ErrEmptyStore
	}

	dim := len(vectors[0])
	if dim == 0 {
		return nil, fmt.Errorf("%w: vector 0 is empty", ErrMalformedStore)
	}

	s := &KnownFaceSet{
		names:   make([]string, len(names)),
		vectors: make([][]float64, len(vectors)),
	}
	for i, v := range vectors {
		if len(v) != dim {
			return nil, fmt.Errorf("%w: vector %d has %d dimensions, expected %d", ErrMalformedStore, i, len(v), dim)
		}
		if strings.TrimSpace(names[i]) == "" {
			return nil, fmt.Errorf("%w: name %d is blank", ErrMalformedStore, i)
		}
		s.names[i] = names[i]
		s.vectors[i] = append([]float64(nil), v...)
	}
	return s, nil
}

// Len returns the number of enrolled vectors.
func (s *KnownFaceSet) Len() int { return len(s.names) }

// Dim returns the feature vector dimension.
func (s *KnownFaceSet) Dim() int { return len(s.vectors[0]) }

// At returns the label and vector at index i. The vector must not be modified.
func (s *KnownFaceSet) At(i int) (string, []float64) {
	return s.names[i], s.vectors[i]
}

// Names returns the distinct labels, sorted.
func (s *KnownFaceSet) Names() []string {
	seen := make(map[string]struct{}, len(s.names))
	var out []string
	for _, n := range s.names {
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// encodingsFile is the on-disk layout written by the enrollment tooling.
type encodingsFile struct {
	Names     []string    `json:"names"`
	Encodings [][]float64 `json:"encodings"`
}

// IsDatabaseURL reports whether location names a PostgreSQL database rather than a file.
func IsDatabaseURL(location string) bool {
	return strings.HasPrefix(location, "postgres://") || strings.HasPrefix(location, "postgresql://")
}

// Load reads the known face set from location, which is either a
// postgres:// connection string or the path of a JSON encodings file.
func Load(ctx context.Context, location string) (*KnownFaceSet, error) {
	if IsDatabaseURL(location) {
		db, err := New(ctx, location)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to identity database: %w", err)
		}
		defer db.Close(context.Background())
		return db.KnownFaces(ctx)
	}
	return LoadFile(location)
}

// LoadFile reads a JSON encodings file.
func LoadFile(path string) (*KnownFaceSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read encodings file: %w", err)
	}
	var f encodingsFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedStore, err)
	}
	return NewKnownFaceSet(f.Names, f.Encodings)
}
