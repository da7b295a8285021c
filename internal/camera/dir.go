package camera

import (
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Still is one image from a DirSource.
type Still struct {
	Path    string
	ModTime time.Time
	Image   image.Image
}

// DirSource replays the still images in a directory in name order.
// It satisfies Device; Read returns io.EOF after the last image.
type DirSource struct {
	paths []string
	next  int
}

// OpenDir lists the .jpg, .jpeg and .png files in dir.
func OpenDir(dir string) (*DirSource, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read replay directory: %w", err)
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".jpg", ".jpeg", ".png":
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(paths)
	return &DirSource{paths: paths}, nil
}

// Len returns the number of images in the directory.
func (d *DirSource) Len() int { return len(d.paths) }

// Next decodes the next image.
func (d *DirSource) Next() (Still, error) {
	if d.next >= len(d.paths) {
		return Still{}, io.EOF
	}
	path := d.paths[d.next]
	d.next++

	f, err := os.Open(path)
	if err != nil {
		return Still{Path: path}, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return Still{Path: path}, err
	}
	img, _, err := image.Decode(f)
	if err != nil {
		return Still{Path: path}, fmt.Errorf("failed to decode %s: %w", filepath.Base(path), err)
	}
	return Still{Path: path, ModTime: info.ModTime(), Image: img}, nil
}

func (d *DirSource) Read() (image.Image, error) {
	s, err := d.Next()
	return s.Image, err
}

func (d *DirSource) Close() error { return nil }
