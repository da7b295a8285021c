package types

// BBox is a face location in pixel coordinates.
type BBox struct {
	Top    int `json:"top"`
	Right  int `json:"right"`
	Bottom int `json:"bottom"`
	Left   int `json:"left"`
}

// FaceResult matches the JSON structure coming back from the detector worker
type FaceResult struct {
	Loc []int     `json:"loc"` // [top, right, bottom, left]
	Vec []float64 `json:"vec"` // 128-d face encoding
}

// Box returns Loc as a BBox. Loc must hold four values.
func (f FaceResult) Box() BBox {
	return BBox{Top: f.Loc[0], Right: f.Loc[1], Bottom: f.Loc[2], Left: f.Loc[3]}
}

// ErrorResult captures the error object returned by the worker on failure
type ErrorResult struct {
	Error string `json:"error"`
}

// Match is one detected face resolved against the known face set.
// BBox is always in full-frame coordinates.
type Match struct {
	Name     string
	BBox     BBox
	Distance float64
}

// Unknown is the name given to a face with no enrolled identity within tolerance.
const Unknown = "unknown"

// Similarity maps a distance to a 0-100 display score.
func Similarity(distance float64) float64 {
	return max(0, (1-distance)*100)
}
