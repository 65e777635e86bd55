// Package defect defines the lumber defect vocabulary shared by the detector
// client, the ejection settings and the decision engine: the known defect
// classes and the normalized board-coordinate rectangle used for prediction
// boxes and configured regions.
package defect

// Class is a lumber surface defect category, matching the detector's labels.
type Class string

const (
	LiveKnot      Class = "live_knot"
	DeadKnot      Class = "dead_knot"
	MissingKnot   Class = "missing_knot"
	KnotWithCrack Class = "knot_with_crack"
	Crack         Class = "crack"
	Quartzity     Class = "quartzity"
	Resin         Class = "resin"
	Marrow        Class = "marrow"
)

// Classes returns all known classes in canonical order.
func Classes() []Class {
	return []Class{
		LiveKnot,
		DeadKnot,
		MissingKnot,
		KnotWithCrack,
		Crack,
		Quartzity,
		Resin,
		Marrow,
	}
}

// Valid reports whether c is one of the known classes.
func (c Class) Valid() bool {
	switch c {
	case LiveKnot, DeadKnot, MissingKnot, KnotWithCrack, Crack, Quartzity, Resin, Marrow:
		return true
	}
	return false
}

// AreaScale converts a normalized area (fraction of the board surface) into
// the unit all area thresholds are written in: a full board is 1,000,000.
// The scale is fixed so thresholds are independent of camera resolution.
const AreaScale = 1_000_000

// Rect is an axis-aligned rectangle in normalized board coordinates,
// (0,0) top-left to (1,1) bottom-right.
type Rect struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

// Valid reports whether r has positive extent and lies within the board.
func (r Rect) Valid() bool {
	return r.X1 >= 0 && r.Y1 >= 0 && r.X2 <= 1 && r.Y2 <= 1 && r.X1 < r.X2 && r.Y1 < r.Y2
}

// Area returns the normalized area of r.
func (r Rect) Area() float64 {
	w := r.X2 - r.X1
	h := r.Y2 - r.Y1
	if w <= 0 || h <= 0 {
		return 0
	}
	return w * h
}

// ScaledArea returns the area of r in threshold units (see AreaScale).
func (r Rect) ScaledArea() float64 {
	return r.Area() * AreaScale
}

// Intersection returns the normalized area shared by r and o, zero when they
// do not overlap. Touching edges do not count as overlap.
func (r Rect) Intersection(o Rect) float64 {
	x1 := max(r.X1, o.X1)
	y1 := max(r.Y1, o.Y1)
	x2 := min(r.X2, o.X2)
	y2 := min(r.Y2, o.Y2)
	if x1 >= x2 || y1 >= y2 {
		return 0
	}
	return (x2 - x1) * (y2 - y1)
}

// Intersects reports whether r and o share any area.
func (r Rect) Intersects(o Rect) bool {
	return r.Intersection(o) > 0
}
