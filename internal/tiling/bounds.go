// Package tiling provides the pixel-window math that splits an image into
// regions and regions into tiles, and the seam classification used to
// deduplicate detections that straddle tile boundaries.
package tiling

import "fmt"

// Dims is a width/height pair in pixels.
type Dims struct {
	Width  int
	Height int
}

// Bounds is a rectangular pixel window anchored at (Row, Col).
type Bounds struct {
	Row    int
	Col    int
	Width  int
	Height int
}

// String returns the bounds as "r{row}c{col}_{width}x{height}".
func (b Bounds) String() string {
	return fmt.Sprintf("r%dc%d_%dx%d", b.Row, b.Col, b.Width, b.Height)
}

// Empty reports whether the bounds cover no pixels.
func (b Bounds) Empty() bool {
	return b.Width <= 0 || b.Height <= 0
}

// Area returns the pixel area.
func (b Bounds) Area() int {
	if b.Empty() {
		return 0
	}
	return b.Width * b.Height
}

// MaxRow returns the exclusive bottom edge.
func (b Bounds) MaxRow() int { return b.Row + b.Height }

// MaxCol returns the exclusive right edge.
func (b Bounds) MaxCol() int { return b.Col + b.Width }

// Intersect returns the overlap of two bounds; the result is Empty when they
// do not overlap.
func (b Bounds) Intersect(o Bounds) Bounds {
	row := max(b.Row, o.Row)
	col := max(b.Col, o.Col)
	maxRow := min(b.MaxRow(), o.MaxRow())
	maxCol := min(b.MaxCol(), o.MaxCol())

	return Bounds{
		Row:    row,
		Col:    col,
		Width:  maxCol - col,
		Height: maxRow - row,
	}
}

// Contains reports whether the pixel (row, col) lies inside the bounds.
func (b Bounds) Contains(row, col float64) bool {
	return row >= float64(b.Row) && row < float64(b.MaxRow()) &&
		col >= float64(b.Col) && col < float64(b.MaxCol())
}

// ParseBounds parses the String form back into Bounds.
func ParseBounds(s string) (Bounds, error) {
	var b Bounds
	if _, err := fmt.Sscanf(s, "r%dc%d_%dx%d", &b.Row, &b.Col, &b.Width, &b.Height); err != nil {
		return b, fmt.Errorf("invalid bounds format: %s", s)
	}
	return b, nil
}
