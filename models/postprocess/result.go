// Package postprocess - Detection candidates and the suppression stage that reduces them.
package postprocess

import "fmt"

// Candidate represents a single decoded detection before suppression.
type Candidate struct {
	// Corners of the box in original image pixels.
	X1, Y1, X2, Y2 float32
	// The confidence score of the candidate in [0, 1].
	Score float32
	// The predicted class index of the candidate.
	Class int
}

// Width returns the horizontal extent of the box.
func (c Candidate) Width() float32 {
	return c.X2 - c.X1
}

// Height returns the vertical extent of the box.
func (c Candidate) Height() float32 {
	return c.Y2 - c.Y1
}

// Area returns the box area, or 0 for inverted boxes.
func (c Candidate) Area() float32 {
	w, h := c.Width(), c.Height()
	if w <= 0 || h <= 0 {
		return 0
	}
	return w * h
}

func (c Candidate) String() string {
	return fmt.Sprintf("class %d %.3f (%.1f,%.1f)-(%.1f,%.1f)", c.Class, c.Score, c.X1, c.Y1, c.X2, c.Y2)
}

// Region is a candidate that survived suppression.
type Region struct {
	// The kept bounding box.
	Box Candidate
	// The confidence of the region. Equal to Box.Score.
	Confidence float32
}
