// Package yolov4 - postprocess YOLOv4 model outputs.
package yolov4

import (
	"sort"

	"github.com/chewxy/math32"
	"github.com/pkg/errors"

	"github.com/nvr-ai/go-dataprep/models/postprocess"
)

// ErrTensorShape is returned when an output tensor does not match the model geometry.
var ErrTensorShape = errors.New("unexpected output tensor shape")

// letterbox describes how an original image was fitted into the square input.
type letterbox struct {
	ratio      float32
	padX, padY float32
	maxX, maxY float32
}

func newLetterbox(inputSize, width, height int) letterbox {
	in := float32(inputSize)
	w, h := float32(width), float32(height)
	ratio := math32.Min(in/w, in/h)
	return letterbox{
		ratio: ratio,
		padX:  (in - ratio*w) / 2,
		padY:  (in - ratio*h) / 2,
		maxX:  w - 1,
		maxY:  h - 1,
	}
}

func (l letterbox) x(v float32) float32 {
	return math32.Max(0, math32.Min(l.maxX, (v-l.padX)/l.ratio))
}

func (l letterbox) y(v float32) float32 {
	return math32.Max(0, math32.Min(l.maxY, (v-l.padY)/l.ratio))
}

func sigmoid(x float32) float32 {
	return 1 / (1 + math32.Exp(-x))
}

// Decode turns the raw multi-scale outputs into candidates in original image
// pixels.
//
// Each output is laid out as [gridY, gridX, anchor, 5+classes], flattened.
// The box center uses the xy scale corrected sigmoid of the raw offsets, the
// size uses exp of the raw values times the anchor. Objectness and class
// probabilities are used as-is. Corners are mapped back through the letterbox
// and clamped to the image. Inverted or empty boxes are dropped, as are
// candidates whose best class score does not exceed the threshold.
//
// Arguments:
//   - outputs: One raw tensor per scale, in stride order.
//   - origWidth: The width of the original image.
//   - origHeight: The height of the original image.
//
// Returns:
//   - The unordered candidates.
//   - error: ErrTensorShape if the outputs do not match the model geometry.
func (m *YOLOv4) Decode(outputs [][]float32, origWidth, origHeight int) ([]postprocess.Candidate, error) {
	if len(outputs) != len(m.options.Strides) {
		return nil, errors.Wrapf(ErrTensorShape, "got %d outputs, want %d", len(outputs), len(m.options.Strides))
	}
	if origWidth <= 0 || origHeight <= 0 {
		return nil, errors.Errorf("invalid original size %dx%d", origWidth, origHeight)
	}
	for s, out := range outputs {
		if want := m.TensorLen(s); len(out) != want {
			return nil, errors.Wrapf(ErrTensorShape, "scale %d has %d values, want %d", s, len(out), want)
		}
	}

	lb := newLetterbox(m.options.InputSize, origWidth, origHeight)
	numCols := 5 + m.options.NumClasses
	candidates := make([]postprocess.Candidate, 0)

	for s, out := range outputs {
		grid := m.grid(s)
		anchors := m.options.Anchors[s]
		numAnchors := len(anchors) / 2
		stride := float32(m.options.Strides[s])
		xyScale := m.options.XYScale[s]
		shift := 0.5 * (xyScale - 1)

		for gy := 0; gy < grid; gy++ {
			for gx := 0; gx < grid; gx++ {
				for a := 0; a < numAnchors; a++ {
					offset := ((gy*grid+gx)*numAnchors + a) * numCols
					row := out[offset : offset+numCols]

					objConf := row[4]
					classID := 0
					maxProb := row[5]
					for j := 6; j < numCols; j++ {
						if row[j] > maxProb {
							maxProb = row[j]
							classID = j - 5
						}
					}

					score := objConf * maxProb
					if !(score > m.threshold) {
						continue
					}

					cx := (sigmoid(row[0])*xyScale - shift + float32(gx)) * stride
					cy := (sigmoid(row[1])*xyScale - shift + float32(gy)) * stride
					w := math32.Exp(row[2]) * anchors[2*a]
					h := math32.Exp(row[3]) * anchors[2*a+1]

					c := postprocess.Candidate{
						X1:    lb.x(cx - w/2),
						Y1:    lb.y(cy - h/2),
						X2:    lb.x(cx + w/2),
						Y2:    lb.y(cy + h/2),
						Score: score,
						Class: classID,
					}
					if c.X1 > c.X2 || c.Y1 > c.Y2 || c.Area() == 0 {
						continue
					}
					candidates = append(candidates, c)
				}
			}
		}
	}

	return candidates, nil
}

// PostProcess decodes the outputs and suppresses overlapping candidates
// within each class.
//
// Arguments:
//   - outputs: One raw tensor per scale, in stride order.
//   - origWidth: The width of the original image.
//   - origHeight: The height of the original image.
//
// Returns:
//   - The kept regions of all classes, highest confidence first.
//   - error: ErrTensorShape if the outputs do not match the model geometry.
func (m *YOLOv4) PostProcess(outputs [][]float32, origWidth, origHeight int) ([]postprocess.Region, error) {
	candidates, err := m.Decode(outputs, origWidth, origHeight)
	if err != nil {
		return nil, err
	}

	byClass := make(map[int][]postprocess.Candidate)
	var classes []int
	for _, c := range candidates {
		if _, ok := byClass[c.Class]; !ok {
			classes = append(classes, c.Class)
		}
		byClass[c.Class] = append(byClass[c.Class], c)
	}
	sort.Ints(classes)

	regions := make([]postprocess.Region, 0, len(candidates))
	for _, class := range classes {
		regions = append(regions, m.nms.Apply(byClass[class])...)
	}
	sort.SliceStable(regions, func(i, j int) bool {
		return regions[i].Confidence > regions[j].Confidence
	})
	return regions, nil
}

// Best returns the highest-confidence region of the given class.
//
// Arguments:
//   - regions: Regions ordered by descending confidence, as returned by PostProcess.
//   - class: The target class index.
//
// Returns:
//   - The region and true, or false when no region of that class exists.
func Best(regions []postprocess.Region, class int) (postprocess.Region, bool) {
	var best postprocess.Region
	found := false
	for _, r := range regions {
		if r.Box.Class != class {
			continue
		}
		if !found || r.Confidence > best.Confidence {
			best = r
			found = true
		}
	}
	return best, found
}
