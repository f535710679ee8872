// Package postprocess - provides Non-Maximum Suppression for detection results.
package postprocess

import (
	"sort"

	"github.com/chewxy/math32"
)

// DefaultIoUThreshold is the overlap above which a lower-scored box is suppressed.
const DefaultIoUThreshold float32 = 0.35

// NMS holds the suppression configuration. The zero value is not usable;
// construct it with NewNMS.
type NMS struct {
	iouThreshold float32
}

// NewNMS returns a suppressor with the default IoU threshold.
func NewNMS() *NMS {
	return &NMS{iouThreshold: DefaultIoUThreshold}
}

// IoUThreshold returns the configured threshold.
func (n *NMS) IoUThreshold() float32 {
	return n.iouThreshold
}

// SetIoUThreshold stores threshold clamped to [0, 1].
func (n *NMS) SetIoUThreshold(threshold float32) {
	n.iouThreshold = clamp01(threshold)
}

// Apply sorts candidates by descending score and suppresses them with the
// configured threshold. The input slice is left untouched.
func (n *NMS) Apply(candidates []Candidate) []Region {
	sorted := make([]Candidate, len(candidates))
	copy(sorted, candidates)
	SortByScore(sorted)
	return Suppress(sorted, n.iouThreshold)
}

// CalculateIoU computes the Intersection over Union of two boxes.
//
// The intersection width and height are floored at zero, so disjoint or
// touching boxes score 0. Two degenerate boxes with no area also score 0.
//
// Arguments:
//   - a: The first box.
//   - b: The second box.
//
// Returns:
//   - The IoU in [0, 1].
func CalculateIoU(a, b Candidate) float32 {
	iw := math32.Max(0, math32.Min(a.X2, b.X2)-math32.Max(a.X1, b.X1))
	ih := math32.Max(0, math32.Min(a.Y2, b.Y2)-math32.Max(a.Y1, b.Y1))
	inter := iw * ih

	union := a.Area() + b.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// SortByScore sorts candidates in place by descending score. Candidates with
// equal scores keep their original order.
func SortByScore(candidates []Candidate) {
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Score > candidates[j].Score
	})
}

// FilterClass returns the candidates of the given class, in input order.
func FilterClass(candidates []Candidate, class int) []Candidate {
	out := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if c.Class == class {
			out = append(out, c)
		}
	}
	return out
}

// Suppress performs standard greedy Non-Maximum Suppression.
//
// Arguments:
//   - sorted: Candidates of one class sorted by descending score (see SortByScore).
//   - iouThreshold: IoU above which an overlapping candidate is suppressed.
//
// Returns:
//   - The kept regions, highest score first. Never nil.
func Suppress(sorted []Candidate, iouThreshold float32) []Region {
	n := len(sorted)
	kept := make([]Region, 0, n)
	used := make([]bool, n)

	for i := 0; i < n; i++ {
		if used[i] {
			continue
		}

		anchor := sorted[i]
		kept = append(kept, Region{Box: anchor, Confidence: anchor.Score})
		used[i] = true

		for j := i + 1; j < n; j++ {
			if used[j] {
				continue
			}

			// Suppress if IoU exceeds threshold
			if CalculateIoU(anchor, sorted[j]) > iouThreshold {
				used[j] = true
			}
		}
	}

	return kept
}

// Candidates returns the boxes of the given regions, in order.
func Candidates(regions []Region) []Candidate {
	out := make([]Candidate, len(regions))
	for i, r := range regions {
		out[i] = r.Box
	}
	return out
}

func clamp01(v float32) float32 {
	if math32.IsNaN(v) {
		return 0
	}
	return math32.Max(0, math32.Min(1, v))
}
