// Package models - Class label sets of the supported detectors.
package models

import "github.com/pkg/errors"

// OutputClass represents one detection label.
type OutputClass struct {
	// The integer index returned by the model.
	Index int
	// The human-readable label.
	Name string
}

// OutputClassSet is the full list of labels of one model family.
type OutputClassSet struct {
	// Family identifier, e.g. "yolo".
	Family string
	// Classes ordered by index.
	Classes []OutputClass
}

// Name returns the label of idx, or an empty string when out of range.
func (s OutputClassSet) Name(idx int) string {
	if idx < 0 || idx >= len(s.Classes) {
		return ""
	}
	return s.Classes[idx].Name
}

// Index returns the class index for a label.
//
// Arguments:
//   - name: The label, e.g. "person".
//
// Returns:
//   - The class index.
//   - error: An error if the label is not part of the set.
func (s OutputClassSet) Index(name string) (int, error) {
	for _, c := range s.Classes {
		if c.Name == name {
			return c.Index, nil
		}
	}
	return -1, errors.Errorf("class %q not found in %s classes", name, s.Family)
}

// Len returns the number of classes.
func (s OutputClassSet) Len() int {
	return len(s.Classes)
}

func newClassSet(family string, names ...string) OutputClassSet {
	set := OutputClassSet{Family: family, Classes: make([]OutputClass, len(names))}
	for i, n := range names {
		set.Classes[i] = OutputClass{Index: i, Name: n}
	}
	return set
}

// YOLOClasses is the 80 COCO classes without a background entry, in the
// order YOLO detectors emit their class probabilities.
var YOLOClasses = newClassSet("yolo",
	"person", "bicycle", "car", "motorcycle", "airplane", "bus", "train", "truck",
	"boat", "traffic light", "fire hydrant", "stop sign", "parking meter", "bench",
	"bird", "cat", "dog", "horse", "sheep", "cow", "elephant", "bear", "zebra",
	"giraffe", "backpack", "umbrella", "handbag", "tie", "suitcase", "frisbee",
	"skis", "snowboard", "sports ball", "kite", "baseball bat", "baseball glove",
	"skateboard", "surfboard", "tennis racket", "bottle", "wine glass", "cup",
	"fork", "knife", "spoon", "bowl", "banana", "apple", "sandwich", "orange",
	"broccoli", "carrot", "hot dog", "pizza", "donut", "cake", "chair", "couch",
	"potted plant", "bed", "dining table", "toilet", "tv", "laptop", "mouse",
	"remote", "keyboard", "cell phone", "microwave", "oven", "toaster", "sink",
	"refrigerator", "book", "clock", "vase", "scissors", "teddy bear",
	"hair drier", "toothbrush",
)
