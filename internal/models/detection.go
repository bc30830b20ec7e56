package models

import (
	"fmt"
	"image"
)

// Labels of the object classes the scanner counts. Anything else is discarded.
const (
	LabelBottle = "bottle"
	LabelCup    = "cup"
	LabelFork   = "fork"
	LabelKnife  = "knife"
	LabelSpoon  = "spoon"
)

// RecognizedLabels is the fixed set of labels a published detection may carry.
var RecognizedLabels = []string{LabelBottle, LabelCup, LabelFork, LabelKnife, LabelSpoon}

// Detection is one object found in a frame, in source-frame pixel coordinates.
type Detection struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	X          int     `json:"x"`
	Y          int     `json:"y"`
	Width      int     `json:"width"`
	Height     int     `json:"height"`
}

// Rect returns the bounding box as an image.Rectangle.
func (d Detection) Rect() image.Rectangle {
	return image.Rect(d.X, d.Y, d.X+d.Width, d.Y+d.Height)
}

// Caption is the overlay text, e.g. "bottle 87%".
func (d Detection) Caption() string {
	return fmt.Sprintf("%s %.0f%%", d.Label, d.Confidence*100)
}

// IsRecognized reports whether label belongs to RecognizedLabels.
func IsRecognized(label string) bool {
	for _, l := range RecognizedLabels {
		if l == label {
			return true
		}
	}
	return false
}

// FaceRegion is a face rectangle in the pixel space of the frame it was found in.
type FaceRegion struct {
	TopLeft     image.Point
	BottomRight image.Point
}

// Rect returns the region as a canonical image.Rectangle.
func (f FaceRegion) Rect() image.Rectangle {
	return image.Rectangle{Min: f.TopLeft, Max: f.BottomRight}.Canon()
}
