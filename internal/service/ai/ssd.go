package ai

import (
	"fmt"
	"image"
	"math"

	"fieldscan/internal/models"
)

// ssdStride is the width of one SSD output row:
// [batch_id, class_id, confidence, x1, y1, x2, y2], coordinates normalized to 0..1.
const ssdStride = 7

// SSDBox is one decoded SSD output row in pixel coordinates.
type SSDBox struct {
	ClassID int
	Score   float64
	Rect    image.Rectangle
}

// DecodeSSD decodes a flattened SSD output for a width x height frame, keeping
// rows scoring at least minScore. Boxes are clamped to the frame.
func DecodeSSD(values []float32, width, height int, minScore float64) []SSDBox {
	bounds := image.Rect(0, 0, width, height)
	var out []SSDBox
	for i := 0; i+ssdStride <= len(values); i += ssdStride {
		row := values[i : i+ssdStride]
		score := float64(row[2])
		if math.IsNaN(score) || score < minScore {
			continue
		}
		rect := image.Rect(
			int(float64(row[3])*float64(width)),
			int(float64(row[4])*float64(height)),
			int(float64(row[5])*float64(width)),
			int(float64(row[6])*float64(height)),
		).Intersect(bounds)
		if rect.Empty() {
			continue
		}
		out = append(out, SSDBox{ClassID: int(row[1]), Score: score, Rect: rect})
	}
	return out
}

// Detection converts the box using the COCO label table.
func (b SSDBox) Detection() models.Detection {
	return models.Detection{
		Label:      CocoLabel(b.ClassID),
		Confidence: b.Score,
		X:          b.Rect.Min.X,
		Y:          b.Rect.Min.Y,
		Width:      b.Rect.Dx(),
		Height:     b.Rect.Dy(),
	}
}

// FaceRegion converts the box to a face rectangle.
func (b SSDBox) FaceRegion() models.FaceRegion {
	return models.FaceRegion{TopLeft: b.Rect.Min, BottomRight: b.Rect.Max}
}

// CocoLabel maps a COCO class id (TensorFlow 1..90 numbering) to its label.
func CocoLabel(id int) string {
	if label, ok := cocoLabels[id]; ok {
		return label
	}
	return fmt.Sprintf("unknown_%d", id)
}

var cocoLabels = map[int]string{
	1: "person", 2: "bicycle", 3: "car", 4: "motorcycle", 5: "airplane", 6: "bus", 7: "train",
	8: "truck", 9: "boat", 10: "traffic light", 11: "fire hydrant", 13: "stop sign",
	14: "parking meter", 15: "bench", 16: "bird", 17: "cat", 18: "dog", 19: "horse", 20: "sheep",
	21: "cow", 22: "elephant", 23: "bear", 24: "zebra", 25: "giraffe", 27: "backpack",
	28: "umbrella", 31: "handbag", 32: "tie", 33: "suitcase", 34: "frisbee", 35: "skis",
	36: "snowboard", 37: "sports ball", 38: "kite", 39: "baseball bat", 40: "baseball glove",
	41: "skateboard", 42: "surfboard", 43: "tennis racket", 44: "bottle", 46: "wine glass",
	47: "cup", 48: "fork", 49: "knife", 50: "spoon", 51: "bowl", 52: "banana", 53: "apple",
	54: "sandwich", 55: "orange", 56: "broccoli", 57: "carrot", 58: "hot dog", 59: "pizza",
	60: "donut", 61: "cake", 62: "chair", 63: "couch", 64: "potted plant", 65: "bed",
	67: "dining table", 70: "toilet", 72: "tv", 73: "laptop", 74: "mouse", 75: "remote",
	76: "keyboard", 77: "cell phone", 78: "microwave", 79: "oven", 80: "toaster", 81: "sink",
	82: "refrigerator", 84: "book", 85: "clock", 86: "vase", 87: "scissors", 88: "teddy bear",
	89: "hair drier", 90: "toothbrush",
}
