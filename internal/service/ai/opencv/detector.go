package opencv

import (
	"context"
	"image"
	"os"
	"sync"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"

	"fieldscan/internal/config"
	"fieldscan/internal/models"
	"fieldscan/internal/service/ai"
)

// DetectionFloor drops SSD rows that are pure noise. Publishing applies its
// own, higher threshold.
const DetectionFloor = 0.2

// blobParams describes how a frame is turned into a network input.
type blobParams struct {
	scale  float64
	size   image.Point
	mean   gocv.Scalar
	swapRB bool
}

// ssdNet is a loaded SSD network guarded for single use at a time.
type ssdNet struct {
	mu     sync.Mutex
	net    gocv.Net
	params blobParams
}

func loadNet(files config.ModelFiles, params blobParams, active func() ai.Backend) (*ssdNet, error) {
	if _, err := os.Stat(files.Weights); os.IsNotExist(err) {
		return nil, errors.Errorf("model file not found: %s", files.Weights)
	}
	if _, err := os.Stat(files.Config); os.IsNotExist(err) {
		return nil, errors.Errorf("config file not found: %s", files.Config)
	}

	net := gocv.ReadNet(files.Weights, files.Config)
	if net.Empty() {
		return nil, errors.New("failed to load network")
	}
	if err := configure(&net, active); err != nil {
		net.Close()
		return nil, err
	}
	return &ssdNet{net: net, params: params}, nil
}

// forward runs img through the network and decodes rows scoring at least
// minScore into pixel space.
func (s *ssdNet) forward(ctx context.Context, img image.Image, minScore float64) (boxes []ai.SSDBox, err error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	mat, err := gocv.ImageToMatRGB(img)
	if err != nil {
		return nil, errors.Wrap(err, "failed to convert frame")
	}
	defer mat.Close()
	if mat.Empty() {
		return nil, errors.New("frame is empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	defer recoverInto(&err)

	p := s.params
	blob := gocv.BlobFromImage(mat, p.scale, p.size, p.mean, p.swapRB, false)
	defer blob.Close()

	s.net.SetInput(blob, "")
	output := s.net.Forward("")
	defer output.Close()

	values, err := output.DataPtrFloat32()
	if err != nil {
		return nil, translate(errors.Wrap(err, "reading network output"))
	}
	return ai.DecodeSSD(values, mat.Cols(), mat.Rows(), minScore), nil
}

func (s *ssdNet) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.net.Close()
}

// Detector is the SSD MobileNet COCO object detector.
type Detector struct {
	*ssdNet
}

// LoadDetector reads the SSD COCO network from files and configures it for
// the active runtime.
func LoadDetector(files config.ModelFiles, active func() ai.Backend) (*Detector, error) {
	net, err := loadNet(files, blobParams{
		scale:  1.0 / 127.5,
		size:   image.Pt(300, 300),
		mean:   gocv.NewScalar(127.5, 127.5, 127.5, 0),
		swapRB: true,
	}, active)
	if err != nil {
		return nil, err
	}
	return &Detector{net}, nil
}

// Detect returns every detection above DetectionFloor, unfiltered by label.
func (d *Detector) Detect(ctx context.Context, img image.Image) ([]models.Detection, error) {
	boxes, err := d.forward(ctx, img, DetectionFloor)
	if err != nil {
		return nil, err
	}
	out := make([]models.Detection, 0, len(boxes))
	for _, b := range boxes {
		out = append(out, b.Detection())
	}
	return out, nil
}

// FaceLocator is the res10 SSD face detector.
type FaceLocator struct {
	*ssdNet
	minScore float64
}

// LoadFaceLocator reads the res10 face network from files.
func LoadFaceLocator(files config.ModelFiles, minScore float64, active func() ai.Backend) (*FaceLocator, error) {
	net, err := loadNet(files, blobParams{
		scale: 1.0,
		size:  image.Pt(300, 300),
		mean:  gocv.NewScalar(104, 177, 123, 0),
	}, active)
	if err != nil {
		return nil, err
	}
	return &FaceLocator{ssdNet: net, minScore: minScore}, nil
}

// Locate returns face rectangles in the pixel space of img.
func (f *FaceLocator) Locate(ctx context.Context, img image.Image) ([]models.FaceRegion, error) {
	boxes, err := f.forward(ctx, img, f.minScore)
	if err != nil {
		return nil, err
	}
	out := make([]models.FaceRegion, 0, len(boxes))
	for _, b := range boxes {
		out = append(out, b.FaceRegion())
	}
	return out, nil
}

var (
	_ ai.ObjectDetector = (*Detector)(nil)
	_ ai.FaceLocator    = (*FaceLocator)(nil)
)
