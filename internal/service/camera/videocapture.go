package camera

import (
	"image"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"

	"fieldscan/internal/config"
	"fieldscan/internal/logger"
)

// VideoCapture grabs frames with OpenCV from a device or a video file.
// Files are rewound at the end, so a demo clip plays forever.
type VideoCapture struct {
	capture *gocv.VideoCapture
	mat     gocv.Mat
	name    string
	loop    bool
}

// OpenDevice opens a camera by index ("0") or by URL/path.
func OpenDevice(device string) (*VideoCapture, error) {
	var id interface{} = device
	if n, err := strconv.Atoi(device); err == nil {
		id = n
	}
	capture, err := gocv.OpenVideoCapture(id)
	if err != nil {
		return nil, errors.Wrapf(err, "opening camera %s", device)
	}
	capture.Set(gocv.VideoCaptureBufferSize, 1)
	return &VideoCapture{capture: capture, mat: gocv.NewMat(), name: device}, nil
}

// OpenClip opens a video file played in a loop.
func OpenClip(path string) (*VideoCapture, error) {
	capture, err := gocv.VideoCaptureFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening clip %s", path)
	}
	return &VideoCapture{capture: capture, mat: gocv.NewMat(), name: path, loop: true}, nil
}

// FramePeriod is the playback period derived from the stream's frame rate.
func (v *VideoCapture) FramePeriod() time.Duration {
	fps := v.capture.Get(gocv.VideoCaptureFPS)
	if fps <= 0 || fps > 240 {
		return time.Second / 30
	}
	return time.Duration(float64(time.Second) / fps)
}

func (v *VideoCapture) Grab() (image.Image, error) {
	if !v.capture.Read(&v.mat) || v.mat.Empty() {
		if !v.loop {
			return nil, errors.Errorf("cannot read camera %s", v.name)
		}
		v.capture.Set(gocv.VideoCapturePosFrames, 0)
		if !v.capture.Read(&v.mat) || v.mat.Empty() {
			return nil, errors.Errorf("cannot rewind clip %s", v.name)
		}
	}
	img, err := v.mat.ToImage()
	if err != nil {
		return nil, errors.Wrap(err, "converting frame")
	}
	return img, nil
}

func (v *VideoCapture) Close() error {
	v.mat.Close()
	return v.capture.Close()
}

// Open starts the frame source the configuration asks for: the demo clip in
// demo mode, the camera device otherwise.
func Open(cfg *config.Config, logger *logger.Logger) (*Source, error) {
	if cfg.DemoMode {
		clip, err := OpenClip(cfg.DemoClipPath)
		if err != nil {
			return nil, err
		}
		logger.Info("Demo mode: looping %s", cfg.DemoClipPath)
		return NewSource(clip, clip.FramePeriod(), nil, logger), nil
	}

	device, err := OpenDevice(cfg.CameraDevice)
	if err != nil {
		return nil, err
	}
	logger.Info("Camera %s opened", cfg.CameraDevice)
	return NewSource(device, 0, nil, logger), nil
}
