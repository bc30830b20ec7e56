package opencv

import (
	"context"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"

	"fieldscan/internal/service/ai"
)

// Runtime is one OpenCV DNN execution context (backend + target pair).
type Runtime struct {
	name    string
	backend gocv.NetBackendType
	target  gocv.NetTargetType
	devices string // glob of device nodes the runtime needs, empty for none

	probeModel  string
	probeConfig string

	mu    sync.Mutex
	ready bool
}

// NewRuntime returns the runtime called name: "cuda", "opencl" or "cpu".
// The probe network is loaded by WarmUp.
func NewRuntime(name, probeModel, probeConfig string) (*Runtime, error) {
	r := &Runtime{name: name, probeModel: probeModel, probeConfig: probeConfig}
	switch name {
	case "cuda":
		r.backend, r.target, r.devices = gocv.NetBackendCUDA, gocv.NetTargetCUDA, "/dev/nvidia*"
	case "opencl":
		r.backend, r.target, r.devices = gocv.NetBackendOpenCV, gocv.NetTargetFP32, "/dev/dri/renderD*"
	case "cpu":
		r.backend, r.target = gocv.NetBackendOpenCV, gocv.NetTargetCPU
	default:
		return nil, errors.Errorf("unknown compute backend %q", name)
	}
	return r, nil
}

// Backends builds the candidate list for the backend manager, in order.
func Backends(names []string, probeModel, probeConfig string) ([]ai.Backend, error) {
	out := make([]ai.Backend, 0, len(names))
	for _, name := range names {
		r, err := NewRuntime(name, probeModel, probeConfig)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func (r *Runtime) Name() string { return r.name }

// Init checks that the device the runtime drives is present.
func (r *Runtime) Init(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if r.devices != "" {
		matches, _ := filepath.Glob(r.devices)
		if len(matches) == 0 {
			return errors.Errorf("no device matching %s", r.devices)
		}
	}
	for _, p := range []string{r.probeModel, r.probeConfig} {
		if _, err := os.Stat(p); err != nil {
			return errors.Wrap(err, "probe network")
		}
	}

	r.mu.Lock()
	r.ready = true
	r.mu.Unlock()
	return nil
}

// WarmUp runs one forward pass of the probe network on a blank 300x300
// frame and releases everything it allocated.
func (r *Runtime) WarmUp(ctx context.Context) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}
	defer recoverInto(&err)

	net := gocv.ReadNet(r.probeModel, r.probeConfig)
	if net.Empty() {
		return errors.New("failed to load probe network")
	}
	defer net.Close()
	if err := r.Configure(&net); err != nil {
		return err
	}

	frame := gocv.NewMatWithSize(300, 300, gocv.MatTypeCV8UC3)
	defer frame.Close()
	blob := gocv.BlobFromImage(frame, 1.0, image.Pt(300, 300), gocv.NewScalar(104, 177, 123, 0), false, false)
	defer blob.Close()

	net.SetInput(blob, "")
	out := net.Forward("")
	defer out.Close()
	if out.Empty() {
		return errors.New("probe forward pass returned no output")
	}
	return nil
}

// Release marks the runtime unused. Networks configured for it stay valid
// until closed by their owners.
func (r *Runtime) Release() error {
	r.mu.Lock()
	r.ready = false
	r.mu.Unlock()
	return nil
}

// Configure points net at this runtime.
func (r *Runtime) Configure(net *gocv.Net) error {
	if err := net.SetPreferableBackend(r.backend); err != nil {
		return errors.Wrapf(err, "setting %s backend", r.name)
	}
	if err := net.SetPreferableTarget(r.target); err != nil {
		return errors.Wrapf(err, "setting %s target", r.name)
	}
	return nil
}

// configure applies the active runtime to net, or leaves OpenCV's defaults
// when no runtime is active.
func configure(net *gocv.Net, active func() ai.Backend) error {
	if active == nil {
		return nil
	}
	if r, ok := active().(*Runtime); ok && r != nil {
		return r.Configure(net)
	}
	return nil
}

// recoverInto turns a panic raised inside OpenCV into an error.
func recoverInto(err *error) {
	if p := recover(); p != nil {
		*err = translate(errors.New(fmt.Sprint(p)))
	}
}

// translate maps OpenCV's spurious "backend not found" message for legacy
// backends onto ai.ErrLegacyBackendNotFound.
func translate(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "backend") && strings.Contains(msg, "not found") {
		return errors.Wrap(ai.ErrLegacyBackendNotFound, err.Error())
	}
	return err
}
