package opencv

import (
	"context"
	"net/http"

	"github.com/pkg/errors"

	"fieldscan/internal/config"
	"fieldscan/internal/service/ai"
)

// Loader opens a model from local files.
type Loader func(files config.ModelFiles) (ai.Model, error)

// DetectorLoader binds LoadDetector to the active runtime.
func DetectorLoader(active func() ai.Backend) Loader {
	return func(files config.ModelFiles) (ai.Model, error) {
		return LoadDetector(files, active)
	}
}

// FaceLoader binds LoadFaceLocator to the active runtime.
func FaceLoader(minScore float64, active func() ai.Backend) Loader {
	return func(files config.ModelFiles) (ai.Model, error) {
		return LoadFaceLocator(files, minScore, active)
	}
}

// LocalSource loads the bundled copy of a model.
func LocalSource(files config.ModelFiles, load Loader) ai.Source {
	return ai.Source{
		Name: "bundled",
		Load: func(ctx context.Context) (ai.Model, error) {
			return load(files)
		},
	}
}

// RemoteSource downloads both model files into cacheDir and loads them.
func RemoteSource(remote config.ModelFiles, cacheDir string, client *http.Client, load Loader) ai.Source {
	return ai.Source{
		Name: "remote",
		Load: func(ctx context.Context) (ai.Model, error) {
			if remote.Weights == "" || remote.Config == "" {
				return nil, errors.New("no remote location configured")
			}
			weights, err := ai.Fetch(ctx, client, remote.Weights, cacheDir)
			if err != nil {
				return nil, err
			}
			cfg, err := ai.Fetch(ctx, client, remote.Config, cacheDir)
			if err != nil {
				return nil, err
			}
			return load(config.ModelFiles{Weights: weights, Config: cfg})
		},
	}
}

// Register wires the remote-then-bundled source chain of both models.
func Register(registry *ai.Registry, cfg *config.Config, active func() ai.Backend) {
	client := &http.Client{Timeout: cfg.DownloadTimeout}

	detector := DetectorLoader(active)
	registry.Register(ai.ObjectDetection,
		RemoteSource(cfg.DetectorRemote, cfg.ModelCacheDir, client, detector),
		LocalSource(cfg.DetectorLocal, detector),
	)

	faces := FaceLoader(cfg.FaceMinScore, active)
	registry.Register(ai.FaceLocalization,
		RemoteSource(cfg.FaceRemote, cfg.ModelCacheDir, client, faces),
		LocalSource(cfg.FaceLocal, faces),
	)
}
