package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"fieldscan/internal/models"
)

const (
	// ThrottleFactor is the number of ready render ticks per inference submission.
	ThrottleFactor = 8
	// ScoreThreshold is the minimum confidence a detection needs to be published.
	ScoreThreshold = 0.5
	// MaxCaptureWidth caps the snapshot width; wider frames are downscaled.
	MaxCaptureWidth = 1280
	// JPEGQuality is the fixed lossy quality used for anonymized captures.
	JPEGQuality = 70
	// BasketMaxLiters is the default container capacity used for liter estimates.
	BasketMaxLiters = 120
)

type Config struct {
	Port           int
	LogDirectory   string
	LogLevel       string
	DatabasePath   string
	ImageDirectory string

	CameraDevice string
	DemoMode     bool
	DemoClipPath string
	RenderRate   int // render cadence in ticks per second

	Backends         []string // preference order, accelerated first
	ProbeModelPath   string
	ProbeConfigPath  string
	ModelCacheDir    string
	DetectorRemote   ModelFiles
	DetectorLocal    ModelFiles
	FaceRemote       ModelFiles
	FaceLocal        ModelFiles
	DownloadTimeout  time.Duration
	FaceMinScore     float64
	BlurSigma        float64
	MaxLiters        float64
	MemorySampleRate time.Duration

	DefaultMunicipality string
	Municipalities      []models.Municipality
}

// ModelFiles names the weights and the network description of one DNN model.
// For remote sources both are URLs, for local sources file paths.
type ModelFiles struct {
	Weights string `yaml:"weights"`
	Config  string `yaml:"config"`
}

// Load reads an optional .env file and then the environment.
func Load() *Config {
	// .env is optional; a missing file is not an error.
	_ = godotenv.Load()

	modelDir := getEnv("MODEL_DIR", filepath.Join(".", "models"))

	cfg := &Config{
		Port:           getEnvAsInt("PORT", 8080),
		LogDirectory:   getEnv("LOG_DIR", filepath.Join(".", "logs")),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		DatabasePath:   getEnv("DB_PATH", filepath.Join(".", "data", "inspections.db")),
		ImageDirectory: getEnv("IMAGE_DIR", filepath.Join(".", "data", "images")),

		CameraDevice: getEnv("CAMERA_DEVICE", "0"),
		DemoMode:     getEnvAsBool("DEMO", false),
		DemoClipPath: getEnv("DEMO_CLIP", filepath.Join(".", "samples", "street_gutter_debris.mp4")),
		RenderRate:   getEnvAsInt("RENDER_RATE", 60),

		Backends:        getEnvAsList("BACKENDS", []string{"cuda", "cpu"}),
		ProbeModelPath:  getEnv("PROBE_MODEL", filepath.Join(modelDir, "face", "res10_300x300_ssd_iter_140000.caffemodel")),
		ProbeConfigPath: getEnv("PROBE_CONFIG", filepath.Join(modelDir, "face", "deploy.prototxt")),
		ModelCacheDir:   getEnv("MODEL_CACHE_DIR", filepath.Join(os.TempDir(), "fieldscan-models")),
		DetectorRemote: ModelFiles{
			Weights: getEnv("DETECTOR_REMOTE_WEIGHTS", ""),
			Config:  getEnv("DETECTOR_REMOTE_CONFIG", ""),
		},
		DetectorLocal: ModelFiles{
			Weights: getEnv("DETECTOR_WEIGHTS", filepath.Join(modelDir, "coco-ssd", "frozen_inference_graph.pb")),
			Config:  getEnv("DETECTOR_CONFIG", filepath.Join(modelDir, "coco-ssd", "ssd_mobilenet_v2_coco_2018_03_29.pbtxt")),
		},
		FaceRemote: ModelFiles{
			Weights: getEnv("FACE_REMOTE_WEIGHTS", ""),
			Config:  getEnv("FACE_REMOTE_CONFIG", ""),
		},
		FaceLocal: ModelFiles{
			Weights: getEnv("FACE_WEIGHTS", filepath.Join(modelDir, "face", "res10_300x300_ssd_iter_140000.caffemodel")),
			Config:  getEnv("FACE_CONFIG", filepath.Join(modelDir, "face", "deploy.prototxt")),
		},
		DownloadTimeout:  time.Duration(getEnvAsInt("MODEL_DOWNLOAD_TIMEOUT", 30)) * time.Second,
		FaceMinScore:     getEnvAsFloat("FACE_MIN_SCORE", 0.5),
		BlurSigma:        getEnvAsFloat("BLUR_SIGMA", 20),
		MaxLiters:        getEnvAsFloat("BASKET_MAX_LITERS", BasketMaxLiters),
		MemorySampleRate: time.Duration(getEnvAsInt("MEMORY_SAMPLE_MS", 2000)) * time.Millisecond,

		Municipalities: models.DefaultMunicipalities(),
	}

	if path := getEnv("MUNICIPALITIES_FILE", ""); path != "" {
		if list, err := LoadMunicipalities(path); err == nil && len(list) > 0 {
			cfg.Municipalities = list
		}
	}
	cfg.DefaultMunicipality = getEnv("DEFAULT_MUNICIPALITY", cfg.Municipalities[0].ID)

	return cfg
}

// LoadMunicipalities parses a YAML catalog of the form
//
//	municipalities:
//	  - id: demo-miami
//	    name: Miami
func LoadMunicipalities(path string) ([]models.Municipality, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading municipality catalog %s", path)
	}
	var doc struct {
		Municipalities []models.Municipality `yaml:"municipalities"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, errors.Wrapf(err, "parsing municipality catalog %s", path)
	}
	for i, m := range doc.Municipalities {
		if m.ID == "" {
			return nil, errors.Errorf("municipality #%d has no id", i)
		}
	}
	return doc.Municipalities, nil
}

// Municipality returns the catalog entry for id, falling back to the default one.
func (c *Config) Municipality(id string) (models.Municipality, bool) {
	for _, m := range c.Municipalities {
		if m.ID == id {
			return m, true
		}
	}
	for _, m := range c.Municipalities {
		if m.ID == c.DefaultMunicipality {
			return m, false
		}
	}
	return c.Municipalities[0], false
}

// RenderInterval is the period of one render tick.
func (c *Config) RenderInterval() time.Duration {
	if c.RenderRate <= 0 {
		return time.Second / 60
	}
	return time.Second / time.Duration(c.RenderRate)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvAsList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, strings.ToLower(part))
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
