package service

import (
	"bytes"
	"context"
	"image"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"fieldscan/internal/config"
	"fieldscan/internal/logger"
	"fieldscan/internal/models"
	"fieldscan/internal/service/ai"
	"fieldscan/internal/service/capture"
	"fieldscan/internal/service/detection"
	"fieldscan/internal/service/draft"
	"fieldscan/internal/service/monitor"
	"fieldscan/internal/service/overlay"
	"fieldscan/internal/service/privacy"
	"fieldscan/internal/service/websocket"
)

// ErrNotInitialized is returned by operations that need a running session.
var ErrNotInitialized = errors.New("scanner not initialized")

// Dependencies are the collaborators a Manager orchestrates.
type Dependencies struct {
	Backends   *ai.BackendManager
	Registry   *ai.Registry
	OpenSource func() (detection.FrameSource, error)
	Store      draft.Persister
	Hub        *websocket.HubService
	Memory     *monitor.Memory // optional
	Clock      clock.Clock
}

// Status is a point-in-time view of the session.
type Status struct {
	Initialized  bool            `json:"initialized"`
	Backend      string          `json:"backend"`
	Loop         string          `json:"loop"`
	Stats        detection.Stats `json:"stats"`
	Detections   int             `json:"detections"`
	Capturing    bool            `json:"capturing"`
	HasDraft     bool            `json:"hasDraft"`
	Viewers      int             `json:"viewers"`
	Memory       monitor.Reading `json:"memory"`
	Error        string          `json:"error,omitempty"`
	Municipality string          `json:"defaultMunicipality"`
}

// Manager owns one scanning session: the detection loop over the camera, the
// capture pipeline and the draft the user is editing.
type Manager struct {
	cfg    *config.Config
	deps   Dependencies
	logger *logger.Logger

	canvas *overlay.Canvas
	drafts *draft.Coordinator

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// initMu serializes Initialize and Stop. Captures and previews hold
	// inUse read-locked so a teardown never closes a model in use.
	initMu sync.Mutex
	inUse  sync.RWMutex

	mu       sync.Mutex
	loop     *detection.Loop
	source   detection.FrameSource
	pipeline *capture.Pipeline
	initErr  error
}

type session struct {
	loop     *detection.Loop
	source   detection.FrameSource
	pipeline *capture.Pipeline
}

func NewManager(cfg *config.Config, deps Dependencies, logger *logger.Logger) *Manager {
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:     cfg,
		deps:    deps,
		logger:  logger,
		canvas:  overlay.NewCanvas(),
		drafts:  draft.NewCoordinator(cfg.DefaultMunicipality, cfg.MaxLiters, deps.Clock, logger.Named("draft")),
		ctx:     ctx,
		cancel:  cancel,
		initErr: ErrNotInitialized,
	}
}

// Start launches the background services (viewer hub, memory monitor).
func (m *Manager) Start() {
	if m.deps.Hub != nil {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.deps.Hub.Run(m.ctx)
		}()
	}
	if m.deps.Memory != nil {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.deps.Memory.Run(m.ctx)
		}()
	}
}

// Initialize selects a backend, loads both models and starts the detection
// loop over a freshly opened frame source. Calling it again tears the
// previous session down first and retries from scratch; the draft survives.
// A capture in flight finishes before the old models are released. Status
// stays available while models load, and Stop aborts the load.
func (m *Manager) Initialize(ctx context.Context) error {
	m.initMu.Lock()
	defer m.initMu.Unlock()

	if err := m.release(); err != nil {
		m.logger.Warning("Previous session did not shut down cleanly: %v", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(m.ctx, cancel)
	defer stop()

	s, err := m.initialize(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.initErr = err
	if err != nil {
		m.logger.Error("Initialization failed: %v", err)
		return err
	}
	m.loop, m.source, m.pipeline = s.loop, s.source, s.pipeline
	m.logger.Info("Scanner ready on %s backend", m.deps.Backends.ActiveName())
	return nil
}

// release stops the current session and closes the cached models once no
// capture or preview is using them.
func (m *Manager) release() error {
	m.inUse.Lock()
	defer m.inUse.Unlock()

	m.mu.Lock()
	err := m.teardown()
	m.mu.Unlock()
	return multierr.Append(err, m.deps.Registry.Reset())
}

func (m *Manager) initialize(ctx context.Context) (session, error) {
	if _, err := m.deps.Backends.SelectBackend(ctx); err != nil {
		return session{}, err
	}
	if err := m.deps.Registry.LoadAll(ctx, ai.ObjectDetection, ai.FaceLocalization); err != nil {
		return session{}, err
	}
	detector, err := m.deps.Registry.Detector(ctx)
	if err != nil {
		return session{}, err
	}

	source, err := m.deps.OpenSource()
	if err != nil {
		return session{}, errors.Wrap(err, "opening frame source")
	}

	surfaces := detection.Surfaces{m.canvas}
	if m.deps.Hub != nil {
		surfaces = append(surfaces, websocket.NewOverlaySurface(m.deps.Hub))
	}
	loop := detection.NewLoop(source, detector, surfaces, m.logger.Named("detection"), detection.Options{
		Interval:       m.cfg.RenderInterval(),
		ThrottleFactor: config.ThrottleFactor,
		MinScore:       config.ScoreThreshold,
		Clock:          m.deps.Clock,
	})
	if err := loop.Start(m.ctx); err != nil {
		return session{}, multierr.Append(err, source.Close())
	}

	anonymizer := privacy.NewAnonymizer(m.locateFaces, m.cfg.BlurSigma, m.logger.Named("privacy"))
	return session{
		loop:     loop,
		source:   source,
		pipeline: capture.NewPipeline(source, loop, anonymizer, m.drafts, m.logger.Named("capture")),
	}, nil
}

func (m *Manager) locateFaces(ctx context.Context, img image.Image) ([]models.FaceRegion, error) {
	locator, err := m.deps.Registry.FaceLocator(ctx)
	if err != nil {
		return nil, err
	}
	return locator.Locate(ctx, img)
}

// teardown stops the loop, which closes the source. Callers hold m.mu.
func (m *Manager) teardown() error {
	m.initErr = ErrNotInitialized
	if m.loop == nil {
		return nil
	}
	err := m.loop.Stop()
	m.loop, m.source, m.pipeline = nil, nil, nil
	return err
}

func (m *Manager) current() (*capture.Pipeline, detection.FrameSource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pipeline == nil {
		return nil, nil, m.initErr
	}
	return m.pipeline, m.source, nil
}

// Capture snapshots the current frame into the draft. An unknown municipality
// id falls back to the default one; an empty id keeps the draft's.
func (m *Manager) Capture(ctx context.Context, municipalityID string) (capture.Result, error) {
	m.inUse.RLock()
	defer m.inUse.RUnlock()

	pipeline, _, err := m.current()
	if err != nil {
		return capture.Result{}, err
	}
	if municipalityID != "" {
		municipality, known := m.cfg.Municipality(municipalityID)
		if !known {
			m.logger.Warning("Unknown municipality %q, using %s", municipalityID, municipality.ID)
		}
		municipalityID = municipality.ID
	}
	return pipeline.Capture(ctx, municipalityID)
}

// Draft returns the current draft, if any.
func (m *Manager) Draft() (draft.Record, bool) {
	return m.drafts.Current()
}

// UpdateDraft merges p into the draft, creating it if needed.
func (m *Manager) UpdateDraft(p draft.Patch) draft.Record {
	if p.MunicipalityID != nil && *p.MunicipalityID != "" {
		municipality, _ := m.cfg.Municipality(*p.MunicipalityID)
		p.MunicipalityID = &municipality.ID
	}
	return m.drafts.SetPartial(p)
}

// AdjustDraft changes one counter of the current draft.
func (m *Manager) AdjustDraft(bucket string, delta int) (draft.Record, error) {
	return m.drafts.Adjust(bucket, delta)
}

// Discard drops the current draft.
func (m *Manager) Discard() {
	m.drafts.Reset()
}

// Finalize validates and persists the draft, clearing it on success.
func (m *Manager) Finalize(ctx context.Context) (models.Inspection, error) {
	return m.drafts.Finalize(ctx, m.deps.Store)
}

// Preview renders the current frame with the overlay on top as JPEG.
func (m *Manager) Preview() ([]byte, error) {
	m.inUse.RLock()
	defer m.inUse.RUnlock()

	_, source, err := m.current()
	if err != nil {
		return nil, err
	}
	if !source.Ready() {
		return nil, capture.ErrSourceNotReady
	}
	frame, err := source.Frame()
	if err != nil {
		return nil, errors.Wrap(err, "reading frame")
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, m.canvas.Composite(frame), imaging.JPEG, imaging.JPEGQuality(config.JPEGQuality)); err != nil {
		return nil, errors.Wrap(err, "encoding preview")
	}
	return buf.Bytes(), nil
}

// Status reports the session state.
func (m *Manager) Status() Status {
	m.mu.Lock()
	loop, pipeline, initErr := m.loop, m.pipeline, m.initErr
	m.mu.Unlock()

	_, hasDraft := m.drafts.Current()
	status := Status{
		Initialized:  pipeline != nil,
		Backend:      m.deps.Backends.ActiveName(),
		Loop:         detection.Idle.String(),
		HasDraft:     hasDraft,
		Municipality: m.cfg.DefaultMunicipality,
	}
	if loop != nil {
		status.Loop = loop.State().String()
		status.Stats = loop.Stats()
		status.Detections = len(loop.Latest().Detections)
	}
	if pipeline != nil {
		status.Capturing = pipeline.Busy()
	}
	if initErr != nil && initErr != ErrNotInitialized {
		status.Error = initErr.Error()
	}
	if m.deps.Hub != nil {
		status.Viewers = m.deps.Hub.GetClientCount()
	}
	if m.deps.Memory != nil {
		status.Memory = m.deps.Memory.Latest()
	}
	return status
}

// Hub returns the viewer hub, or nil.
func (m *Manager) Hub() *websocket.HubService {
	return m.deps.Hub
}

// Municipalities lists the configured municipality catalog.
func (m *Manager) Municipalities() []models.Municipality {
	return m.cfg.Municipalities
}

// Stop ends the session, releases models and the backend, and waits for the
// background services.
func (m *Manager) Stop() error {
	m.cancel()
	m.initMu.Lock()
	defer m.initMu.Unlock()

	err := multierr.Append(m.release(), m.deps.Backends.Close())
	m.wg.Wait()
	m.logger.Info("Scanner stopped")
	return err
}
