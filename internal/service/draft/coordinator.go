package draft

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"fieldscan/internal/logger"
	"fieldscan/internal/models"
	"fieldscan/internal/service/privacy"
)

var (
	// ErrNoDraft is returned when an operation needs a draft and none exists.
	ErrNoDraft = errors.New("no draft in progress")
	// ErrUnknownBucket is returned by Adjust for a bucket name it does not know.
	ErrUnknownBucket = errors.New("unknown count bucket")
)

// Buckets accepted by Adjust.
const (
	BucketBottle   = "bottle"
	BucketCup      = "cup"
	BucketUtensils = "utensils"
)

// Record is the inspection being assembled between capture and finalize.
type Record struct {
	ID             string               `json:"id"`
	CreatedAt      time.Time            `json:"createdAt"`
	MunicipalityID string               `json:"municipalityId"`
	Counts         models.ClassTally    `json:"counts"`
	FillPercent    float64              `json:"fillPercent"`
	LitersEstimate float64              `json:"litersEstimate"`
	Image          privacy.EncodedImage `json:"-"`
}

// Patch carries the fields to overwrite; nil fields are left unchanged.
type Patch struct {
	MunicipalityID *string
	Counts         *models.ClassTally
	FillPercent    *float64
	LitersEstimate *float64
	Image          *privacy.EncodedImage
}

// Persister stores a finalized inspection.
type Persister interface {
	Save(ctx context.Context, inspection models.Inspection) error
}

// Coordinator holds at most one draft for the session that owns it.
type Coordinator struct {
	defaultMunicipality string
	maxLiters           float64
	clock               clock.Clock
	logger              *logger.Logger

	// saving serializes Finalize calls; mu guards the slot only.
	saving  sync.Mutex
	mu      sync.Mutex
	current *Record
}

func NewCoordinator(defaultMunicipality string, maxLiters float64, clk clock.Clock, logger *logger.Logger) *Coordinator {
	if clk == nil {
		clk = clock.New()
	}
	return &Coordinator{
		defaultMunicipality: defaultMunicipality,
		maxLiters:           maxLiters,
		clock:               clk,
		logger:              logger,
	}
}

// SetPartial creates the draft if absent, then applies p field by field.
// Setting FillPercent clamps it to [0,100] and recomputes LitersEstimate; an
// explicit LitersEstimate in the same patch wins.
func (c *Coordinator) SetPartial(p Patch) Record {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current == nil {
		c.current = &Record{
			ID:             uuid.NewString(),
			CreatedAt:      c.clock.Now(),
			MunicipalityID: c.defaultMunicipality,
		}
		c.logger.Debug("Draft %s created", c.current.ID)
	}

	r := c.current
	if p.MunicipalityID != nil && *p.MunicipalityID != "" {
		r.MunicipalityID = *p.MunicipalityID
	}
	if p.Counts != nil {
		r.Counts = *p.Counts
	}
	if p.FillPercent != nil {
		r.FillPercent = math.Max(0, math.Min(100, *p.FillPercent))
		r.LitersEstimate = models.LitersFromFill(r.FillPercent, c.maxLiters)
	}
	if p.LitersEstimate != nil {
		r.LitersEstimate = math.Max(0, *p.LitersEstimate)
	}
	if p.Image != nil {
		r.Image = *p.Image
	}
	return *r
}

// Adjust adds delta to one count bucket, clamping at zero.
func (c *Coordinator) Adjust(bucket string, delta int) (Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current == nil {
		return Record{}, ErrNoDraft
	}

	var field *uint
	switch bucket {
	case BucketBottle:
		field = &c.current.Counts.Bottle
	case BucketCup:
		field = &c.current.Counts.Cup
	case BucketUtensils:
		field = &c.current.Counts.Utensils
	default:
		return Record{}, errors.Wrapf(ErrUnknownBucket, "%q", bucket)
	}

	next := int(*field) + delta
	if next < 0 {
		next = 0
	}
	*field = uint(next)
	return *c.current, nil
}

// Current returns the draft, if any.
func (c *Coordinator) Current() (Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return Record{}, false
	}
	return *c.current, true
}

// Reset discards the draft.
func (c *Coordinator) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != nil {
		c.logger.Debug("Draft %s discarded", c.current.ID)
	}
	c.current = nil
}

// Inspection converts r into its persisted form.
func (r Record) Inspection() models.Inspection {
	return models.Inspection{
		ID:                     r.ID,
		CreatedAt:              r.CreatedAt,
		MunicipalityID:         r.MunicipalityID,
		Counts:                 r.Counts,
		FillPercent:            r.FillPercent,
		LitersEst:              r.LitersEstimate,
		ImageAnonymizedDataURL: r.Image.DataURL(),
	}
}

// Finalize validates the draft and hands it to p exactly once. The draft is
// cleared only when p succeeds; a failure is returned as is, without retry,
// and the draft stays available. The slot is not locked during p.Save, and a
// draft replaced in the meantime is left in place.
func (c *Coordinator) Finalize(ctx context.Context, p Persister) (models.Inspection, error) {
	c.saving.Lock()
	defer c.saving.Unlock()

	c.mu.Lock()
	if c.current == nil {
		c.mu.Unlock()
		return models.Inspection{}, ErrNoDraft
	}
	inspection := c.current.Inspection()
	c.mu.Unlock()

	if err := inspection.Validate(); err != nil {
		return models.Inspection{}, err
	}
	if err := p.Save(ctx, inspection); err != nil {
		c.logger.Error("Saving inspection %s failed: %v", inspection.ID, err)
		return models.Inspection{}, errors.Wrap(err, "saving inspection")
	}
	c.logger.Info("Inspection %s saved for %s", inspection.ID, inspection.MunicipalityID)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != nil && c.current.ID == inspection.ID {
		c.current = nil
	}
	return inspection, nil
}
