package models

import (
	"strings"
	"time"

	"github.com/pkg/errors"
)

// ErrInvalidInspection is returned by Validate.
var ErrInvalidInspection = errors.New("invalid inspection")

// Inspection is a finalized record handed to the persistence collaborator.
type Inspection struct {
	ID                     string     `json:"id"`
	CreatedAt              time.Time  `json:"createdAt"`
	MunicipalityID         string     `json:"municipalityId"`
	Counts                 ClassTally `json:"counts"`
	FillPercent            float64    `json:"fillPercent"`
	LitersEst              float64    `json:"litersEst"`
	ImageAnonymizedDataURL string     `json:"imageAnonymizedDataUrl"`
}

// Validate checks the record against the persisted schema.
func (i *Inspection) Validate() error {
	switch {
	case i.ID == "":
		return errors.Wrap(ErrInvalidInspection, "missing id")
	case i.MunicipalityID == "":
		return errors.Wrap(ErrInvalidInspection, "missing municipality")
	case i.FillPercent < 0 || i.FillPercent > 100:
		return errors.Wrapf(ErrInvalidInspection, "fill percent %.1f out of range", i.FillPercent)
	case i.LitersEst < 0:
		return errors.Wrapf(ErrInvalidInspection, "negative liter estimate %.1f", i.LitersEst)
	case !strings.HasPrefix(i.ImageAnonymizedDataURL, "data:image/"):
		return errors.Wrap(ErrInvalidInspection, "image is not an image data url")
	}
	return nil
}
