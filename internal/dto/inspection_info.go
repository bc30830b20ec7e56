package dto

import (
	"time"

	"fieldscan/internal/models"
)

// InspectionInfo describes one stored inspection for listing.
type InspectionInfo struct {
	ID             string            `json:"id"`
	CreatedAt      time.Time         `json:"createdAt"`
	MunicipalityID string            `json:"municipalityId"`
	Counts         models.ClassTally `json:"counts"`
	FillPercent    float64           `json:"fillPercent"`
	LitersEst      float64           `json:"litersEst"`
	ImageURL       string            `json:"imageUrl"`
	ImageSize      int64             `json:"imageSize"`
}

// NewInspectionInfo builds the listing entry of rec; imageURL is the endpoint
// serving its stored JPEG.
func NewInspectionInfo(rec models.StoredInspection, imageURL string) InspectionInfo {
	return InspectionInfo{
		ID:             rec.ID,
		CreatedAt:      rec.CreatedAt,
		MunicipalityID: rec.MunicipalityID,
		Counts:         rec.Counts,
		FillPercent:    rec.FillPercent,
		LitersEst:      rec.LitersEst,
		ImageURL:       imageURL,
		ImageSize:      rec.ImageSize,
	}
}
