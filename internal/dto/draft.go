package dto

import (
	"fieldscan/internal/models"
	"fieldscan/internal/service/draft"
)

// DraftResponse is the draft as returned to the caller, image included.
type DraftResponse struct {
	draft.Record
	ImageDataURL string `json:"imageDataUrl,omitempty"`
	Faces        int    `json:"faces,omitempty"`
	Degraded     bool   `json:"anonymizationDegraded,omitempty"`
}

// NewDraftResponse wraps rec.
func NewDraftResponse(rec draft.Record) DraftResponse {
	resp := DraftResponse{Record: rec}
	if !rec.Image.IsZero() {
		resp.ImageDataURL = rec.Image.DataURL()
	}
	return resp
}

// DraftPatchRequest is the body of PATCH /api/draft. Omitted fields are left
// unchanged.
type DraftPatchRequest struct {
	MunicipalityID *string            `json:"municipalityId"`
	Counts         *models.ClassTally `json:"counts"`
	FillPercent    *float64           `json:"fillPercent"`
	LitersEstimate *float64           `json:"litersEstimate"`
}

// Patch converts the request into a draft patch.
func (r DraftPatchRequest) Patch() draft.Patch {
	return draft.Patch{
		MunicipalityID: r.MunicipalityID,
		Counts:         r.Counts,
		FillPercent:    r.FillPercent,
		LitersEstimate: r.LitersEstimate,
	}
}

// AdjustRequest is the body of POST /api/draft/adjust.
type AdjustRequest struct {
	Bucket string `json:"bucket"`
	Delta  int    `json:"delta"`
}

// ErrorResponse is the JSON body of every failed API call. Retry names the
// endpoint that can recover from the failure, if any.
type ErrorResponse struct {
	Error string `json:"error"`
	Retry string `json:"retry,omitempty"`
}
