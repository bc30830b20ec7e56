package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/pkg/errors"

	"fieldscan/internal/dto"
	"fieldscan/internal/logger"
	"fieldscan/internal/models"
	"fieldscan/internal/service"
	"fieldscan/internal/service/ai"
	"fieldscan/internal/service/capture"
	"fieldscan/internal/service/draft"
)

// maxBodySize bounds JSON request bodies.
const maxBodySize = 64 << 10

// Scanner is the session the API drives.
type Scanner interface {
	Initialize(ctx context.Context) error
	Capture(ctx context.Context, municipalityID string) (capture.Result, error)
	Draft() (draft.Record, bool)
	UpdateDraft(p draft.Patch) draft.Record
	AdjustDraft(bucket string, delta int) (draft.Record, error)
	Discard()
	Finalize(ctx context.Context) (models.Inspection, error)
	Preview() ([]byte, error)
	Status() service.Status
	Municipalities() []models.Municipality
}

// InitHandler handles POST /api/init, (re)initializing the backend, the
// models and the detection loop.
func InitHandler(scanner Scanner, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if err := scanner.Initialize(r.Context()); err != nil {
			writeError(w, logger, err)
			return
		}
		writeJSON(w, logger, http.StatusOK, scanner.Status())
	}
}

// StatusHandler handles GET /api/status.
func StatusHandler(scanner Scanner, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, logger, http.StatusOK, scanner.Status())
	}
}

// CaptureHandler handles POST /api/capture?m=<municipality>. The response is
// the updated draft; the caller navigates to the review screen with it.
func CaptureHandler(scanner Scanner, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		result, err := scanner.Capture(r.Context(), r.URL.Query().Get("m"))
		if err != nil {
			writeError(w, logger, err)
			return
		}

		resp := dto.NewDraftResponse(result.Record)
		resp.Faces = result.Faces
		resp.Degraded = result.Degraded
		writeJSON(w, logger, http.StatusCreated, resp)
	}
}

// DraftHandler serves GET, PATCH and DELETE on /api/draft.
func DraftHandler(scanner Scanner, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			rec, ok := scanner.Draft()
			if !ok {
				writeError(w, logger, draft.ErrNoDraft)
				return
			}
			writeJSON(w, logger, http.StatusOK, dto.NewDraftResponse(rec))

		case http.MethodPatch:
			var req dto.DraftPatchRequest
			if !decodeJSON(w, r, logger, &req) {
				return
			}
			writeJSON(w, logger, http.StatusOK, dto.NewDraftResponse(scanner.UpdateDraft(req.Patch())))

		case http.MethodDelete:
			scanner.Discard()
			w.WriteHeader(http.StatusNoContent)

		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	}
}

// AdjustDraftHandler handles POST /api/draft/adjust.
func AdjustDraftHandler(scanner Scanner, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req dto.AdjustRequest
		if !decodeJSON(w, r, logger, &req) {
			return
		}
		rec, err := scanner.AdjustDraft(req.Bucket, req.Delta)
		if err != nil {
			writeError(w, logger, err)
			return
		}
		writeJSON(w, logger, http.StatusOK, dto.NewDraftResponse(rec))
	}
}

// FinalizeHandler handles POST /api/draft/finalize.
func FinalizeHandler(scanner Scanner, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		inspection, err := scanner.Finalize(r.Context())
		if err != nil {
			writeError(w, logger, err)
			return
		}
		// The stored record carries the image; the caller already has it.
		inspection.ImageAnonymizedDataURL = ""
		writeJSON(w, logger, http.StatusCreated, inspection)
	}
}

// PreviewHandler handles GET /api/preview with the current frame and overlay
// as JPEG.
func PreviewHandler(scanner Scanner, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data, err := scanner.Preview()
		if err != nil {
			writeError(w, logger, err)
			return
		}
		w.Header().Set("Content-Type", "image/jpeg")
		w.Header().Set("Cache-Control", "no-cache")
		w.Write(data)
	}
}

// MunicipalitiesHandler handles GET /api/municipalities.
func MunicipalitiesHandler(scanner Scanner, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, logger, http.StatusOK, scanner.Municipalities())
	}
}

// statusFor maps an error to its HTTP status and, for failures the caller can
// recover from by re-initializing, the retry endpoint.
func statusFor(err error) (int, string) {
	var initErr *ai.ModelInitError
	switch {
	case errors.Is(err, service.ErrNotInitialized),
		errors.Is(err, ai.ErrBackendUnavailable),
		errors.As(err, &initErr):
		return http.StatusServiceUnavailable, "/api/init"
	case errors.Is(err, capture.ErrCaptureInProgress):
		return http.StatusConflict, ""
	case errors.Is(err, capture.ErrCaptureAborted):
		return http.StatusInternalServerError, ""
	case errors.Is(err, capture.ErrSourceNotReady):
		return http.StatusServiceUnavailable, ""
	case errors.Is(err, draft.ErrNoDraft):
		return http.StatusNotFound, ""
	case errors.Is(err, models.ErrInvalidInspection),
		errors.Is(err, draft.ErrUnknownBucket):
		return http.StatusBadRequest, ""
	}
	return http.StatusInternalServerError, ""
}

func writeError(w http.ResponseWriter, logger *logger.Logger, err error) {
	status, retry := statusFor(err)
	if status >= http.StatusInternalServerError {
		logger.Error("Request failed: %v", err)
	}
	writeJSON(w, logger, status, dto.ErrorResponse{Error: err.Error(), Retry: retry})
}

func writeJSON(w http.ResponseWriter, logger *logger.Logger, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("Error encoding JSON response: %v", err)
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, logger *logger.Logger, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, logger, http.StatusBadRequest, dto.ErrorResponse{Error: "invalid request body: " + err.Error()})
		return false
	}
	return true
}
