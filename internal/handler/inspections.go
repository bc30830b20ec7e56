package handler

import (
	"net/http"
	"net/url"
	"os"
	"strconv"

	"fieldscan/internal/dto"
	"fieldscan/internal/logger"
	"fieldscan/internal/models"
	"fieldscan/internal/repository"
)

// GetInspectionsHandler returns a page of stored inspections, newest first,
// optionally narrowed to one municipality (?m=).
func GetInspectionsHandler(repo repository.InspectionRepository, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		page := atoiDefault(q.Get("page"), 1)
		limit := atoiDefault(q.Get("limit"), 24)

		filter := &models.InspectionFilter{
			MunicipalityID: q.Get("m"),
			Limit:          limit,
			Offset:         (page - 1) * limit,
		}

		recs, err := repo.GetAll(r.Context(), filter)
		if err != nil {
			writeError(w, logger, err)
			return
		}

		totalCount, err := repo.GetTotalCount(r.Context(), filter)
		if err != nil {
			logger.Error("Error counting inspections: %v", err)
			totalCount = len(recs)
		}

		infos := make([]dto.InspectionInfo, 0, len(recs))
		for _, rec := range recs {
			infos = append(infos, dto.NewInspectionInfo(rec, "/api/inspections/image?id="+url.QueryEscape(rec.ID)))
		}

		writeJSON(w, logger, http.StatusOK, dto.InspectionsPage{
			Inspections: infos,
			Length:      totalCount,
			TotalPages:  (totalCount + limit - 1) / limit,
			CurrentPage: page,
			Limit:       limit,
		})
	}
}

// ViewInspectionImageHandler serves the stored JPEG of the inspection named
// by the "id" query parameter.
func ViewInspectionImageHandler(repo repository.InspectionRepository, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec, ok := lookupInspection(w, r, repo, logger)
		if !ok {
			return
		}
		http.ServeFile(w, r, rec.ImagePath)
	}
}

// DeleteInspectionHandler removes a stored inspection and its image.
func DeleteInspectionHandler(repo repository.InspectionRepository, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete && r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		rec, ok := lookupInspection(w, r, repo, logger)
		if !ok {
			return
		}

		if err := repo.Delete(r.Context(), rec.ID); err != nil {
			writeError(w, logger, err)
			return
		}
		if err := os.Remove(rec.ImagePath); err != nil && !os.IsNotExist(err) {
			logger.Error("Failed to delete file %s: %v", rec.ImagePath, err)
		}

		logger.Info("Deleted inspection: %s", rec.ID)
		w.WriteHeader(http.StatusNoContent)
	}
}

func lookupInspection(w http.ResponseWriter, r *http.Request, repo repository.InspectionRepository, logger *logger.Logger) (*models.StoredInspection, bool) {
	id := r.URL.Query().Get("id")
	if id == "" {
		writeJSON(w, logger, http.StatusBadRequest, dto.ErrorResponse{Error: "id parameter is required"})
		return nil, false
	}
	rec, err := repo.GetByID(r.Context(), id)
	if err != nil {
		writeError(w, logger, err)
		return nil, false
	}
	if rec == nil {
		writeJSON(w, logger, http.StatusNotFound, dto.ErrorResponse{Error: "inspection not found"})
		return nil, false
	}
	return rec, true
}

// atoiDefault converts string to int or returns a default when conversion fails or value <= 0.
func atoiDefault(s string, def int) int {
	if v, err := strconv.Atoi(s); err == nil && v > 0 {
		return v
	}
	return def
}
