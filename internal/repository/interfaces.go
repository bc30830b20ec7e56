package repository

import (
	"context"

	"fieldscan/internal/models"
)

// InspectionRepository defines the interface for inspection data operations.
type InspectionRepository interface {
	// Create operations
	Insert(ctx context.Context, rec *models.StoredInspection) error
	InsertBatch(ctx context.Context, recs []models.StoredInspection) error

	// Read operations
	GetByID(ctx context.Context, id string) (*models.StoredInspection, error)
	GetAll(ctx context.Context, filter *models.InspectionFilter) ([]models.StoredInspection, error)
	GetTotalCount(ctx context.Context, filter *models.InspectionFilter) (int, error)
	Exists(ctx context.Context, id string) (bool, error)

	// Delete operations
	Delete(ctx context.Context, id string) error
}
