package sqlite

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"

	"fieldscan/internal/models"
)

const insertInspection = `
	INSERT INTO inspections (id, created_at, municipality_id, bottle, cup, utensils, fill_percent, liters_est, image_path, image_size)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`

const selectInspection = `
	SELECT id, created_at, municipality_id, bottle, cup, utensils, fill_percent, liters_est, image_path, image_size
	FROM inspections
`

// InspectionRepository implements repository.InspectionRepository for SQLite.
type InspectionRepository struct {
	db *DB
}

// NewInspectionRepository creates a new SQLite inspection repository.
func NewInspectionRepository(db *DB) *InspectionRepository {
	return &InspectionRepository{db: db}
}

func insertArgs(rec *models.StoredInspection) []interface{} {
	return []interface{}{
		rec.ID, rec.CreatedAt.UTC(), rec.MunicipalityID,
		rec.Counts.Bottle, rec.Counts.Cup, rec.Counts.Utensils,
		rec.FillPercent, rec.LitersEst, rec.ImagePath, rec.ImageSize,
	}
}

// Insert adds a new inspection record to the database.
func (r *InspectionRepository) Insert(ctx context.Context, rec *models.StoredInspection) error {
	r.db.Lock()
	defer r.db.Unlock()

	if _, err := r.db.Conn().ExecContext(ctx, insertInspection, insertArgs(rec)...); err != nil {
		return errors.Wrap(err, "failed to insert inspection")
	}
	return nil
}

// InsertBatch adds multiple inspections in a single transaction.
func (r *InspectionRepository) InsertBatch(ctx context.Context, recs []models.StoredInspection) error {
	r.db.Lock()
	defer r.db.Unlock()

	tx, err := r.db.Conn().BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, insertInspection)
	if err != nil {
		return errors.Wrap(err, "failed to prepare statement")
	}
	defer stmt.Close()

	for i := range recs {
		if _, err := stmt.ExecContext(ctx, insertArgs(&recs[i])...); err != nil {
			return errors.Wrapf(err, "failed to insert inspection %s", recs[i].ID)
		}
	}

	return tx.Commit()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanInspection(row scanner) (*models.StoredInspection, error) {
	var rec models.StoredInspection
	err := row.Scan(&rec.ID, &rec.CreatedAt, &rec.MunicipalityID,
		&rec.Counts.Bottle, &rec.Counts.Cup, &rec.Counts.Utensils,
		&rec.FillPercent, &rec.LitersEst, &rec.ImagePath, &rec.ImageSize)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// GetByID retrieves an inspection by its ID, or nil when absent.
func (r *InspectionRepository) GetByID(ctx context.Context, id string) (*models.StoredInspection, error) {
	r.db.RLock()
	defer r.db.RUnlock()

	rec, err := scanInspection(r.db.Conn().QueryRowContext(ctx, selectInspection+" WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get inspection")
	}
	return rec, nil
}

func whereClause(filter *models.InspectionFilter) (string, []interface{}) {
	query := " WHERE 1=1"
	args := []interface{}{}
	if filter != nil && filter.MunicipalityID != "" {
		query += " AND municipality_id = ?"
		args = append(args, filter.MunicipalityID)
	}
	return query, args
}

// GetAll retrieves inspections, newest first.
func (r *InspectionRepository) GetAll(ctx context.Context, filter *models.InspectionFilter) ([]models.StoredInspection, error) {
	r.db.RLock()
	defer r.db.RUnlock()

	where, args := whereClause(filter)
	query := selectInspection + where + " ORDER BY created_at DESC"

	if filter != nil && filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, filter.Offset)
		}
	}

	rows, err := r.db.Conn().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query inspections")
	}
	defer rows.Close()

	var out []models.StoredInspection
	for rows.Next() {
		rec, err := scanInspection(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan inspection")
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// GetTotalCount returns the number of inspections matching the filter.
func (r *InspectionRepository) GetTotalCount(ctx context.Context, filter *models.InspectionFilter) (int, error) {
	r.db.RLock()
	defer r.db.RUnlock()

	where, args := whereClause(filter)
	var count int
	if err := r.db.Conn().QueryRowContext(ctx, "SELECT COUNT(*) FROM inspections"+where, args...).Scan(&count); err != nil {
		return 0, errors.Wrap(err, "failed to count inspections")
	}
	return count, nil
}

// Exists checks if an inspection with the given ID exists.
func (r *InspectionRepository) Exists(ctx context.Context, id string) (bool, error) {
	r.db.RLock()
	defer r.db.RUnlock()

	var count int
	err := r.db.Conn().QueryRowContext(ctx, `SELECT COUNT(*) FROM inspections WHERE id = ?`, id).Scan(&count)
	if err != nil {
		return false, errors.Wrap(err, "failed to check inspection existence")
	}
	return count > 0, nil
}

// Delete removes an inspection by its ID.
func (r *InspectionRepository) Delete(ctx context.Context, id string) error {
	r.db.Lock()
	defer r.db.Unlock()

	if _, err := r.db.Conn().ExecContext(ctx, `DELETE FROM inspections WHERE id = ?`, id); err != nil {
		return errors.Wrap(err, "failed to delete inspection")
	}
	return nil
}
