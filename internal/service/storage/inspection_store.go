package storage

import (
	"context"
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"fieldscan/internal/logger"
	"fieldscan/internal/models"
	"fieldscan/internal/repository"
)

// InspectionStore persists finalized inspections: the anonymized JPEG goes
// to the image directory, the record to the repository.
type InspectionStore struct {
	imagesDir string
	repo      repository.InspectionRepository
	logger    *logger.Logger
}

// NewInspectionStore creates a store writing images under imagesDir.
func NewInspectionStore(imagesDir string, repo repository.InspectionRepository, logger *logger.Logger) *InspectionStore {
	return &InspectionStore{imagesDir: imagesDir, repo: repo, logger: logger}
}

// Save writes the image and inserts the record. If the insert fails the
// image file is removed again.
func (s *InspectionStore) Save(ctx context.Context, inspection models.Inspection) error {
	if err := inspection.Validate(); err != nil {
		return err
	}

	rec, err := s.writeImage(inspection)
	if err != nil {
		return err
	}
	if err := s.repo.Insert(ctx, rec); err != nil {
		return multierr.Append(err, os.Remove(rec.ImagePath))
	}

	s.logger.Info("Saved inspection %s (%d bytes)", rec.ID, rec.ImageSize)
	return nil
}

// Import stores previously exported inspections in one transaction. Records
// whose id already exists are skipped.
func (s *InspectionStore) Import(ctx context.Context, inspections []models.Inspection) (imported, skipped int, err error) {
	var recs []models.StoredInspection
	for _, inspection := range inspections {
		exists, err := s.repo.Exists(ctx, inspection.ID)
		if err != nil {
			return 0, 0, err
		}
		if exists {
			skipped++
			continue
		}
		if err := inspection.Validate(); err != nil {
			s.logger.Warning("Skipping inspection %s: %v", inspection.ID, err)
			skipped++
			continue
		}

		rec, err := s.writeImage(inspection)
		if err != nil {
			return 0, 0, multierr.Append(err, removeImages(recs))
		}
		recs = append(recs, *rec)
	}

	if len(recs) == 0 {
		return 0, skipped, nil
	}
	if err := s.repo.InsertBatch(ctx, recs); err != nil {
		return 0, 0, multierr.Append(err, removeImages(recs))
	}

	s.logger.Info("Imported %d inspection(s), skipped %d", len(recs), skipped)
	return len(recs), skipped, nil
}

func (s *InspectionStore) writeImage(inspection models.Inspection) (*models.StoredInspection, error) {
	data, ext, err := DecodeDataURL(inspection.ImageAnonymizedDataURL)
	if err != nil {
		return nil, errors.Wrapf(err, "inspection %s", inspection.ID)
	}

	if err := os.MkdirAll(s.imagesDir, 0755); err != nil {
		return nil, errors.Wrap(err, "creating image directory")
	}

	filename := filepath.Base(inspection.ID) + ext
	fullpath := filepath.Join(s.imagesDir, filename)
	if err := os.WriteFile(fullpath, data, 0644); err != nil {
		return nil, errors.Wrapf(err, "saving image %s", filename)
	}

	stored := inspection
	stored.ImageAnonymizedDataURL = ""
	return &models.StoredInspection{
		Inspection: stored,
		ImagePath:  fullpath,
		ImageSize:  int64(len(data)),
	}, nil
}

func removeImages(recs []models.StoredInspection) error {
	var err error
	for _, rec := range recs {
		err = multierr.Append(err, os.Remove(rec.ImagePath))
	}
	return err
}

// DecodeDataURL returns the payload of a base64 image data URL and the file
// extension matching its media type.
func DecodeDataURL(url string) ([]byte, string, error) {
	header, payload, ok := strings.Cut(url, ",")
	if !ok || !strings.HasPrefix(header, "data:image/") || !strings.HasSuffix(header, ";base64") {
		return nil, "", errors.New("not a base64 image data url")
	}

	ext := ".jpg"
	switch strings.TrimSuffix(strings.TrimPrefix(header, "data:image/"), ";base64") {
	case "jpeg", "jpg":
	case "png":
		ext = ".png"
	case "webp":
		ext = ".webp"
	default:
		return nil, "", errors.Errorf("unsupported image type in %q", header)
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, "", errors.Wrap(err, "decoding image payload")
	}
	if len(data) == 0 {
		return nil, "", errors.New("empty image payload")
	}
	return data, ext, nil
}
