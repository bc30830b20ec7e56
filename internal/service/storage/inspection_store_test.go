package storage

import (
	"context"
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"

	"fieldscan/internal/logger"
	"fieldscan/internal/models"
	"fieldscan/internal/repository/sqlite"
)

var jpegBytes = []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10, 0xFF, 0xD9}

func dataURL(b []byte) string {
	return "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(b)
}

func newStore(t *testing.T) (*InspectionStore, *sqlite.InspectionRepository, string) {
	t.Helper()
	dir := t.TempDir()
	db, err := sqlite.New(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	repo := sqlite.NewInspectionRepository(db)
	images := filepath.Join(dir, "images")
	return NewInspectionStore(images, repo, logger.NewNop()), repo, images
}

func inspection(id string) models.Inspection {
	return models.Inspection{
		ID:                     id,
		CreatedAt:              time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC),
		MunicipalityID:         "demo-miami",
		Counts:                 models.ClassTally{Bottle: 1},
		FillPercent:            50,
		LitersEst:              60,
		ImageAnonymizedDataURL: dataURL(jpegBytes),
	}
}

func TestInspectionStore_Save(t *testing.T) {
	store, repo, images := newStore(t)
	ctx := context.Background()

	if err := store.Save(ctx, inspection("abc")); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(images, "abc.jpg"))
	if err != nil {
		t.Fatalf("Expected image file: %v", err)
	}
	if string(data) != string(jpegBytes) {
		t.Error("Image file content mismatch")
	}

	rec, err := repo.GetByID(ctx, "abc")
	if err != nil || rec == nil {
		t.Fatalf("Expected stored record (%v)", err)
	}
	if rec.ImageSize != int64(len(jpegBytes)) || rec.LitersEst != 60 {
		t.Errorf("Unexpected record %+v", rec)
	}
}

func TestInspectionStore_SaveFailureRemovesImage(t *testing.T) {
	store, _, images := newStore(t)
	ctx := context.Background()

	if err := store.Save(ctx, inspection("dup")); err != nil {
		t.Fatal(err)
	}
	os.Remove(filepath.Join(images, "dup.jpg"))

	if err := store.Save(ctx, inspection("dup")); err == nil {
		t.Fatal("Expected duplicate insert to fail")
	}
	if _, err := os.Stat(filepath.Join(images, "dup.jpg")); !os.IsNotExist(err) {
		t.Error("Expected the orphaned image to be removed")
	}
}

func TestInspectionStore_SaveRejectsInvalid(t *testing.T) {
	store, _, _ := newStore(t)
	bad := inspection("x")
	bad.ImageAnonymizedDataURL = "https://example.com/raw.jpg"

	if err := store.Save(context.Background(), bad); !errors.Is(err, models.ErrInvalidInspection) {
		t.Errorf("Expected ErrInvalidInspection, got %v", err)
	}
}

func TestInspectionStore_Import(t *testing.T) {
	store, repo, _ := newStore(t)
	ctx := context.Background()

	if err := store.Save(ctx, inspection("existing")); err != nil {
		t.Fatal(err)
	}

	invalid := inspection("invalid")
	invalid.FillPercent = 300

	imported, skipped, err := store.Import(ctx, []models.Inspection{
		inspection("existing"),
		inspection("new-1"),
		inspection("new-2"),
		invalid,
	})
	if err != nil {
		t.Fatalf("Import failed: %v", err)
	}
	if imported != 2 || skipped != 2 {
		t.Errorf("Expected 2 imported and 2 skipped, got %d/%d", imported, skipped)
	}
	if count, _ := repo.GetTotalCount(ctx, nil); count != 3 {
		t.Errorf("Expected 3 rows, got %d", count)
	}
}

func TestDecodeDataURL(t *testing.T) {
	tests := []struct {
		url     string
		ext     string
		wantErr bool
	}{
		{dataURL(jpegBytes), ".jpg", false},
		{"data:image/png;base64," + base64.StdEncoding.EncodeToString([]byte{1}), ".png", false},
		{"data:image/jpeg;base64,", "", true},
		{"data:image/jpeg;base64,***", "", true},
		{"data:text/plain;base64,aGk=", "", true},
		{"data:image/gif;base64,aGk=", "", true},
		{"no comma", "", true},
	}

	for _, tt := range tests {
		_, ext, err := DecodeDataURL(tt.url)
		if (err != nil) != tt.wantErr {
			t.Errorf("DecodeDataURL(%.30q) error = %v, wantErr %v", tt.url, err, tt.wantErr)
			continue
		}
		if ext != tt.ext {
			t.Errorf("DecodeDataURL(%.30q) ext = %q, expected %q", tt.url, ext, tt.ext)
		}
	}
}
