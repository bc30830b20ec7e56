// Package main imports previously exported inspections (a JSON array, or an
// object with an "inspections" array) into the scanner database.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"

	"fieldscan/internal/config"
	"fieldscan/internal/logger"
	"fieldscan/internal/models"
	"fieldscan/internal/repository/sqlite"
	"fieldscan/internal/service/storage"
)

func main() {
	if err := newCLI().Run(os.Args); err != nil {
		log.Fatalf("Import failed: %v", err)
	}
}

func newCLI() *cli.App {
	return &cli.App{
		Name:      "migrate",
		Usage:     "import exported inspections into the database",
		ArgsUsage: "FILE",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "db", Usage: "database path (default from DB_PATH)"},
			&cli.StringFlag{Name: "images", Usage: "image directory (default from IMAGE_DIR)"},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return errors.New("expected exactly one export file")
			}
			cfg := config.Load()
			if c.IsSet("db") {
				cfg.DatabasePath = c.String("db")
			}
			if c.IsSet("images") {
				cfg.ImageDirectory = c.String("images")
			}
			imported, skipped, err := run(c.Context, cfg, c.Args().First())
			if err != nil {
				return err
			}
			fmt.Printf("Imported %d inspection(s), skipped %d\n", imported, skipped)
			return nil
		},
	}
}

func run(ctx context.Context, cfg *config.Config, path string) (imported, skipped int, err error) {
	inspections, err := readExport(path)
	if err != nil {
		return 0, 0, err
	}
	if len(inspections) == 0 {
		return 0, 0, nil
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DatabasePath), 0755); err != nil {
		return 0, 0, errors.Wrap(err, "creating database directory")
	}
	db, err := sqlite.New(cfg.DatabasePath)
	if err != nil {
		return 0, 0, err
	}
	defer func() {
		err = multierr.Append(err, db.Close())
	}()

	store := storage.NewInspectionStore(cfg.ImageDirectory, sqlite.NewInspectionRepository(db), logger.NewNop())
	return store.Import(ctx, inspections)
}

func readExport(path string) ([]models.Inspection, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", path)
	}

	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '{' {
		var doc struct {
			Inspections []models.Inspection `json:"inspections"`
		}
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, errors.Wrapf(err, "parsing %s", path)
		}
		return doc.Inspections, nil
	}

	var list []models.Inspection
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, errors.Wrapf(err, "parsing %s", path)
	}
	return list, nil
}
