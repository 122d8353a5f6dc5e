package template

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mattjoyce/migration-factory/internal/log"
	"github.com/mattjoyce/migration-factory/internal/store"
)

// Store is the template store access the importer needs.
type Store interface {
	Get(ctx context.Context, id string) (*store.Template, error)
	Put(ctx context.Context, t store.Template) error
}

// Report lists which templates were written and which were already current.
type Report struct {
	Imported  []string `json:"imported"`
	Unchanged []string `json:"unchanged"`
}

type Importer struct {
	store  Store
	logger *slog.Logger
}

func NewImporter(s Store, logger *slog.Logger) *Importer {
	if logger == nil {
		logger = log.WithComponent("template")
	}
	return &Importer{store: s, logger: logger}
}

// Import writes each template whose digest differs from the stored one.
// Pipelines already provisioned keep their expanded tasks.
func (im *Importer) Import(ctx context.Context, templates []store.Template) (Report, error) {
	report := Report{Imported: []string{}, Unchanged: []string{}}
	for _, t := range templates {
		if t.Digest == "" {
			digest, err := Digest(t)
			if err != nil {
				return report, err
			}
			t.Digest = digest
		}

		existing, err := im.store.Get(ctx, t.TemplateID)
		switch {
		case errors.Is(err, store.ErrNotFound):
		case err != nil:
			return report, fmt.Errorf("load template %q: %w", t.TemplateID, err)
		case existing.Digest == t.Digest:
			im.logger.Debug("template unchanged", "template_id", t.TemplateID)
			report.Unchanged = append(report.Unchanged, t.TemplateID)
			continue
		}

		if err := im.store.Put(ctx, t); err != nil {
			return report, fmt.Errorf("import template %q: %w", t.TemplateID, err)
		}
		im.logger.Info("template imported", "template_id", t.TemplateID, "tasks", len(t.Tasks), "digest", t.Digest)
		report.Imported = append(report.Imported, t.TemplateID)
	}
	return report, nil
}

// ImportPath loads templates from a file or directory and imports them.
func (im *Importer) ImportPath(ctx context.Context, path string) (Report, error) {
	templates, err := LoadPath(path)
	if err != nil {
		return Report{}, err
	}
	return im.Import(ctx, templates)
}
