package sync

import (
	"context"
	"fmt"

	"github.com/HighEncryption/Blueshift/internal/catalog"
)

// SourceStatus summarizes one source's durable state.
type SourceStatus struct {
	Name      string `json:"name"`
	Disabled  bool   `json:"disabled"`
	Folders   int64  `json:"folders"`
	Files     int64  `json:"files"`
	Pending   int64  `json:"pending_changes"`
	HasCursor bool   `json:"has_cursor"`
}

// Status reports catalog counts and cursor presence for every source.
// Disabled sources are included so the output reflects the whole
// configuration.
func (m *Manager) Status(ctx context.Context) ([]SourceStatus, error) {
	statuses := make([]SourceStatus, 0, len(m.cfg.Sources))

	for i := range m.cfg.Sources {
		src := &m.cfg.Sources[i]

		status := SourceStatus{
			Name:     src.Name,
			Disabled: src.Disabled,
		}

		store, err := catalog.Open(m.cfg.DatabasePath(src), m.logger)
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", src.Name, err)
		}

		q := store.Queries()

		status.Folders, status.Files, status.Pending, err = q.Counts(ctx)
		if err == nil {
			var cursor string

			cursor, err = q.Cursor(ctx, src.Name)
			status.HasCursor = cursor != ""
		}

		store.Close()

		if err != nil {
			return nil, fmt.Errorf("source %s: %w", src.Name, err)
		}

		statuses = append(statuses, status)
	}

	return statuses, nil
}
