package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/HighEncryption/Blueshift/internal/catalog"
	"github.com/HighEncryption/Blueshift/internal/config"
	"github.com/HighEncryption/Blueshift/internal/graph"
)

// ErrUndeterminedItemType is returned when a delta-feed entry carries
// neither a file nor a folder facet and no package type to fall back on.
var ErrUndeterminedItemType = errors.New("sync: unable to determine item type")

// fetchChanges runs the fetch phase: it reads the delta feed from the stored
// cursor, stages one pending change per remote item, and persists the new
// cursor. Everything happens inside one transaction so any failure,
// including cancellation, leaves the queue and cursor exactly as they were.
func (m *Manager) fetchChanges(
	ctx context.Context,
	client *graph.Client,
	store *catalog.Store,
	src *config.Source,
	logger *slog.Logger,
) error {
	logger.Info("fetching changes for source")

	return store.WithTx(ctx, func(q *catalog.Queries) error {
		cursor, err := q.Cursor(ctx, src.Name)
		if err != nil {
			return err
		}

		if cursor == "" {
			logger.Debug("requesting delta view with no stored cursor")
		} else {
			logger.Debug("requesting delta view from stored cursor")
		}

		items, deltaLink, err := client.DeltaAll(ctx, cursor, func(fetched int) {
			logger.Info("delta page received", slog.Int("items_so_far", fetched))
		})
		if err != nil {
			return fmt.Errorf("reading delta feed: %w", err)
		}

		for i := range items {
			change, err := pendingChangeFromItem(&items[i])
			if err != nil {
				return err
			}

			if err := q.UpsertPendingChange(ctx, change); err != nil {
				return err
			}
		}

		logger.Info("finished reading changes, saving cursor",
			slog.Int("items", len(items)),
		)

		return q.SaveCursor(ctx, src.Name, deltaLink)
	})
}

// pendingChangeFromItem translates one delta-feed item into its staged
// queue representation.
func pendingChangeFromItem(item *graph.Item) (*catalog.PendingChange, error) {
	change := &catalog.PendingChange{
		RemoteID:   item.ID,
		Name:       item.Name,
		ETag:       item.ETag,
		CTag:       item.CTag,
		ParentID:   item.ParentID,
		Size:       item.Size,
		SHA1Hash:   item.SHA1Hash,
		CreatedAt:  item.CreatedAt,
		ModifiedAt: item.ModifiedAt,
		Deleted:    item.IsDeleted,
	}

	if item.IsRoot {
		change.SpecialFolder = "root"
	} else if item.SpecialFolder != "" {
		change.SpecialFolder = item.SpecialFolder
	}

	switch {
	case item.IsFolder:
		change.ItemType = catalog.ItemTypeFolder
	case item.IsFile:
		change.ItemType = catalog.ItemTypeFile
	case item.PackageType != "":
		// Items need either the file or folder facet to be downloadable or
		// creatable. Packages (notebooks etc.) carry neither but behave as
		// folders.
		change.ItemType = catalog.ItemTypeFolder
	default:
		return nil, fmt.Errorf("%w: item %s", ErrUndeterminedItemType, item.ID)
	}

	return change, nil
}
