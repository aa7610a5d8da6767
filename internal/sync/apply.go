package sync

import (
	"context"
	"crypto/sha1"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/HighEncryption/Blueshift/internal/catalog"
	"github.com/HighEncryption/Blueshift/internal/config"
	"github.com/HighEncryption/Blueshift/internal/graph"
)

// ErrFolderRenameUnsupported is returned when a change renames an existing
// folder. Directory renames are not supported; the failure is loud so the
// operator can intervene instead of the mirror silently diverging.
var ErrFolderRenameUnsupported = errors.New("sync: folder rename is not supported")

// ErrLocalFileLarger is returned when a creation change targets a path where
// a noticeably larger local file already exists. Guards photos and videos
// against being silently truncated by a smaller remote version.
var ErrLocalFileLarger = errors.New("sync: existing local file is larger than remote version")

// sizeGuardSlack is how much larger (in bytes) a local .jpg/.mp4 must be
// than the remote version before creation aborts.
const sizeGuardSlack = 10240

// minValidTime is the oldest timestamp accepted from the remote service.
// Anything earlier is treated as unset upstream and not applied to disk.
var minValidTime = time.Date(1990, 1, 1, 0, 0, 0, 0, time.UTC)

// applyChanges runs the apply phase: pending changes are processed strictly
// in ascending sequence order, one transaction per change. A failure halts
// the run and leaves the failed change queued; it is never skipped, since
// later changes may depend on it.
func (m *Manager) applyChanges(
	ctx context.Context,
	client *graph.Client,
	store *catalog.Store,
	src *config.Source,
	logger *slog.Logger,
) error {
	total, err := store.Queries().CountPendingChanges(ctx)
	if err != nil {
		return err
	}

	for applied := int64(0); ; applied++ {
		change, err := store.Queries().FirstPendingChange(ctx)
		if errors.Is(err, catalog.ErrNotFound) {
			logger.Info("no more pending changes to apply")
			return nil
		} else if err != nil {
			return err
		}

		logger.Info("processing change",
			slog.Int64("sequence_id", change.SequenceID),
			slog.Int64("position", applied+1),
			slog.Int64("total", total),
			slog.String("item_id", change.RemoteID),
		)

		err = store.WithTx(ctx, func(q *catalog.Queries) error {
			if err := m.applyChange(ctx, client, q, src, change, logger); err != nil {
				return err
			}

			return q.DeletePendingChange(ctx, change.SequenceID)
		})
		if err != nil {
			return fmt.Errorf("applying change %d for item %s: %w",
				change.SequenceID, change.RemoteID, err)
		}
	}
}

func (m *Manager) applyChange(
	ctx context.Context,
	client *graph.Client,
	q *catalog.Queries,
	src *config.Source,
	change *catalog.PendingChange,
	logger *slog.Logger,
) error {
	// The parent must already be cataloged before any change to its
	// children, except for the root itself and for deletions of items whose
	// parent may already be gone.
	var parent *catalog.FolderItem

	if change.SpecialFolder != "root" {
		var err error

		parent, err = q.GetFolder(ctx, change.ParentID)
		if errors.Is(err, catalog.ErrNotFound) {
			if !change.Deleted {
				return fmt.Errorf("parent folder %s not found for item %s",
					change.ParentID, change.RemoteID)
			}

			parent = nil
		} else if err != nil {
			return err
		}
	}

	switch change.ItemType {
	case catalog.ItemTypeFolder:
		if change.SpecialFolder != "" {
			return m.applySpecialFolder(ctx, q, src, change, parent, logger)
		}

		return m.applyFolder(ctx, q, src, change, parent, logger)

	case catalog.ItemTypeFile:
		existing, err := q.GetFile(ctx, change.RemoteID)
		if errors.Is(err, catalog.ErrNotFound) {
			return m.applyFileCreate(ctx, client, q, src, change, parent, logger)
		} else if err != nil {
			return err
		}

		return m.applyFileUpdate(ctx, client, q, src, change, existing, parent, logger)

	default:
		return fmt.Errorf("%w: change %d", ErrUndeterminedItemType, change.SequenceID)
	}
}

func folderFromChange(change *catalog.PendingChange) *catalog.FolderItem {
	return &catalog.FolderItem{
		RemoteID:   change.RemoteID,
		Name:       change.Name,
		ETag:       change.ETag,
		ParentID:   change.ParentID,
		CreatedAt:  change.CreatedAt,
		ModifiedAt: change.ModifiedAt,
		Deleted:    change.Deleted,
	}
}

func (m *Manager) applyFolder(
	ctx context.Context,
	q *catalog.Queries,
	src *config.Source,
	change *catalog.PendingChange,
	parent *catalog.FolderItem,
	logger *slog.Logger,
) error {
	existing, err := q.GetFolder(ctx, change.RemoteID)
	if errors.Is(err, catalog.ErrNotFound) {
		existing = nil
	} else if err != nil {
		return err
	}

	if change.Deleted {
		if existing == nil {
			logger.Info("ignoring delete for folder not in catalog",
				slog.String("item_id", change.RemoteID))
			return nil
		}

		// Deletes are not propagated to disk; only the catalog records them.
		logger.Info("marking folder as deleted",
			slog.String("item_id", change.RemoteID))

		existing.Deleted = true
		existing.ETag = change.ETag

		return q.UpdateFolder(ctx, existing)
	}

	inVault, err := catalog.IsVaultDescendant(ctx, q, parent.RemoteID)
	if err != nil {
		return err
	}

	if inVault {
		// Names of vault contents are not exposed, so the remote id stands
		// in. Nothing is created on disk.
		if existing == nil {
			logger.Info("cataloging vault folder without materializing",
				slog.String("item_id", change.RemoteID))

			folder := folderFromChange(change)
			folder.Name = change.RemoteID

			return q.InsertFolder(ctx, folder)
		}

		logger.Info("ignoring change to vault folder",
			slog.String("item_id", change.RemoteID))

		return nil
	}

	if existing == nil {
		parentPath, err := catalog.FolderPath(ctx, q, src.RootPath, parent.RemoteID)
		if err != nil {
			return err
		}

		folderPath := filepath.Join(parentPath, norm.NFC.String(change.Name))

		if _, err := os.Stat(folderPath); err == nil {
			logger.Info("folder already exists on disk and will be re-used",
				slog.String("path", folderPath))
		} else if errors.Is(err, fs.ErrNotExist) {
			if err := os.Mkdir(folderPath, 0o755); err != nil {
				return fmt.Errorf("creating directory: %w", err)
			}

			logger.Info("created folder",
				slog.String("item_id", change.RemoteID),
				slog.String("path", folderPath))
		} else {
			return fmt.Errorf("checking directory %s: %w", folderPath, err)
		}

		restampTimes(folderPath, change.CreatedAt, change.ModifiedAt, logger)

		return q.InsertFolder(ctx, folderFromChange(change))
	}

	if existing.ETag == change.ETag {
		logger.Info("skipping change due to unchanged etag",
			slog.String("item_id", change.RemoteID),
			slog.String("etag", change.ETag))

		return nil
	}

	if existing.Name != change.Name {
		return fmt.Errorf("%w: folder %s: %q -> %q",
			ErrFolderRenameUnsupported, change.RemoteID, existing.Name, change.Name)
	}

	existing.ETag = change.ETag
	existing.CreatedAt = change.CreatedAt
	existing.ModifiedAt = change.ModifiedAt

	return q.UpdateFolder(ctx, existing)
}

func (m *Manager) applySpecialFolder(
	ctx context.Context,
	q *catalog.Queries,
	src *config.Source,
	change *catalog.PendingChange,
	parent *catalog.FolderItem,
	logger *slog.Logger,
) error {
	existing, err := q.GetFolder(ctx, change.RemoteID)
	if errors.Is(err, catalog.ErrNotFound) {
		existing = nil
	} else if err != nil {
		return err
	}

	switch {
	case change.SpecialFolder == "root":
		// The root is created once; subsequent changes to it are ignored.
		if existing != nil {
			logger.Info("ignoring change to root folder",
				slog.String("item_id", change.RemoteID))
			return nil
		}

		logger.Info("cataloging root folder",
			slog.String("item_id", change.RemoteID))

		folder := folderFromChange(change)
		folder.ParentID = ""

		return q.InsertFolder(ctx, folder)

	case strings.EqualFold(change.SpecialFolder, "vault"):
		// The vault is cataloged so changes within it can be recognized and
		// contained, but it is never created on disk.
		switch {
		case existing == nil && change.Deleted:
			logger.Info("ignoring delete for vault folder not in catalog",
				slog.String("item_id", change.RemoteID))
			return nil

		case existing == nil:
			logger.Info("cataloging vault folder",
				slog.String("item_id", change.RemoteID))

			folder := folderFromChange(change)
			folder.Name = catalog.VaultFolderName

			return q.InsertFolder(ctx, folder)

		case change.Deleted:
			logger.Info("marking vault folder as deleted",
				slog.String("item_id", change.RemoteID))

			existing.Deleted = true

			return q.UpdateFolder(ctx, existing)

		default:
			logger.Info("ignoring change to vault folder",
				slog.String("item_id", change.RemoteID))
			return nil
		}

	default:
		logger.Info("handling special folder as a regular folder",
			slog.String("special_folder", change.SpecialFolder))

		return m.applyFolder(ctx, q, src, change, parent, logger)
	}
}

func isJpgOrMp4(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".jpg" || ext == ".mp4"
}

func (m *Manager) applyFileCreate(
	ctx context.Context,
	client *graph.Client,
	q *catalog.Queries,
	src *config.Source,
	change *catalog.PendingChange,
	parent *catalog.FolderItem,
	logger *slog.Logger,
) error {
	if change.Deleted {
		logger.Info("ignoring delete for file not in catalog",
			slog.String("item_id", change.RemoteID))
		return nil
	}

	inVault, err := catalog.IsVaultDescendant(ctx, q, parent.RemoteID)
	if err != nil {
		return err
	}

	if inVault {
		logger.Info("cataloging vault file without materializing",
			slog.String("item_id", change.RemoteID))

		return q.InsertFile(ctx, &catalog.FileItem{
			RemoteID:   change.RemoteID,
			Name:       change.RemoteID,
			ETag:       change.ETag,
			CTag:       change.CTag,
			ParentID:   change.ParentID,
			Size:       change.Size,
			SHA1Hash:   change.SHA1Hash,
			CreatedAt:  change.CreatedAt,
			ModifiedAt: change.ModifiedAt,
		})
	}

	parentPath, err := catalog.FolderPath(ctx, q, src.RootPath, parent.RemoteID)
	if err != nil {
		return err
	}

	filePath := filepath.Join(parentPath, norm.NFC.String(change.Name))

	var (
		fileHash         string
		downloadRequired bool
	)

	info, statErr := os.Stat(filePath)

	switch {
	case errors.Is(statErr, fs.ErrNotExist):
		logger.Info("file not found on disk and will be downloaded",
			slog.String("item_id", change.RemoteID))

		downloadRequired = true

	case statErr != nil:
		return fmt.Errorf("checking file %s: %w", filePath, statErr)

	case info.Size() != change.Size:
		if info.Size() > change.Size &&
			isJpgOrMp4(change.Name) &&
			info.Size()-change.Size > sizeGuardSlack {
			return fmt.Errorf("%w: %s is %d bytes, remote version is %d",
				ErrLocalFileLarger, filePath, info.Size(), change.Size)
		}

		logger.Info("existing file size does not match remote, file will be downloaded",
			slog.Int64("local_size", info.Size()),
			slog.Int64("remote_size", change.Size))

		downloadRequired = true

	default:
		fileHash, err = hashFile(filePath)
		if err != nil {
			return err
		}

		if fileHash != change.SHA1Hash {
			logger.Info("existing file hash does not match remote, file will be downloaded",
				slog.String("local_hash", fileHash),
				slog.String("remote_hash", change.SHA1Hash))

			downloadRequired = true
		} else {
			logger.Info("existing file content matches remote, skipping download",
				slog.String("hash", fileHash))
		}
	}

	if downloadRequired {
		fileHash, _, err = m.writeFileFromChange(ctx, client, filePath, change, logger)
		if err != nil {
			return err
		}
	}

	restampTimes(filePath, change.CreatedAt, change.ModifiedAt, logger)

	if fileHash == "" {
		return fmt.Errorf("file hash unexpectedly empty for item %s", change.RemoteID)
	}

	return q.InsertFile(ctx, &catalog.FileItem{
		RemoteID:   change.RemoteID,
		Name:       change.Name,
		ETag:       change.ETag,
		CTag:       change.CTag,
		ParentID:   change.ParentID,
		Size:       change.Size,
		SHA1Hash:   fileHash,
		CreatedAt:  change.CreatedAt,
		ModifiedAt: change.ModifiedAt,
	})
}

func (m *Manager) applyFileUpdate(
	ctx context.Context,
	client *graph.Client,
	q *catalog.Queries,
	src *config.Source,
	change *catalog.PendingChange,
	existing *catalog.FileItem,
	parent *catalog.FolderItem,
	logger *slog.Logger,
) error {
	if change.Deleted {
		// The local copy stays; only the catalog records the deletion.
		logger.Info("marking file as deleted, disk content is left in place",
			slog.String("item_id", change.RemoteID))

		existing.Deleted = true
		existing.ETag = change.ETag

		return q.UpdateFile(ctx, existing)
	}

	if parent == nil {
		return fmt.Errorf("parent folder %s not found for item %s",
			change.ParentID, change.RemoteID)
	}

	inVault, err := catalog.IsVaultDescendant(ctx, q, existing.ParentID)
	if err != nil {
		return err
	}

	if inVault {
		// Vault contents never touch disk, so the update is recorded in
		// the catalog only. The remote id keeps standing in for the name.
		logger.Info("updating vault file in catalog only",
			slog.String("item_id", change.RemoteID))

		existing.ETag = change.ETag
		existing.CTag = change.CTag
		existing.Size = change.Size
		existing.SHA1Hash = change.SHA1Hash
		existing.ParentID = change.ParentID
		existing.CreatedAt = change.CreatedAt
		existing.ModifiedAt = change.ModifiedAt

		return q.UpdateFile(ctx, existing)
	}

	// The path is built from the catalog's current name and parent, since
	// the same change may also carry a rename or a move handled below.
	parentPath, err := catalog.FolderPath(ctx, q, src.RootPath, existing.ParentID)
	if err != nil {
		return err
	}

	filePath := filepath.Join(parentPath, norm.NFC.String(existing.Name))

	if existing.SHA1Hash == change.SHA1Hash && existing.Size == change.Size {
		logger.Info("file content unchanged, skipping download",
			slog.String("item_id", change.RemoteID),
			slog.String("hash", existing.SHA1Hash))
	} else {
		logger.Info("file content changed, downloading",
			slog.String("item_id", change.RemoteID),
			slog.String("catalog_hash", existing.SHA1Hash),
			slog.String("remote_hash", change.SHA1Hash))

		if _, _, err := m.writeFileFromChange(ctx, client, filePath, change, logger); err != nil {
			return err
		}

		existing.SHA1Hash = change.SHA1Hash
		existing.Size = change.Size
	}

	if existing.Name != change.Name || existing.ParentID != change.ParentID {
		newParentPath, err := catalog.FolderPath(ctx, q, src.RootPath, parent.RemoteID)
		if err != nil {
			return err
		}

		newPath := filepath.Join(newParentPath, norm.NFC.String(change.Name))

		logger.Info("renaming file",
			slog.String("item_id", change.RemoteID),
			slog.String("from", filePath),
			slog.String("to", newPath))

		if err := os.Rename(filePath, newPath); err != nil {
			return fmt.Errorf("moving file: %w", err)
		}

		existing.Name = change.Name
		existing.ParentID = change.ParentID
		filePath = newPath
	}

	if !existing.CreatedAt.Equal(change.CreatedAt) {
		if change.CreatedAt.Before(minValidTime) {
			logger.Warn("ignoring invalid created timestamp",
				slog.Time("value", change.CreatedAt))
		}

		existing.CreatedAt = change.CreatedAt
	}

	if !existing.ModifiedAt.Equal(change.ModifiedAt) {
		if change.ModifiedAt.Before(minValidTime) {
			logger.Warn("ignoring invalid modified timestamp",
				slog.Time("value", change.ModifiedAt))
		} else {
			restampTimes(filePath, change.CreatedAt, change.ModifiedAt, logger)
		}

		existing.ModifiedAt = change.ModifiedAt
	}

	existing.ETag = change.ETag
	existing.CTag = change.CTag

	return q.UpdateFile(ctx, existing)
}

// restampTimes applies the remote modification time to the path. Creation
// times are not settable on POSIX filesystems, so the modified time falls
// back to the created time when the remote omits it.
func restampTimes(path string, created, modified time.Time, logger *slog.Logger) {
	stamp := modified
	if stamp.IsZero() {
		stamp = created
	}

	if stamp.IsZero() || stamp.Before(minValidTime) {
		return
	}

	if err := os.Chtimes(path, stamp, stamp); err != nil {
		logger.Warn("failed to set file times",
			slog.String("path", path),
			slog.Any("error", err))
	}
}

// hashFile computes the uppercase hex SHA-1 of a file's contents.
func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening file for hashing: %w", err)
	}
	defer f.Close()

	h := sha1.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hashing file %s: %w", path, err)
	}

	return fmt.Sprintf("%X", h.Sum(nil)), nil
}
