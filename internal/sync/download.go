package sync

import (
	"context"
	"crypto/sha1"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/HighEncryption/Blueshift/internal/catalog"
	"github.com/HighEncryption/Blueshift/internal/graph"
)

// ErrHashMismatch is returned when downloaded content does not hash to the
// expected value and the mismatch cannot be explained by a stale change.
var ErrHashMismatch = errors.New("sync: downloaded content does not match expected hash")

// DownloadOutcome reports how a downloaded file's content was verified.
type DownloadOutcome int

const (
	// OutcomeVerified means the computed hash matched the change's hash.
	OutcomeVerified DownloadOutcome = iota

	// OutcomeUnverified means the change carried no expected hash, so
	// verification was skipped.
	OutcomeUnverified

	// OutcomeStaleRaceRecovered means the hash mismatched the change but
	// matched the item's current remote metadata: the item was updated again
	// after the feed entry was produced. The change's fields were refreshed
	// in place.
	OutcomeStaleRaceRecovered

	// OutcomeIntegrityFailure means the content could not be verified at
	// all. Always accompanied by an error.
	OutcomeIntegrityFailure
)

func (o DownloadOutcome) String() string {
	switch o {
	case OutcomeVerified:
		return "verified"
	case OutcomeUnverified:
		return "unverified"
	case OutcomeStaleRaceRecovered:
		return "stale-race-recovered"
	default:
		return "integrity-failure"
	}
}

// writeFileFromChange downloads the change's content to path and returns
// the computed uppercase hex SHA-1. The parent directory must already exist;
// a missing parent at this point means an earlier change was not applied,
// which is fatal.
//
// On a hash mismatch the item's current remote metadata is consulted once:
// if the item was updated after the change was staged and the downloaded
// content matches the item's current hash, the change is refreshed in place
// and the content accepted.
func (m *Manager) writeFileFromChange(
	ctx context.Context,
	client *graph.Client,
	path string,
	change *catalog.PendingChange,
	logger *slog.Logger,
) (string, DownloadOutcome, error) {
	dir := filepath.Dir(path)
	if info, err := os.Stat(dir); err != nil {
		return "", OutcomeIntegrityFailure, fmt.Errorf("parent directory %s does not exist: %w", dir, err)
	} else if !info.IsDir() {
		return "", OutcomeIntegrityFailure, fmt.Errorf("parent path %s is not a directory", dir)
	}

	var computed string

	if change.Size == 0 {
		logger.Info("creating zero-byte file", slog.String("path", path))

		if err := os.WriteFile(path, nil, 0o644); err != nil {
			return "", OutcomeIntegrityFailure, fmt.Errorf("writing zero-byte file: %w", err)
		}

		computed = fmt.Sprintf("%X", sha1.Sum(nil))
	} else {
		var err error

		computed, err = m.downloadTo(ctx, client, path, change, logger)
		if err != nil {
			return "", OutcomeIntegrityFailure, err
		}
	}

	if change.SHA1Hash == "" {
		logger.Info("no hash provided for file, verification skipped",
			slog.String("item_id", change.RemoteID))

		return computed, OutcomeUnverified, nil
	}

	if computed == change.SHA1Hash {
		return computed, OutcomeVerified, nil
	}

	logger.Info("hash mismatch, checking for updated item",
		slog.String("item_id", change.RemoteID),
		slog.String("computed", computed),
		slog.String("expected", change.SHA1Hash))

	item, err := client.GetItem(ctx, change.RemoteID)
	if err != nil {
		return "", OutcomeIntegrityFailure,
			fmt.Errorf("refetching item after hash mismatch: %w", err)
	}

	if item.ETag != change.ETag && computed == item.SHA1Hash {
		logger.Info("item was updated after the change was staged, using current metadata",
			slog.String("item_id", change.RemoteID))

		refreshed, err := pendingChangeFromItem(item)
		if err != nil {
			return "", OutcomeIntegrityFailure, err
		}

		if refreshed.ItemType != catalog.ItemTypeFile {
			return "", OutcomeIntegrityFailure,
				fmt.Errorf("item %s is no longer a file", change.RemoteID)
		}

		sequenceID := change.SequenceID
		*change = *refreshed
		change.SequenceID = sequenceID

		return computed, OutcomeStaleRaceRecovered, nil
	}

	return "", OutcomeIntegrityFailure, fmt.Errorf("%w: item %s: computed %s, expected %s",
		ErrHashMismatch, change.RemoteID, computed, change.SHA1Hash)
}

// downloadTo streams the item's content into the file at path, hashing as
// it goes.
func (m *Manager) downloadTo(
	ctx context.Context,
	client *graph.Client,
	path string,
	change *catalog.PendingChange,
	logger *slog.Logger,
) (string, error) {
	logger.Info("downloading file content",
		slog.String("item_id", change.RemoteID),
		slog.Int64("size", change.Size),
		slog.String("path", path))

	uri, err := client.GetDownloadURI(ctx, change.RemoteID)
	if err != nil {
		return "", fmt.Errorf("resolving download uri: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("creating file: %w", err)
	}

	start := time.Now()
	h := sha1.New()

	written, copyErr := io.Copy(f, io.TeeReader(client.NewFragmentReader(ctx, uri), h))

	closeErr := f.Close()

	if copyErr != nil {
		return "", fmt.Errorf("downloading content: %w", copyErr)
	}

	if closeErr != nil {
		return "", fmt.Errorf("closing file: %w", closeErr)
	}

	computed := fmt.Sprintf("%X", h.Sum(nil))

	logger.Info("wrote file content",
		slog.Int64("bytes", written),
		slog.Int64("elapsed_ms", time.Since(start).Milliseconds()),
		slog.String("hash", computed))

	return computed, nil
}
