package catalog

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"golang.org/x/text/unicode/norm"
)

// maxFolderDepth bounds the parent walk so a corrupted catalog with a parent
// cycle fails instead of looping forever.
const maxFolderDepth = 64

// ErrFolderGraphCycle reports a parent chain that never reached the root.
var ErrFolderGraphCycle = errors.New("catalog: folder parent chain exceeds maximum depth")

// FolderPath resolves a folder's absolute on-disk path by walking parent
// links up to the root. The root folder contributes rootPath rather than its
// own name; every other segment is the folder's NFC-normalized name.
func FolderPath(ctx context.Context, q *Queries, rootPath, remoteID string) (string, error) {
	var segments []string

	id := remoteID
	for depth := 0; ; depth++ {
		if depth >= maxFolderDepth {
			return "", fmt.Errorf("resolving path of folder %s: %w", remoteID, ErrFolderGraphCycle)
		}

		folder, err := q.GetFolder(ctx, id)
		if err != nil {
			return "", err
		}

		if folder.ParentID == "" {
			break
		}

		segments = append(segments, norm.NFC.String(folder.Name))
		id = folder.ParentID
	}

	path := rootPath
	for i := len(segments) - 1; i >= 0; i-- {
		path = filepath.Join(path, segments[i])
	}

	return path, nil
}

// IsVaultDescendant reports whether the folder, or any of its ancestors, is
// the personal vault. Vault contents are cataloged but never materialized on
// disk.
func IsVaultDescendant(ctx context.Context, q *Queries, remoteID string) (bool, error) {
	id := remoteID
	for depth := 0; ; depth++ {
		if depth >= maxFolderDepth {
			return false, fmt.Errorf("walking ancestors of folder %s: %w", remoteID, ErrFolderGraphCycle)
		}

		folder, err := q.GetFolder(ctx, id)
		if err != nil {
			return false, err
		}

		if folder.Name == VaultFolderName {
			return true, nil
		}

		if folder.ParentID == "" {
			return false, nil
		}

		id = folder.ParentID
	}
}
