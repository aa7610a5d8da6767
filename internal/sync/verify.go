package sync

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/text/unicode/norm"

	"github.com/HighEncryption/Blueshift/internal/catalog"
)

const defaultVerifyParallelism = 4

// VerifyProblem describes one divergence between the catalog and the mirror
// on disk.
type VerifyProblem struct {
	Source   string `json:"source"`
	RemoteID string `json:"remote_id"`
	Path     string `json:"path"`
	Reason   string `json:"reason"`
}

// Verify re-checks the mirror invariant for every enabled source: each
// non-deleted cataloged file must exist on disk with matching size and SHA-1
// hash. Hashing runs with bounded parallelism; the returned problems are
// sorted by path.
func (m *Manager) Verify(ctx context.Context, parallelism int) ([]VerifyProblem, error) {
	if parallelism <= 0 {
		parallelism = defaultVerifyParallelism
	}

	var problems []VerifyProblem

	for i := range m.cfg.Sources {
		src := &m.cfg.Sources[i]
		if src.Disabled {
			continue
		}

		logger := m.logger.With(slog.String("source", src.Name))

		store, err := catalog.Open(m.cfg.DatabasePath(src), logger)
		if err != nil {
			return nil, err
		}

		sourceProblems, err := verifyMirror(ctx, store, src.Name, src.RootPath, parallelism, logger)

		store.Close()

		if err != nil {
			return nil, fmt.Errorf("source %s: %w", src.Name, err)
		}

		problems = append(problems, sourceProblems...)
	}

	return problems, nil
}

func verifyMirror(
	ctx context.Context,
	store *catalog.Store,
	sourceName string,
	rootPath string,
	parallelism int,
	logger *slog.Logger,
) ([]VerifyProblem, error) {
	q := store.Queries()

	var problems []VerifyProblem

	// Folder checks are cheap stats, done inline before the files.
	folders, err := q.ListFolders(ctx)
	if err != nil {
		return nil, err
	}

	for i := range folders {
		folder := folders[i]
		if folder.Deleted || folder.ParentID == "" {
			continue
		}

		inVault, err := catalog.IsVaultDescendant(ctx, q, folder.RemoteID)
		if err != nil {
			return nil, err
		}

		if inVault {
			continue
		}

		path, err := catalog.FolderPath(ctx, q, rootPath, folder.RemoteID)
		if err != nil {
			return nil, err
		}

		info, err := os.Stat(path)
		if errors.Is(err, fs.ErrNotExist) {
			problems = append(problems, VerifyProblem{
				Source:   sourceName,
				RemoteID: folder.RemoteID,
				Path:     path,
				Reason:   "folder missing from disk",
			})

			continue
		} else if err != nil {
			return nil, fmt.Errorf("checking %s: %w", path, err)
		}

		if !info.IsDir() {
			problems = append(problems, VerifyProblem{
				Source:   sourceName,
				RemoteID: folder.RemoteID,
				Path:     path,
				Reason:   "path exists but is not a directory",
			})
		}
	}

	files, err := q.ListFiles(ctx)
	if err != nil {
		return nil, err
	}

	// Path resolution walks the folder graph, so it stays sequential; only
	// the hashing is parallelized.
	type candidate struct {
		file catalog.FileItem
		path string
	}

	var candidates []candidate

	for i := range files {
		file := files[i]
		if file.Deleted {
			continue
		}

		inVault, err := catalog.IsVaultDescendant(ctx, q, file.ParentID)
		if err != nil {
			return nil, err
		}

		if inVault {
			continue
		}

		parentPath, err := catalog.FolderPath(ctx, q, rootPath, file.ParentID)
		if err != nil {
			return nil, err
		}

		candidates = append(candidates, candidate{
			file: file,
			path: filepath.Join(parentPath, norm.NFC.String(file.Name)),
		})
	}

	logger.Info("verifying mirrored files", slog.Int("count", len(candidates)))

	var mu sync.Mutex

	report := func(file *catalog.FileItem, path, reason string) {
		mu.Lock()
		defer mu.Unlock()

		problems = append(problems, VerifyProblem{
			Source:   sourceName,
			RemoteID: file.RemoteID,
			Path:     path,
			Reason:   reason,
		})
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelism)

	for i := range candidates {
		c := &candidates[i]

		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}

			info, err := os.Stat(c.path)
			if errors.Is(err, fs.ErrNotExist) {
				report(&c.file, c.path, "file missing from disk")
				return nil
			} else if err != nil {
				return fmt.Errorf("checking %s: %w", c.path, err)
			}

			if info.Size() != c.file.Size {
				report(&c.file, c.path, fmt.Sprintf("size mismatch: disk %d, catalog %d",
					info.Size(), c.file.Size))
				return nil
			}

			// The catalog hash can be empty when the remote never provided
			// one; nothing to compare against.
			if c.file.SHA1Hash == "" {
				return nil
			}

			hash, err := hashFile(c.path)
			if err != nil {
				return err
			}

			if hash != c.file.SHA1Hash {
				report(&c.file, c.path, fmt.Sprintf("hash mismatch: disk %s, catalog %s",
					hash, c.file.SHA1Hash))
			}

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(problems, func(i, j int) bool {
		return problems[i].Path < problems[j].Path
	})

	return problems, nil
}
