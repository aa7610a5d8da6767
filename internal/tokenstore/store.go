package tokenstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
)

// ErrNotFound is returned by Load when no token file exists at the path.
// Callers distinguish "never signed in" from a corrupt or unreadable file.
var ErrNotFound = errors.New("tokenstore: token file not found")

// FilePerms restricts token files to owner-only read/write.
const FilePerms = 0o600

// DirPerms is used when creating the token directory.
const DirPerms = 0o700

// Store loads and saves token pairs.
type Store interface {
	Load(path string) (*TokenPair, error)
	Save(path string, pair *TokenPair) error
}

// FileStore persists token pairs as JSON files, protecting the token values
// at rest via the injected Protector.
type FileStore struct {
	protector Protector
	logger    *slog.Logger
}

// NewFileStore creates a FileStore with the given protection scheme.
func NewFileStore(protector Protector, logger *slog.Logger) *FileStore {
	if logger == nil {
		logger = slog.Default()
	}

	return &FileStore{protector: protector, logger: logger}
}

// Load reads the token file at path and returns the pair with plaintext
// token values. A plaintext file found on disk (is_encrypted false) is
// immediately re-saved protected before use.
func (s *FileStore) Load(path string) (*TokenPair, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}

	if err != nil {
		return nil, fmt.Errorf("tokenstore: reading %s: %w", path, err)
	}

	var pair TokenPair
	if err := json.Unmarshal(data, &pair); err != nil {
		return nil, fmt.Errorf("tokenstore: decoding %s: %w", path, err)
	}

	if !pair.IsEncrypted {
		s.logger.Warn("token file was stored in plaintext, re-saving protected",
			slog.String("path", path),
		)

		if err := s.Save(path, &pair); err != nil {
			return nil, err
		}

		return &pair, nil
	}

	if err := s.unprotect(&pair); err != nil {
		return nil, err
	}

	return &pair, nil
}

// Save protects the token values and writes the file atomically
// (write-to-temp + rename) with 0600 permissions. The caller's pair is not
// mutated; protection is applied to a copy.
func (s *FileStore) Save(path string, pair *TokenPair) error {
	protected := pair.Clone()
	if err := s.protect(protected); err != nil {
		return err
	}

	data, err := json.MarshalIndent(protected, "", "  ")
	if err != nil {
		return fmt.Errorf("tokenstore: encoding: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, DirPerms); err != nil {
		return fmt.Errorf("tokenstore: creating directory %s: %w", dir, err)
	}

	// Temp file in the same directory guarantees same filesystem for rename(2).
	tmp, err := os.CreateTemp(dir, ".token-*.tmp")
	if err != nil {
		return fmt.Errorf("tokenstore: creating temp file: %w", err)
	}

	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = os.Remove(tmpPath)
		}
	}()

	if err := os.Chmod(tmpPath, FilePerms); err != nil {
		tmp.Close()
		return fmt.Errorf("tokenstore: setting permissions: %w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("tokenstore: writing: %w", err)
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("tokenstore: syncing: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("tokenstore: closing: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("tokenstore: renaming: %w", err)
	}

	success = true

	return nil
}

func (s *FileStore) protect(pair *TokenPair) error {
	if pair.IsEncrypted {
		return nil
	}

	access, err := s.protector.Protect(pair.AccessToken)
	if err != nil {
		return err
	}

	refresh, err := s.protector.Protect(pair.RefreshToken)
	if err != nil {
		return err
	}

	pair.AccessToken = access
	pair.RefreshToken = refresh
	pair.IsEncrypted = true

	return nil
}

func (s *FileStore) unprotect(pair *TokenPair) error {
	if !pair.IsEncrypted {
		return nil
	}

	access, err := s.protector.Unprotect(pair.AccessToken)
	if err != nil {
		return err
	}

	refresh, err := s.protector.Unprotect(pair.RefreshToken)
	if err != nil {
		return err
	}

	pair.AccessToken = access
	pair.RefreshToken = refresh
	pair.IsEncrypted = false

	return nil
}
