// Package catalog persists the local mirror's authoritative state: every
// folder and file materialized on disk, the queue of staged remote changes
// awaiting application, and the delta cursor marking how far the remote
// change feed has been consumed.
package catalog

import "time"

// ItemType classifies a pending change by the kind of drive item it refers
// to. Undefined appears only transiently for items the feed could not
// classify; applying an Undefined change is an error.
type ItemType int

const (
	ItemTypeUndefined ItemType = iota
	ItemTypeFolder
	ItemTypeFile
)

func (t ItemType) String() string {
	switch t {
	case ItemTypeFolder:
		return "folder"
	case ItemTypeFile:
		return "file"
	default:
		return "undefined"
	}
}

// VaultFolderName is the catalog display name recorded for the drive's
// personal vault folder. The real name is never exposed by the service, and
// vault contents are cataloged but never written to disk.
const VaultFolderName = "[specialFolder:vault]"

// FolderItem is one mirrored directory. Exactly one row has an empty
// ParentID: the drive root, whose on-disk location is the sync source's
// configured root path rather than a directory named after it.
type FolderItem struct {
	RemoteID   string
	Name       string
	ETag       string
	ParentID   string // empty only for the root
	CreatedAt  time.Time
	ModifiedAt time.Time
	Deleted    bool
}

// FileItem is one mirrored file. While Deleted is false the on-disk bytes
// must match Size and SHA1Hash exactly.
type FileItem struct {
	RemoteID   string
	Name       string
	ETag       string
	CTag       string
	ParentID   string
	Size       int64
	SHA1Hash   string
	CreatedAt  time.Time
	ModifiedAt time.Time
	Deleted    bool
}

// PendingChange is one staged entry from the remote change feed, queued
// durably before application. SequenceID assigns apply order; the queue
// holds at most one row per RemoteID, with later feed entries overwriting
// earlier ones.
type PendingChange struct {
	SequenceID    int64
	RemoteID      string
	ItemType      ItemType
	Name          string
	ETag          string
	CTag          string
	ParentID      string
	Size          int64
	SHA1Hash      string
	CreatedAt     time.Time
	ModifiedAt    time.Time
	Deleted       bool
	SpecialFolder string // "root", "vault", another special-folder tag, or empty
}
