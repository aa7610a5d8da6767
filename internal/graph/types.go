package graph

import "time"

// Item is a normalized drive item from the remote change feed or item
// endpoints. Fields are flattened from the wire facets; callers never see
// raw API data.
type Item struct {
	ID            string
	Name          string
	ETag          string
	CTag          string
	ParentID      string
	Size          int64
	SHA1Hash      string // hex, as reported by the service
	IsFolder      bool
	IsFile        bool
	IsDeleted     bool
	IsRoot        bool
	SpecialFolder string // e.g. "vault"; empty for ordinary items
	PackageType   string // pseudo-folder packages carry a type instead of a facet
	CreatedAt     time.Time
	ModifiedAt    time.Time
	DownloadURL   string // pre-authenticated, ephemeral; never log
}

// DeltaPage is one page of the delta feed.
type DeltaPage struct {
	Items     []Item
	NextLink  string // more pages follow
	DeltaLink string // terminal cursor, present only on the final page
}

// UserProfile identifies the signed-in account.
type UserProfile struct {
	ID                string
	DisplayName       string
	UserPrincipalName string
}
