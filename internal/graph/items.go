package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"
)

// driveItemResponse mirrors the Graph API driveItem JSON exactly.
// Unexported: callers use Item via toItem() normalization.
type driveItemResponse struct {
	ID                   string               `json:"id"`
	Name                 string               `json:"name"`
	Size                 int64                `json:"size"`
	ETag                 string               `json:"eTag"`
	CTag                 string               `json:"cTag"`
	CreatedDateTime      string               `json:"createdDateTime"`
	LastModifiedDateTime string               `json:"lastModifiedDateTime"`
	ParentReference      *parentRef           `json:"parentReference"`
	File                 *fileFacet           `json:"file"`
	Folder               *folderFacet         `json:"folder"`
	FileSystemInfo       *fileSystemInfoFacet `json:"fileSystemInfo"`
	Deleted              *deletedFacet        `json:"deleted"`
	Root                 *json.RawMessage     `json:"root"`
	SpecialFolder        *specialFolderFacet  `json:"specialFolder"`
	Package              *packageFacet        `json:"package"`
	DownloadURL          string               `json:"@microsoft.graph.downloadUrl"`
}

type parentRef struct {
	ID      string `json:"id"`
	DriveID string `json:"driveId"`
	Path    string `json:"path"`
}

type fileFacet struct {
	MimeType string     `json:"mimeType"`
	Hashes   *hashFacet `json:"hashes"`
}

type hashFacet struct {
	SHA1Hash     string `json:"sha1Hash"`
	QuickXorHash string `json:"quickXorHash"`
}

type folderFacet struct {
	ChildCount int `json:"childCount"`
}

// fileSystemInfoFacet carries the client-side timestamps, which are more
// faithful to the original file than the service-side created/modified times.
type fileSystemInfoFacet struct {
	CreatedDateTime      string `json:"createdDateTime"`
	LastModifiedDateTime string `json:"lastModifiedDateTime"`
}

type deletedFacet struct {
	State string `json:"state"`
}

type specialFolderFacet struct {
	Name string `json:"name"`
}

type packageFacet struct {
	Type string `json:"type"`
}

type itemSetResponse struct {
	Value     []driveItemResponse `json:"value"`
	NextLink  string              `json:"@odata.nextLink"`
	DeltaLink string              `json:"@odata.deltaLink"`
}

type userProfileResponse struct {
	ID                string `json:"id"`
	DisplayName       string `json:"displayName"`
	UserPrincipalName string `json:"userPrincipalName"`
}

// toItem normalizes a Graph API driveItem response into an Item.
func (d *driveItemResponse) toItem(logger *slog.Logger) Item {
	item := Item{
		ID:          d.ID,
		Name:        d.Name,
		Size:        d.Size,
		ETag:        d.ETag,
		CTag:        d.CTag,
		IsFolder:    d.Folder != nil,
		IsFile:      d.File != nil,
		IsRoot:      d.Root != nil,
		DownloadURL: d.DownloadURL,
	}

	if d.ParentReference != nil {
		item.ParentID = d.ParentReference.ID
	}

	if d.File != nil && d.File.Hashes != nil {
		item.SHA1Hash = d.File.Hashes.SHA1Hash
	}

	// The deleted facet carries a state string; an empty state is not a
	// deletion marker.
	if d.Deleted != nil && strings.TrimSpace(d.Deleted.State) != "" {
		item.IsDeleted = true
	}

	if d.SpecialFolder != nil {
		item.SpecialFolder = d.SpecialFolder.Name
	}

	if d.Package != nil {
		item.PackageType = d.Package.Type
	}

	// Prefer the filesystem facet timestamps over the service-side ones.
	created, modified := d.CreatedDateTime, d.LastModifiedDateTime
	if d.FileSystemInfo != nil {
		if d.FileSystemInfo.CreatedDateTime != "" {
			created = d.FileSystemInfo.CreatedDateTime
		}

		if d.FileSystemInfo.LastModifiedDateTime != "" {
			modified = d.FileSystemInfo.LastModifiedDateTime
		}
	}

	item.CreatedAt = parseTimestamp(created, "createdDateTime", d.ID, logger)
	item.ModifiedAt = parseTimestamp(modified, "lastModifiedDateTime", d.ID, logger)

	return item
}

// parseTimestamp parses an RFC 3339 timestamp, returning the zero time (and
// logging) when the field is absent or malformed. Callers treat a zero time
// as "unset upstream".
func parseTimestamp(value, field, itemID string, logger *slog.Logger) time.Time {
	if value == "" {
		return time.Time{}
	}

	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		logger.Warn("unparseable item timestamp",
			slog.String("item_id", itemID),
			slog.String("field", field),
			slog.String("value", value),
		)

		return time.Time{}
	}

	return t.UTC()
}

// GetProfile fetches the signed-in user's profile. Issued at the start of
// every sync run: it cheaply forces a token refresh if the access token has
// expired, and lets the caller verify the account identity.
func (c *Client) GetProfile(ctx context.Context) (*UserProfile, error) {
	var pr userProfileResponse
	if err := c.getJSON(ctx, "/v1.0/me", &pr); err != nil {
		return nil, err
	}

	return &UserProfile{
		ID:                pr.ID,
		DisplayName:       pr.DisplayName,
		UserPrincipalName: pr.UserPrincipalName,
	}, nil
}

// GetItem fetches a single drive item by ID.
func (c *Client) GetItem(ctx context.Context, itemID string) (*Item, error) {
	var dr driveItemResponse
	if err := c.getJSON(ctx, "/v1.0/me/drive/items/"+url.PathEscape(itemID), &dr); err != nil {
		return nil, err
	}

	item := dr.toItem(c.logger)

	return &item, nil
}

// GetItemByPath fetches a drive item by its path relative to the drive root.
func (c *Client) GetItemByPath(ctx context.Context, path string) (*Item, error) {
	var dr driveItemResponse
	if err := c.getJSON(ctx, "/v1.0/me/drive/root:/"+encodePathSegments(strings.TrimPrefix(path, "/")), &dr); err != nil {
		return nil, err
	}

	item := dr.toItem(c.logger)

	return &item, nil
}

// ListChildren returns all children of a folder, following pagination links
// until exhausted.
func (c *Client) ListChildren(ctx context.Context, parentID string) ([]Item, error) {
	requestURL := "/v1.0/me/drive/items/" + url.PathEscape(parentID) + "/children"

	var items []Item

	for {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("graph: listing children canceled: %w", err)
		}

		var page itemSetResponse
		if err := c.getJSON(ctx, requestURL, &page); err != nil {
			return nil, err
		}

		for i := range page.Value {
			items = append(items, page.Value[i].toItem(c.logger))
		}

		if page.NextLink == "" {
			return items, nil
		}

		requestURL = page.NextLink
	}
}

// encodePathSegments URL-encodes each segment of a slash-separated path so
// characters like #, ?, %, and spaces are safe in Graph API URLs.
func encodePathSegments(path string) string {
	segments := strings.Split(path, "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}

	return strings.Join(segments, "/")
}
