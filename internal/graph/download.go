package graph

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
)

// FragmentLength is the size of each ranged download request. Large files
// are pulled in fixed 10 MiB fragments so a dropped connection costs at most
// one fragment.
const FragmentLength int64 = 10 * 1024 * 1024

// GetDownloadURI resolves an item's pre-authenticated download URL. The
// content endpoint answers with a 302 whose Location points at a short-lived
// CDN URL; the redirect is captured rather than followed so the fragment
// reader can issue its own ranged requests against it.
func (c *Client) GetDownloadURI(ctx context.Context, itemID string) (string, error) {
	resp, err := c.DoNoRedirect(ctx, http.MethodGet, "/v1.0/me/drive/items/"+itemID+"/content", nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 300 || resp.StatusCode > 399 {
		return "", readGraphError(resp)
	}

	location := resp.Header.Get("Location")
	if location == "" {
		return "", fmt.Errorf("graph: content endpoint redirect carries no Location header")
	}

	return location, nil
}

// Fragment is one ranged slice of a file download.
type Fragment struct {
	Data  []byte
	From  int64
	To    int64
	Total int64
	Last  bool
}

// DownloadFragment fetches one fragment of a pre-authenticated download URL.
// The URL embeds its own authorization, so no bearer token is attached.
// fragmentIndex selects the byte range [index*FragmentLength,
// (index+1)*FragmentLength-1]; the server truncates the final fragment.
func (c *Client) DownloadFragment(ctx context.Context, downloadURL string, fragmentIndex int64) (*Fragment, error) {
	from := fragmentIndex * FragmentLength
	to := from + FragmentLength - 1

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
	if err != nil {
		return nil, fmt.Errorf("graph: building fragment request: %w", err)
	}

	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", from, to))
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("graph: fragment request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusPartialContent && resp.StatusCode != http.StatusOK {
		return nil, readGraphError(resp)
	}

	gotFrom, gotTo, total, err := parseContentRange(resp.Header.Get("Content-Range"))
	if err != nil {
		return nil, err
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("graph: reading fragment body: %w", err)
	}

	if int64(len(data)) != gotTo-gotFrom+1 {
		return nil, fmt.Errorf("graph: fragment body is %d bytes, Content-Range promised %d",
			len(data), gotTo-gotFrom+1)
	}

	return &Fragment{
		Data:  data,
		From:  gotFrom,
		To:    gotTo,
		Total: total,
		Last:  gotTo == total-1,
	}, nil
}

// parseContentRange parses a "bytes from-to/total" header value.
func parseContentRange(value string) (from, to, total int64, err error) {
	const prefix = "bytes "

	if !strings.HasPrefix(value, prefix) {
		return 0, 0, 0, fmt.Errorf("graph: unparseable Content-Range %q", value)
	}

	rangePart, totalPart, ok := strings.Cut(strings.TrimPrefix(value, prefix), "/")
	if !ok {
		return 0, 0, 0, fmt.Errorf("graph: unparseable Content-Range %q", value)
	}

	fromPart, toPart, ok := strings.Cut(rangePart, "-")
	if !ok {
		return 0, 0, 0, fmt.Errorf("graph: unparseable Content-Range %q", value)
	}

	if from, err = strconv.ParseInt(fromPart, 10, 64); err != nil {
		return 0, 0, 0, fmt.Errorf("graph: unparseable Content-Range %q", value)
	}

	if to, err = strconv.ParseInt(toPart, 10, 64); err != nil {
		return 0, 0, 0, fmt.Errorf("graph: unparseable Content-Range %q", value)
	}

	if total, err = strconv.ParseInt(totalPart, 10, 64); err != nil {
		return 0, 0, 0, fmt.Errorf("graph: unparseable Content-Range %q", value)
	}

	return from, to, total, nil
}

// FragmentReader exposes a fragmented download as an io.Reader so hashing
// and file writing can stream through standard copy primitives.
type FragmentReader struct {
	ctx         context.Context
	client      *Client
	downloadURL string

	fragmentIndex int64
	buf           []byte
	done          bool
}

// NewFragmentReader returns a reader that streams the content behind a
// pre-authenticated download URL fragment by fragment.
func (c *Client) NewFragmentReader(ctx context.Context, downloadURL string) *FragmentReader {
	return &FragmentReader{
		ctx:         ctx,
		client:      c,
		downloadURL: downloadURL,
	}
}

func (r *FragmentReader) Read(p []byte) (int, error) {
	if len(r.buf) == 0 {
		if r.done {
			return 0, io.EOF
		}

		if err := r.ctx.Err(); err != nil {
			return 0, fmt.Errorf("graph: download canceled: %w", err)
		}

		frag, err := r.client.DownloadFragment(r.ctx, r.downloadURL, r.fragmentIndex)
		if err != nil {
			return 0, err
		}

		r.client.logger.Debug("fragment downloaded",
			slog.Int64("from", frag.From),
			slog.Int64("to", frag.To),
			slog.Int64("total", frag.Total),
		)

		r.buf = frag.Data
		r.fragmentIndex++
		r.done = frag.Last

		// A zero-byte file yields an empty fragment on some servers.
		if len(r.buf) == 0 {
			return 0, io.EOF
		}
	}

	n := copy(p, r.buf)
	r.buf = r.buf[n:]

	return n, nil
}
