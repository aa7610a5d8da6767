package graph

import (
	"context"
	"fmt"
	"log/slog"
)

const deltaPath = "/v1.0/me/drive/root/delta"

// Delta fetches one page of delta results. With an empty link it starts a
// fresh enumeration from the drive root; otherwise link must be a nextLink
// or deltaLink returned by a previous call.
func (c *Client) Delta(ctx context.Context, link string) (*DeltaPage, error) {
	requestURL := deltaPath
	if link != "" {
		requestURL = link
	}

	var page itemSetResponse
	if err := c.getJSON(ctx, requestURL, &page); err != nil {
		return nil, err
	}

	result := &DeltaPage{
		Items:     make([]Item, 0, len(page.Value)),
		NextLink:  page.NextLink,
		DeltaLink: page.DeltaLink,
	}

	for i := range page.Value {
		result.Items = append(result.Items, page.Value[i].toItem(c.logger))
	}

	return result, nil
}

// DeltaAll follows delta pagination to completion, accumulating every item
// and returning the terminal deltaLink to resume from next time. progress,
// when non-nil, is invoked after each page with the cumulative item count.
func (c *Client) DeltaAll(ctx context.Context, link string, progress func(fetched int)) ([]Item, string, error) {
	var items []Item

	for {
		if err := ctx.Err(); err != nil {
			return nil, "", fmt.Errorf("graph: delta enumeration canceled: %w", err)
		}

		page, err := c.Delta(ctx, link)
		if err != nil {
			return nil, "", err
		}

		items = append(items, page.Items...)

		if progress != nil {
			progress(len(items))
		}

		c.logger.Debug("delta page fetched",
			slog.Int("page_items", len(page.Items)),
			slog.Int("total_items", len(items)),
			slog.Bool("final", page.NextLink == ""),
		)

		if page.NextLink == "" {
			if page.DeltaLink == "" {
				return nil, "", fmt.Errorf("graph: delta response carries neither nextLink nor deltaLink")
			}

			return items, page.DeltaLink, nil
		}

		link = page.NextLink
	}
}
