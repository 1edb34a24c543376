package webclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"

	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"
)

// Page styles understood by GetPaginated.
const (
	styleSingle  = "single"
	styleDRF     = "drf"     // {"count", "next", "results"}
	styleForeman = "foreman" // {"subtotal", "page", "per_page", "results"}
	styleKube    = "kube"    // {"metadata": {"continue"}, "items"}
)

// GetPaginated returns the items of every page of path in original order.
// When the first page tells the total, the remaining pages are fetched in
// parallel with at most maxConcurrency requests in flight. Otherwise the
// `next` or `continue` cursors are followed one by one.
func (c *Client) GetPaginated(ctx context.Context, path string, query url.Values, maxConcurrency int) ([]json.RawMessage, error) {
	if maxConcurrency <= 0 {
		maxConcurrency = 1
	}
	first, err := c.Get(ctx, path, query)
	if err != nil {
		return nil, err
	}
	if !gjson.ValidBytes(first) {
		return nil, fmt.Errorf("%s: response is not JSON", path)
	}
	doc := gjson.ParseBytes(first)

	switch pageStyle(doc) {
	case styleDRF:
		return c.drf(ctx, path, query, doc, maxConcurrency)
	case styleForeman:
		return c.foreman(ctx, path, query, doc, maxConcurrency)
	case styleKube:
		return c.kube(ctx, path, query, doc)
	default:
		if doc.IsArray() {
			return items(doc), nil
		}
		return []json.RawMessage{json.RawMessage(doc.Raw)}, nil
	}
}

func pageStyle(doc gjson.Result) string {
	switch {
	case doc.Get("results").IsArray() && doc.Get("subtotal").Exists() && doc.Get("per_page").Exists():
		return styleForeman
	case doc.Get("results").IsArray() && (doc.Get("next").Exists() || doc.Get("count").Exists()):
		return styleDRF
	case doc.Get("items").IsArray() && doc.Get("metadata").IsObject():
		return styleKube
	default:
		return styleSingle
	}
}

func items(arr gjson.Result) []json.RawMessage {
	var ret []json.RawMessage
	arr.ForEach(func(_, v gjson.Result) bool {
		ret = append(ret, json.RawMessage(v.Raw))
		return true
	})
	return ret
}

func (c *Client) drf(ctx context.Context, path string, query url.Values, first gjson.Result, maxConcurrency int) ([]json.RawMessage, error) {
	ret := items(first.Get("results"))
	next := first.Get("next")
	if next.Type == gjson.Null || next.String() == "" {
		return ret, nil
	}

	count := int(first.Get("count").Int())
	size := len(ret)
	if count > 0 && size > 0 {
		pages := (count + size - 1) / size
		rest, err := c.pages(ctx, path, query, 2, pages, "page", nil, maxConcurrency, "results")
		if err != nil {
			return nil, err
		}
		return append(ret, rest...), nil
	}

	// no total, follow cursors
	for next.Type != gjson.Null && next.String() != "" {
		b, err := c.Get(ctx, next.String(), nil)
		if err != nil {
			return nil, err
		}
		doc := gjson.ParseBytes(b)
		ret = append(ret, items(doc.Get("results"))...)
		next = doc.Get("next")
	}
	return ret, nil
}

func (c *Client) foreman(ctx context.Context, path string, query url.Values, first gjson.Result, maxConcurrency int) ([]json.RawMessage, error) {
	ret := items(first.Get("results"))
	total := int(first.Get("subtotal").Int())
	perPage := int(first.Get("per_page").Int())
	if perPage <= 0 || total <= len(ret) {
		return ret, nil
	}
	pages := (total + perPage - 1) / perPage
	extra := url.Values{"per_page": {strconv.Itoa(perPage)}}
	rest, err := c.pages(ctx, path, query, 2, pages, "page", extra, maxConcurrency, "results")
	if err != nil {
		return nil, err
	}
	return append(ret, rest...), nil
}

func (c *Client) kube(ctx context.Context, path string, query url.Values, first gjson.Result) ([]json.RawMessage, error) {
	ret := items(first.Get("items"))
	token := first.Get("metadata.continue").String()
	for token != "" {
		q := clone(query)
		q.Set("continue", token)
		b, err := c.Get(ctx, path, q)
		if err != nil {
			return nil, err
		}
		doc := gjson.ParseBytes(b)
		ret = append(ret, items(doc.Get("items"))...)
		token = doc.Get("metadata.continue").String()
	}
	return ret, nil
}

// pages fetches pages [from, to] concurrently and returns their items in page order.
func (c *Client) pages(ctx context.Context, path string, query url.Values, from, to int, param string, extra url.Values, maxConcurrency int, key string) ([]json.RawMessage, error) {
	if to < from {
		return nil, nil
	}
	results := make([][]json.RawMessage, to-from+1)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrency)
	for page := from; page <= to; page++ {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			q := clone(query)
			for k, vs := range extra {
				q[k] = vs
			}
			q.Set(param, strconv.Itoa(page))
			b, err := c.Get(gctx, path, q)
			if err != nil {
				return fmt.Errorf("page %d: %w", page, err)
			}
			results[page-from] = items(gjson.GetBytes(b, key))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil, context.Cause(ctx)
		}
		return nil, err
	}
	var ret []json.RawMessage
	for _, r := range results {
		ret = append(ret, r...)
	}
	return ret, nil
}

func clone(q url.Values) url.Values {
	ret := make(url.Values, len(q))
	for k, vs := range q {
		ret[k] = append([]string(nil), vs...)
	}
	return ret
}
