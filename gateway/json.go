package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/elnormous/contenttype"
)

var jsonMediaType = contenttype.NewMediaType("application/json")

const maxResponseBytes = 10 << 20

// Get issues GET path and decodes the JSON response into T.
func Get[T any](ctx context.Context, g *Gateway, path string) (T, error) {
	return doJSON[T](ctx, g, http.MethodGet, path, nil)
}

// Post issues POST path with body encoded as JSON.
func Post[T any](ctx context.Context, g *Gateway, path string, body any) (T, error) {
	return doJSON[T](ctx, g, http.MethodPost, path, body)
}

// Put issues PUT path with body encoded as JSON.
func Put[T any](ctx context.Context, g *Gateway, path string, body any) (T, error) {
	return doJSON[T](ctx, g, http.MethodPut, path, body)
}

// Delete issues DELETE path.
func Delete[T any](ctx context.Context, g *Gateway, path string) (T, error) {
	return doJSON[T](ctx, g, http.MethodDelete, path, nil)
}

func doJSON[T any](ctx context.Context, g *Gateway, method, path string, body any) (T, error) {
	var zero T

	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return zero, fmt.Errorf("gateway: encode body: %w", err)
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, path, rdr)
	if err != nil {
		return zero, fmt.Errorf("gateway: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := g.Do(req)
	if err != nil {
		return zero, err
	}
	defer drain(resp)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		return zero, &HTTPError{StatusCode: resp.StatusCode, Body: b}
	}
	if resp.StatusCode == http.StatusNoContent {
		return zero, nil
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return zero, fmt.Errorf("gateway: read response: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return zero, nil
	}

	ctype, err := contenttype.GetMediaType(&http.Request{Header: resp.Header})
	if err != nil || !ctype.Matches(jsonMediaType) {
		return zero, fmt.Errorf("%w: %q", ErrUnexpectedContentType, resp.Header.Get("Content-Type"))
	}

	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		return zero, fmt.Errorf("gateway: decode response: %w", err)
	}
	return out, nil
}
