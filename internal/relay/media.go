package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// DefaultMaxMediaBytes bounds one fetched media attachment.
const DefaultMaxMediaBytes = 25 << 20

// ErrMediaTooLarge is returned when an attachment exceeds the size bound.
var ErrMediaTooLarge = errors.New("relay: media exceeds size limit")

// MediaFetcher downloads pre-rendered audio attachments referenced by a
// gateway reply. Only http and https URLs are fetched.
type MediaFetcher struct {
	client   *http.Client
	maxBytes int64
}

// NewMediaFetcher returns a fetcher. A nil client gets a 60s timeout;
// maxBytes <= 0 uses [DefaultMaxMediaBytes].
func NewMediaFetcher(client *http.Client, maxBytes int64) *MediaFetcher {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxMediaBytes
	}
	return &MediaFetcher{client: client, maxBytes: maxBytes}
}

// Fetch downloads rawURL fully, failing if the body exceeds the size bound.
func (f *MediaFetcher) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("relay: media url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("relay: media url: unsupported scheme %q", u.Scheme)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("relay: media request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("relay: media fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("relay: media fetch: HTTP %d", resp.StatusCode)
	}
	if resp.ContentLength > f.maxBytes {
		return nil, ErrMediaTooLarge
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("relay: media read: %w", err)
	}
	if int64(len(data)) > f.maxBytes {
		return nil, ErrMediaTooLarge
	}
	return data, nil
}
