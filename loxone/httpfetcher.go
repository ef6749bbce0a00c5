package loxone

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DefaultHTTPFetcher is the stdlib net/http-based HTTPFetcher used for
// bootstrap requests (the auth engine only issues jdev/sys/getPublicKey)
// before a WebSocket connection exists. A synchronous GET collaborator has
// no better fit in the example pack than net/http.
type DefaultHTTPFetcher struct {
	baseURL string
	client  *http.Client
}

// NewHTTPFetcher builds a DefaultHTTPFetcher against baseURL, e.g.
// "http://192.168.1.10".
func NewHTTPFetcher(baseURL string) *DefaultHTTPFetcher {
	return &DefaultHTTPFetcher{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// Get issues a synchronous GET for command and parses the response as a
// LoxoneMessage.
func (f *DefaultHTTPFetcher) Get(ctx context.Context, command string) (LoxoneMessage, error) {
	url := fmt.Sprintf("%s/%s", f.baseURL, strings.TrimPrefix(command, "/"))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return LoxoneMessage{}, fmt.Errorf("loxone: build request for %s: %w", command, err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return LoxoneMessage{}, fmt.Errorf("loxone: fetch %s: %w", command, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return LoxoneMessage{}, fmt.Errorf("loxone: read response for %s: %w", command, err)
	}

	if resp.StatusCode != http.StatusOK {
		return LoxoneMessage{}, fmt.Errorf("loxone: %s returned http %d", command, resp.StatusCode)
	}

	return ParseLoxoneMessage(body)
}
