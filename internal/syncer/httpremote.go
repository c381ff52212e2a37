package syncer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/taskmesh/taskmesh/internal/oplog"
)

// HTTPRemote talks to a taskmeshd sync server. The server keeps the shared
// oplog; this client relays the same push/pull contract over REST.
type HTTPRemote struct {
	base   string
	token  string // bearer token, empty for unauthenticated servers
	batch  int
	client *http.Client
}

// NewHTTPRemote returns a remote for the server at base (e.g.
// "https://sync.example.com"). batch <= 0 selects DefaultBatchSize.
func NewHTTPRemote(base, token string, batch int) *HTTPRemote {
	if batch <= 0 {
		batch = DefaultBatchSize
	}
	return &HTTPRemote{
		base:   base,
		token:  token,
		batch:  batch,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

type pushRequest struct {
	Entries []oplog.Entry `json:"entries"`
}

type pullResponse struct {
	Entries    []oplog.Entry `json:"entries"`
	NextCursor string        `json:"next_cursor"`
}

// Push sends entries to the server's push endpoint.
func (r *HTTPRemote) Push(ctx context.Context, entries []oplog.Entry) error {
	body, err := json.Marshal(pushRequest{Entries: entries})
	if err != nil {
		return fmt.Errorf("marshal push body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		r.base+"/v1/oplog/push", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	r.authorize(req)

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("push: %w", err)
	}
	defer drain(resp)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("push: server returned %d", resp.StatusCode)
	}
	return nil
}

// Pull fetches the next batch of entries past cursor from the server.
func (r *HTTPRemote) Pull(ctx context.Context, cursor string) ([]oplog.Entry, string, error) {
	q := url.Values{}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	q.Set("limit", strconv.Itoa(r.batch))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		r.base+"/v1/oplog/pull?"+q.Encode(), nil)
	if err != nil {
		return nil, "", fmt.Errorf("build pull request: %w", err)
	}
	r.authorize(req)

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("pull: %w", err)
	}
	defer drain(resp)

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("pull: server returned %d", resp.StatusCode)
	}

	var out pullResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, "", fmt.Errorf("decode pull response: %w", err)
	}

	next := out.NextCursor
	if next == "" {
		next = cursor
	}
	return out.Entries, next, nil
}

// Close is a no-op; the shared http.Client holds no per-remote resources.
func (r *HTTPRemote) Close() error {
	return nil
}

func (r *HTTPRemote) authorize(req *http.Request) {
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}
}

func drain(resp *http.Response) {
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}
