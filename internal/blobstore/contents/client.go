// Implements blobstore.Store over a remote file-content HTTP API.

// Package contents is a blobstore.Store client for GitHub-style "contents" APIs.
//
// A file is fetched with GET /repos/{owner}/{repo}/contents/{path} which returns
// its base64 encoded content and its blob "sha". A write is a PUT on the same
// URL; passing the previously read sha makes the server reject the write if
// the file changed in the meantime.
package contents

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/maruel/gitdocs/internal/blobstore"
)

// Config describes the remote repository.
type Config struct {
	BaseURL string // e.g. https://api.github.com
	Owner   string
	Repo    string
	Branch  string // Optional, the server default branch when empty.
	Token   string // Optional bearer token.

	// RequestsPerSecond paces outgoing requests. 0 disables pacing.
	RequestsPerSecond float64
	Burst             int

	// HTTPClient is the base client. http.DefaultClient when nil.
	HTTPClient *http.Client
}

// Client implements blobstore.Store.
type Client struct {
	base    *url.URL
	branch  string
	http    *http.Client
	limiter *rate.Limiter
}

// New returns a Client for cfg.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.BaseURL == "" || cfg.Owner == "" || cfg.Repo == "" {
		return nil, errors.New("contents: base URL, owner and repo are required")
	}
	u, err := url.Parse(strings.TrimSuffix(cfg.BaseURL, "/") + "/repos/" + url.PathEscape(cfg.Owner) + "/" + url.PathEscape(cfg.Repo) + "/contents/")
	if err != nil {
		return nil, fmt.Errorf("contents: invalid base URL: %w", err)
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	if cfg.Token != "" {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, hc)
		hc = oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token}))
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Client{
		base:    u,
		branch:  cfg.Branch,
		http:    hc,
		limiter: rate.NewLimiter(limit, burst),
	}, nil
}

// fileResponse is the subset of a GET on a file that is used.
type fileResponse struct {
	Type     string `json:"type"`
	Encoding string `json:"encoding"`
	Content  string `json:"content"`
	SHA      string `json:"sha"`
}

type dirEntry struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

type putRequest struct {
	Message string `json:"message"`
	Content string `json:"content"`
	SHA     string `json:"sha,omitempty"`
	Branch  string `json:"branch,omitempty"`
}

type putResponse struct {
	Content struct {
		SHA string `json:"sha"`
	} `json:"content"`
}

// Read implements blobstore.Store.
func (c *Client) Read(ctx context.Context, p string) (*blobstore.Blob, error) {
	body, err := c.get(ctx, "read", p)
	if err != nil {
		return nil, err
	}
	var f fileResponse
	if err := json.Unmarshal(body, &f); err != nil {
		return nil, &blobstore.TransportError{Op: "read", Path: p, Err: fmt.Errorf("failed to decode response: %w", err)}
	}
	if f.Type != "" && f.Type != "file" {
		return nil, &blobstore.TransportError{Op: "read", Path: p, Err: fmt.Errorf("not a file: %s", f.Type)}
	}
	if f.Encoding != "" && f.Encoding != "base64" {
		return nil, &blobstore.TransportError{Op: "read", Path: p, Err: fmt.Errorf("unsupported encoding %q", f.Encoding)}
	}
	// The API wraps base64 content at 60 columns.
	data, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(f.Content, "\n", ""))
	if err != nil {
		return nil, &blobstore.TransportError{Op: "read", Path: p, Err: fmt.Errorf("failed to decode content: %w", err)}
	}
	return &blobstore.Blob{Content: data, Version: blobstore.Version(f.SHA)}, nil
}

// Write implements blobstore.Store.
func (c *Client) Write(ctx context.Context, p string, content []byte, message string, expected blobstore.Version) (blobstore.Version, error) {
	reqBody, err := json.Marshal(putRequest{
		Message: message,
		Content: base64.StdEncoding.EncodeToString(content),
		SHA:     string(expected),
		Branch:  c.branch,
	})
	if err != nil {
		return "", err
	}
	resp, err := c.do(ctx, http.MethodPut, p, nil, bytes.NewReader(reqBody))
	if err != nil {
		return "", &blobstore.TransportError{Op: "write", Path: p, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &blobstore.TransportError{Op: "write", Path: p, StatusCode: resp.StatusCode, Err: err}
	}
	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
	case http.StatusConflict, http.StatusUnprocessableEntity:
		// 409 is a sha mismatch; 422 is a missing sha for an existing file.
		slog.DebugContext(ctx, "contents: write rejected", "path", p, "status", resp.StatusCode)
		return "", blobstore.ErrConflict
	default:
		return "", &blobstore.TransportError{Op: "write", Path: p, StatusCode: resp.StatusCode, Err: apiError(body)}
	}
	var out putResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", &blobstore.TransportError{Op: "write", Path: p, StatusCode: resp.StatusCode, Err: fmt.Errorf("failed to decode response: %w", err)}
	}
	if out.Content.SHA == "" {
		return blobstore.HashContent(content), nil
	}
	return blobstore.Version(out.Content.SHA), nil
}

// List implements blobstore.Store.
func (c *Client) List(ctx context.Context, dir string) ([]blobstore.Entry, error) {
	body, err := c.get(ctx, "list", dir)
	if err != nil {
		return nil, err
	}
	var entries []dirEntry
	if err := json.Unmarshal(body, &entries); err != nil {
		return nil, &blobstore.TransportError{Op: "list", Path: dir, Err: fmt.Errorf("failed to decode response: %w", err)}
	}
	out := make([]blobstore.Entry, 0, len(entries))
	for _, e := range entries {
		out = append(out, blobstore.Entry{Name: e.Name, IsFile: e.Type == "file"})
	}
	return out, nil
}

func (c *Client) get(ctx context.Context, op, p string) ([]byte, error) {
	var q url.Values
	if c.branch != "" {
		q = url.Values{"ref": {c.branch}}
	}
	resp, err := c.do(ctx, http.MethodGet, p, q, nil)
	if err != nil {
		return nil, &blobstore.TransportError{Op: op, Path: p, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &blobstore.TransportError{Op: op, Path: p, StatusCode: resp.StatusCode, Err: err}
	}
	switch resp.StatusCode {
	case http.StatusOK:
		return body, nil
	case http.StatusNotFound:
		return nil, blobstore.ErrNotFound
	default:
		return nil, &blobstore.TransportError{Op: op, Path: p, StatusCode: resp.StatusCode, Err: apiError(body)}
	}
}

func (c *Client) do(ctx context.Context, method, p string, q url.Values, body io.Reader) (*http.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	u := c.base.JoinPath(strings.Split(strings.Trim(p, "/"), "/")...)
	if q != nil {
		u.RawQuery = q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.http.Do(req)
}

// apiError extracts the message of an API error body.
func apiError(body []byte) error {
	var e struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &e) == nil && e.Message != "" {
		return errors.New(e.Message)
	}
	return errors.New(strings.TrimSpace(string(body)))
}
