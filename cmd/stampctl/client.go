package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"stampd/internal/httpx"
)

// errNotFound marks a 404 from the API so callers can treat deletes of
// unknown ids as a no-op.
var errNotFound = errors.New("not found")

// apiClient talks to a running stampd over its HTTP API.
type apiClient struct {
	base string // API root, ends in /api/v1
	root string // server root, for operational endpoints
	http *http.Client
}

func newAPIClient(addr string) *apiClient {
	base := addr
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	base = strings.TrimRight(base, "/")
	return &apiClient{
		base: base + "/api/v1",
		root: base,
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *apiClient) get(path string, out interface{}) error {
	return c.do(http.MethodGet, c.base+path, nil, out)
}

// health fetches the detailed health report. The endpoint sits at the
// server root and keeps answering with the report body on 503, so this
// decodes regardless of status.
func (c *apiClient) health(out interface{}) error {
	resp, err := c.http.Get(c.root + "/health?full=true")
	if err != nil {
		return fmt.Errorf("daemon unreachable: %w", err)
	}
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *apiClient) putJSON(path string, body, out interface{}) error {
	return c.do(http.MethodPut, c.base+path, body, out)
}

func (c *apiClient) postJSON(path string, body, out interface{}) error {
	return c.do(http.MethodPost, c.base+path, body, out)
}

func (c *apiClient) delete(path string) error {
	return c.do(http.MethodDelete, c.base+path, nil, nil)
}

func (c *apiClient) do(method, url string, body, out interface{}) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, url, reqBody)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("daemon unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var envelope httpx.ErrorResponse
		if derr := json.NewDecoder(resp.Body).Decode(&envelope); derr == nil && envelope.Error.Message != "" {
			if resp.StatusCode == http.StatusNotFound {
				return fmt.Errorf("%w: %s", errNotFound, envelope.Error.Message)
			}
			return fmt.Errorf("%s: %s", envelope.Error.Code, envelope.Error.Message)
		}
		if resp.StatusCode == http.StatusNotFound {
			return errNotFound
		}
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
