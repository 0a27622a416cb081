package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Client holds HTTP client state for CLI commands.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	Out        io.Writer
}

// apiError is the JSON error body returned by the server.
type apiError struct {
	Error      string `json:"error"`
	Violations []struct {
		Policy string `json:"policy_name"`
		Reason string `json:"reason"`
	} `json:"violations"`
}

func (c *Client) do(method, path string, body, v any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, c.BaseURL+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}
	if v != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(v)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	raw, _ := io.ReadAll(resp.Body)
	var e apiError
	if json.Unmarshal(raw, &e) != nil || e.Error == "" {
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if len(e.Violations) == 0 {
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, e.Error)
	}
	var b strings.Builder
	b.WriteString(e.Error)
	for _, v := range e.Violations {
		fmt.Fprintf(&b, "\n  - %s: %s", v.Policy, v.Reason)
	}
	return fmt.Errorf("%s", b.String())
}

// get performs a GET and decodes JSON into v.
func (c *Client) get(path string, v any) error {
	return c.do(http.MethodGet, path, nil, v)
}

// post performs a POST and decodes the JSON response into v (may be nil).
func (c *Client) post(path string, body, v any) error {
	return c.do(http.MethodPost, path, body, v)
}
