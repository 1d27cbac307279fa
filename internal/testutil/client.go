// Package testutil provides testing utilities for integration tests.
package testutil

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"testing"
)

// InternalTokenHeader carries the shared secret of front-facing internal routes.
const InternalTokenHeader = "X-Internal-Token"

// Client is an HTTP client for testing API endpoints.
type Client struct {
	BaseURL       string
	InternalToken string
	AdminToken    string
	HTTPClient    *http.Client
	Validator     *OpenAPIValidator
	ValidateAPI   bool
	t             *testing.T
}

// NewClient creates a new test client without validation.
func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL:    baseURL,
		HTTPClient: &http.Client{},
	}
}

// NewClientWithValidator creates a new test client with a pre-loaded OpenAPI validator.
// Use this in TestMain where *testing.T is not available during initialization.
func NewClientWithValidator(baseURL string, validator *OpenAPIValidator) *Client {
	return &Client{
		BaseURL:     baseURL,
		HTTPClient:  &http.Client{},
		Validator:   validator,
		ValidateAPI: true,
	}
}

// SetT sets the testing.T for validation error reporting.
// This should be called at the beginning of each test when using a shared client.
func (c *Client) SetT(t *testing.T) {
	c.t = t
}

// WithoutValidation returns a copy of the client with validation disabled.
// Use this for negative tests where you expect invalid responses.
func (c *Client) WithoutValidation() *Client {
	clone := *c
	clone.ValidateAPI = false
	return &clone
}

// GET performs a GET request.
func (c *Client) GET(path string) (*http.Response, error) {
	return c.do(http.MethodGet, path, nil, nil)
}

// POST performs a POST request with JSON body.
func (c *Client) POST(path string, body any) (*http.Response, error) {
	return c.do(http.MethodPost, path, body, nil)
}

// POSTForm performs a form-encoded POST request, as the bank-redirect provider does.
func (c *Client) POSTForm(path string, form url.Values) (*http.Response, error) {
	return c.do(http.MethodPost, path, nil, form)
}

// POSTRaw performs a POST with a prepared JSON body and extra headers.
func (c *Client) POSTRaw(path string, body []byte, headers map[string]string) (*http.Response, error) {
	req, err := http.NewRequest(http.MethodPost, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return c.send(req, body)
}

func (c *Client) do(method, path string, body any, form url.Values) (*http.Response, error) {
	var bodyBytes []byte
	contentType := "application/json"

	switch {
	case form != nil:
		bodyBytes = []byte(form.Encode())
		contentType = "application/x-www-form-urlencoded"
	case body != nil:
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal body: %w", err)
		}
	}

	req, err := http.NewRequest(method, c.BaseURL+path, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	switch {
	case strings.HasPrefix(path, "/api/v1/internal/") && c.InternalToken != "":
		req.Header.Set(InternalTokenHeader, c.InternalToken)
	case strings.HasPrefix(path, "/api/v1/admin/") && c.AdminToken != "":
		req.Header.Set("Authorization", "Bearer "+c.AdminToken)
	}

	return c.send(req, bodyBytes)
}

func (c *Client) send(req *http.Request, bodyBytes []byte) (*http.Response, error) {
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}

	// Both sides of the exchange must match the API document.
	if c.ValidateAPI && c.Validator != nil && c.t != nil {
		validationReq, _ := http.NewRequest(req.Method, req.URL.String(), bytes.NewReader(bodyBytes))
		validationReq.Header = req.Header
		validationReq.URL.Path = strings.TrimPrefix(req.URL.Path, mustPath(c.BaseURL))

		c.Validator.ValidateRequestResponse(c.t, validationReq, resp)
	}

	return resp, nil
}

func mustPath(base string) string {
	u, err := url.Parse(base)
	if err != nil {
		return ""
	}
	return u.Path
}

// DecodeJSON decodes response body into v.
func DecodeJSON(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

// DecodeData decodes the {"data": ...} envelope of a success response into v.
func DecodeData(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	DecodeJSON(t, resp, &envelope)
	if err := json.Unmarshal(envelope.Data, v); err != nil {
		t.Fatalf("decode data: %v", err)
	}
}

// ReadBody reads and returns response body as string.
func ReadBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(body)
}
