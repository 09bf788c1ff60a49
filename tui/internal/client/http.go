package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// HTTPClient makes REST calls to a giftpulse instance.
type HTTPClient struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPClient creates a client targeting the given base URL (e.g. "http://127.0.0.1:8080").
func NewHTTPClient(baseURL, token string) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// GetState fetches /api/state.
func (c *HTTPClient) GetState() (*State, error) {
	var s State
	if err := c.get("/api/state", &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// GetSessions fetches the most recent recorded sessions.
func (c *HTTPClient) GetSessions(limit int) ([]SessionRow, error) {
	var out []SessionRow
	if err := c.get("/api/sessions?limit="+strconv.Itoa(limit), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Connect sends POST /api/connect.
func (c *HTTPClient) Connect() error {
	return c.post("/api/connect", nil)
}

// Disconnect sends POST /api/disconnect.
func (c *HTTPClient) Disconnect() error {
	return c.post("/api/disconnect", nil)
}

// Reset sends POST /api/reset.
func (c *HTTPClient) Reset() error {
	return c.post("/api/reset", nil)
}

func (c *HTTPClient) get(path string, out interface{}) error {
	req, err := http.NewRequest(http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	c.setAuth(req)
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return responseError(http.MethodGet, path, resp)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *HTTPClient) post(path string, body interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.setAuth(req)
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return responseError(http.MethodPost, path, resp)
	}
	return nil
}

// responseError prefers the instance's error message over the raw body.
func responseError(method, path string, resp *http.Response) error {
	raw, _ := io.ReadAll(resp.Body)
	var r APIResponse
	if json.Unmarshal(raw, &r) == nil && r.Error != "" {
		return fmt.Errorf("%s %s: %d %s", method, path, resp.StatusCode, r.Error)
	}
	return fmt.Errorf("%s %s: %d %s", method, path, resp.StatusCode, string(raw))
}

func (c *HTTPClient) setAuth(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}
