package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// AdminClient calls the admin endpoint of a detached server.
type AdminClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewAdminClient(addr, token string) *AdminClient {
	base := strings.TrimRight(strings.TrimSpace(addr), "/")
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return &AdminClient{baseURL: base, token: token, http: &http.Client{}}
}

func (c *AdminClient) Status(ctx context.Context) (Status, error) {
	var st Status
	err := c.do(ctx, http.MethodGet, "/status", nil, &st)
	return st, err
}

func (c *AdminClient) Sessions(ctx context.Context) ([]SessionInfo, error) {
	var out struct {
		Active []SessionInfo `json:"active"`
	}
	err := c.do(ctx, http.MethodGet, "/sessions", nil, &out)
	return out.Active, err
}

// Close asks the server to drain within timeout and returns its report.
func (c *AdminClient) Close(ctx context.Context, timeout time.Duration) (CloseReport, error) {
	var report CloseReport
	q := url.Values{"timeout": []string{timeout.String()}}
	err := c.do(ctx, http.MethodPost, "/close", q, &report)
	return report, err
}

func (c *AdminClient) do(ctx context.Context, method, path string, q url.Values, out any) error {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(body, &e)
		if e.Error == "" {
			e.Error = strings.TrimSpace(string(body))
		}
		if resp.StatusCode == http.StatusConflict {
			return fmt.Errorf("%w: %s", ErrClosed, e.Error)
		}
		return fmt.Errorf("server: admin %s %s: %d %s", method, path, resp.StatusCode, e.Error)
	}
	return json.Unmarshal(body, out)
}
