package api

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/banshee-data/sortline/internal/httputil"
	"github.com/banshee-data/sortline/internal/lifecycle"
)

// Client drives a running line over its operator API.
type Client struct {
	base string
	http httputil.HTTPClient
}

// NewClient returns a Client for the server at base, e.g. "http://localhost:8080".
// A nil hc uses http.DefaultClient.
func NewClient(base string, hc httputil.HTTPClient) *Client {
	if hc == nil {
		hc = httputil.NewStandardClient(nil)
	}
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &Client{base: strings.TrimRight(base, "/"), http: hc}
}

func (c *Client) do(ctx context.Context, method, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	return httputil.DecodeResponse(resp, out)
}

// Status returns the server status.
func (c *Client) Status(ctx context.Context) (StatusResponse, error) {
	var st StatusResponse
	err := c.do(ctx, http.MethodGet, "/api/status", &st)
	return st, err
}

// Start starts acquisition.
func (c *Client) Start(ctx context.Context) (lifecycle.Status, error) {
	var st lifecycle.Status
	err := c.do(ctx, http.MethodPost, "/api/start", &st)
	return st, err
}

// Stop stops acquisition.
func (c *Client) Stop(ctx context.Context) (lifecycle.Status, error) {
	var st lifecycle.Status
	err := c.do(ctx, http.MethodPost, "/api/stop", &st)
	return st, err
}

// Calibrate captures a reference and blocks until the server answers.
func (c *Client) Calibrate(ctx context.Context, kind string) (CalibrationResponse, error) {
	var out CalibrationResponse
	err := c.do(ctx, http.MethodPost, "/api/calibrate/"+url.PathEscape(kind), &out)
	return out, err
}

// Snapshot requests a ring save.
func (c *Client) Snapshot(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/snapshot", nil)
}

// Actuator queues a controller command; value is ignored by commands
// without an argument.
func (c *Client) Actuator(ctx context.Context, command string, value int) error {
	path := "/api/actuator/" + url.PathEscape(command) + "?value=" + strconv.Itoa(value)
	return c.do(ctx, http.MethodPost, path, nil)
}
