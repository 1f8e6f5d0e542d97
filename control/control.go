// Package control implements the REST control-plane client used to
// create, query, and delete monitor descriptors — the collaborator
// spec.md §1 treats as external. It is the REST analogue of the
// teacher's discovery.Scanner: stdlib net/http and basic auth against a
// JSON/XML resource API, no third-party HTTP client.
package control

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client talks to the device-management REST control plane.
type Client struct {
	httpClient *http.Client
	baseURL    string
	username   string
	password   string
}

// New creates a control-plane client. secure selects https over http.
func New(username, password, hostname string, secure bool) *Client {
	scheme := "http"
	if secure {
		scheme = "https"
	}
	return &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    fmt.Sprintf("%s://%s/ws", scheme, hostname),
		username:   username,
		password:   password,
	}
}

// Error is a REST response whose status is not the one the operation
// expects (201 for create, 200 for find and delete), with the status
// code preserved so callers can distinguish e.g. 404 from 500.
type Error struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *Error) Error() string {
	return fmt.Sprintf("control: %s: unexpected status %d: %s", e.Op, e.StatusCode, e.Body)
}

// MonitorOptions configures a new monitor descriptor.
type MonitorOptions struct {
	BatchSize     int
	BatchDuration time.Duration
	Compression   string // "none" or "gzip"
	Format        string // "json" or "xml"
}

// DefaultMonitorOptions mirrors the public API defaults in spec.md §6.
func DefaultMonitorOptions() MonitorOptions {
	return MonitorOptions{BatchSize: 1, BatchDuration: 0, Compression: "gzip", Format: "json"}
}

type monitorXML struct {
	XMLName          xml.Name `xml:"Monitor"`
	MonTopic         string   `xml:"monTopic"`
	MonBatchSize     int      `xml:"monBatchSize"`
	MonBatchDuration int      `xml:"monBatchDuration"`
	MonFormatType    string   `xml:"monFormatType"`
	MonTransportType string   `xml:"monTransportType"`
	MonCompression   string   `xml:"monCompression"`
}

// CreateMonitor POSTs a new Monitor resource and returns its id, parsed
// from the last path segment of the response's Location header.
func (c *Client) CreateMonitor(ctx context.Context, topics []string, opts MonitorOptions) (string, error) {
	doc := monitorXML{
		MonTopic:         strings.Join(topics, ","),
		MonBatchSize:     opts.BatchSize,
		MonBatchDuration: int(opts.BatchDuration.Seconds()),
		MonFormatType:    opts.Format,
		MonTransportType: "tcp",
		MonCompression:   opts.Compression,
	}
	body, err := xml.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("control: encoding monitor document: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/Monitor", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "text/xml")
	req.SetBasicAuth(c.username, c.password)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("control: create monitor: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return "", newError("create monitor", resp)
	}

	location := resp.Header.Get("Location")
	return lastSegment(location), nil
}

// DeleteMonitor removes a Monitor resource by id.
func (c *Client) DeleteMonitor(ctx context.Context, monitorID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/Monitor/"+monitorID, nil)
	if err != nil {
		return err
	}
	req.SetBasicAuth(c.username, c.password)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("control: delete monitor: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return newError("delete monitor", resp)
	}
	return nil
}

type findMonitorResponse struct {
	ResultSize int `json:"resultSize"`
	Items      []struct {
		MonID string `json:"monId"`
	} `json:"items"`
}

// FindMonitor looks up an existing Monitor by its topic filter. ok is
// false (with a nil error) when no monitor matches.
func (c *Client) FindMonitor(ctx context.Context, topics []string) (monitorID string, ok bool, err error) {
	condition := fmt.Sprintf("monTopic='%s'", strings.Join(topics, ","))
	url := fmt.Sprintf("%s/Monitor?condition=%s", c.baseURL, condition)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", false, err
	}
	req.Header.Set("Accept", "application/json")
	req.SetBasicAuth(c.username, c.password)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", false, fmt.Errorf("control: find monitor: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", false, newError("find monitor", resp)
	}

	var parsed findMonitorResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", false, fmt.Errorf("control: decoding find-monitor response: %w", err)
	}
	if parsed.ResultSize == 0 || len(parsed.Items) == 0 {
		return "", false, nil
	}
	return parsed.Items[0].MonID, true, nil
}

func newError(op string, resp *http.Response) *Error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &Error{Op: op, StatusCode: resp.StatusCode, Body: string(body)}
}

func lastSegment(path string) string {
	idx := strings.LastIndexByte(path, '/')
	if idx < 0 {
		return path
	}
	return path[idx+1:]
}
