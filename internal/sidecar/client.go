package sidecar

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/eleven-am/vision-backend/internal/vision"
)

const imageFormatRGB24 = "rgb24"

type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// Client talks to the inference runtime that hosts the perception models
// and owns the compute device. It is safe for concurrent use.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
}

func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		token:      cfg.Token,
	}
}

// StatusError is a non-2xx answer from the runtime.
type StatusError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("inference runtime returned status %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("inference runtime returned status %d", e.StatusCode)
}

// OutOfMemory reports whether the runtime ran out of device memory.
func (e *StatusError) OutOfMemory() bool {
	return e.StatusCode == http.StatusInsufficientStorage || e.Code == "out_of_memory"
}

func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == http.StatusNotFound
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

type DeviceResponse struct {
	Accelerated       bool   `json:"accelerated"`
	Kind              string `json:"kind"`
	Index             int    `json:"index"`
	Name              string `json:"name"`
	MemoryTotalMB     int64  `json:"memory_total_mb,omitempty"`
	ComputeCapability string `json:"compute_capability,omitempty"`
	RuntimeVersion    string `json:"runtime_version,omitempty"`
}

type LoadRequest struct {
	Device  string         `json:"device"`
	Model   string         `json:"model,omitempty"`
	Options map[string]any `json:"options,omitempty"`
}

type LoadResponse struct {
	Model   string `json:"model"`
	Version string `json:"version,omitempty"`
}

type Image struct {
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Format string `json:"format"`
	Data   string `json:"data"`
}

type InferRequest struct {
	Image   Image          `json:"image"`
	Options map[string]any `json:"options,omitempty"`
}

// NewImage packs a frame's canonical RGB pixels for the runtime.
func NewImage(frame *vision.Frame) Image {
	return Image{
		Width:  frame.Width,
		Height: frame.Height,
		Format: imageFormatRGB24,
		Data:   base64.StdEncoding.EncodeToString(frame.Pix),
	}
}

func (c *Client) Device(ctx context.Context) (*DeviceResponse, error) {
	var resp DeviceResponse
	if err := c.do(ctx, http.MethodGet, "/v1/device", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) ReleaseDevice(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/v1/device/release", nil, nil)
}

func (c *Client) LoadModel(ctx context.Context, kind string, req LoadRequest) (*LoadResponse, error) {
	var resp LoadResponse
	if err := c.do(ctx, http.MethodPost, "/v1/models/"+kind+"/load", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) UnloadModel(ctx context.Context, kind string) error {
	return c.do(ctx, http.MethodPost, "/v1/models/"+kind+"/unload", nil, nil)
}

// Infer runs one model on one image and decodes the model-specific answer into out.
func (c *Client) Infer(ctx context.Context, kind string, req InferRequest, out any) error {
	return c.do(ctx, http.MethodPost, "/v1/models/"+kind+"/infer", req, out)
}

func (c *Client) IsAvailable(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	return c.do(ctx, http.MethodGet, "/v1/health", nil, nil) == nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("inference request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		se := &StatusError{StatusCode: resp.StatusCode}
		var eb errorBody
		if err := json.NewDecoder(io.LimitReader(resp.Body, 64*1024)).Decode(&eb); err == nil {
			se.Code = eb.Code
			se.Message = eb.Error
		}
		return se
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
