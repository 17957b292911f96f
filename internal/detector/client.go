package detector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"sync"
	"time"
)

var ErrInference = errors.New("inference failed")

type Options struct {
	Confidence float64
	ImageSize  int
	Augment    bool
}

// Box is one raw model output; the class index is resolved to a label through
// Engine.Names.
type Box struct {
	Class      int        `json:"cls"`
	Confidence float64    `json:"conf"`
	XYXY       [4]float64 `json:"xyxy"`
}

// Frame is the result for one processed image. Annotated holds the model's
// rendering with boxes drawn, if the engine produced one.
type Frame struct {
	Annotated []byte `json:"image"`
	Boxes     []Box  `json:"boxes"`
}

// Engine is the object-detection capability. The model itself lives outside
// this service.
type Engine interface {
	Predict(ctx context.Context, image []byte, opts Options) ([]Frame, error)
	Names() map[int]string
}

// Client talks to the inference sidecar hosting the trained model.
type Client struct {
	baseURL string
	http    *http.Client

	mu    sync.RWMutex
	names map[int]string
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		names:   make(map[int]string),
	}
}

type predictResponse struct {
	Names   map[int]string `json:"names"`
	Results []Frame        `json:"results"`
}

func (c *Client) Predict(ctx context.Context, image []byte, opts Options) ([]Frame, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	part, err := writer.CreateFormFile("file", "captured_streetview.jpg")
	if err != nil {
		return nil, fmt.Errorf("%w: create form file: %v", ErrInference, err)
	}
	if _, err := io.Copy(part, bytes.NewReader(image)); err != nil {
		return nil, fmt.Errorf("%w: copy image data: %v", ErrInference, err)
	}

	fields := map[string]string{
		"conf":    strconv.FormatFloat(opts.Confidence, 'f', -1, 64),
		"imgsz":   strconv.Itoa(opts.ImageSize),
		"augment": strconv.FormatBool(opts.Augment),
	}
	for k, v := range fields {
		if err := writer.WriteField(k, v); err != nil {
			return nil, fmt.Errorf("%w: write field %s: %v", ErrInference, k, err)
		}
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("%w: close multipart writer: %v", ErrInference, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/predict", body)
	if err != nil {
		return nil, fmt.Errorf("%w: create request: %v", ErrInference, err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: send request: %v", ErrInference, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrInference, resp.StatusCode)
	}

	var result predictResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrInference, err)
	}

	if len(result.Names) > 0 {
		c.mu.Lock()
		c.names = result.Names
		c.mu.Unlock()
	}

	return result.Results, nil
}

// Names returns a copy of the class-index to label mapping last reported by
// the model.
func (c *Client) Names() map[int]string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[int]string, len(c.names))
	for k, v := range c.names {
		out[k] = v
	}
	return out
}

func (c *Client) CheckHealth(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("detector unhealthy: %d", resp.StatusCode)
	}
	return nil
}
