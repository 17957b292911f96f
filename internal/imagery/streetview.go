package imagery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ImageSize is the fixed output resolution requested from the provider.
const ImageSize = "640x640"

const maxDiagnosticBytes = 512

var ErrProvider = errors.New("imagery provider error")

// ProviderError means the provider answered with something other than an
// image, such as exhausted quota or a disabled API. Unreachable is set when no
// response arrived at all.
type ProviderError struct {
	StatusCode  int
	ContentType string
	Detail      string
	URL         string
	Unreachable bool
	Err         error
}

func (e *ProviderError) Error() string {
	var b strings.Builder
	b.WriteString("street view did not return an image")
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (status %d, content-type %q)", e.StatusCode, e.ContentType)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	} else if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	return b.String()
}

func (e *ProviderError) Unwrap() error {
	return ErrProvider
}

type Request struct {
	Lat     float64
	Lng     float64
	Heading float64
	Pitch   float64
	FOV     float64
}

type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
	}
}

// Fetch downloads one street-level photograph. It never retries.
func (c *Client) Fetch(ctx context.Context, req Request) ([]byte, error) {
	requestURL := c.buildURL(req, c.apiKey)
	masked := c.RequestURL(req)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return nil, &ProviderError{URL: masked, Err: err}
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, &ProviderError{URL: masked, Unreachable: true, Err: redact(err, c.apiKey)}
	}
	defer resp.Body.Close()

	contentType := resp.Header.Get("Content-Type")
	if !strings.Contains(contentType, "image") {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxDiagnosticBytes))
		return nil, &ProviderError{
			StatusCode:  resp.StatusCode,
			ContentType: contentType,
			Detail:      strings.TrimSpace(string(body)),
			URL:         masked,
		}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ProviderError{StatusCode: resp.StatusCode, ContentType: contentType, URL: masked, Err: err}
	}
	if len(data) == 0 {
		return nil, &ProviderError{StatusCode: resp.StatusCode, ContentType: contentType, URL: masked, Detail: "empty image body"}
	}
	return data, nil
}

// RequestURL is the provider URL for req with the API key masked, safe to log
// and to return to callers.
func (c *Client) RequestURL(req Request) string {
	return c.buildURL(req, maskKey(c.apiKey))
}

func (c *Client) buildURL(req Request, key string) string {
	q := url.Values{}
	q.Set("size", ImageSize)
	q.Set("location", formatFloat(req.Lat)+","+formatFloat(req.Lng))
	q.Set("heading", formatFloat(req.Heading))
	q.Set("pitch", formatFloat(req.Pitch))
	q.Set("fov", formatFloat(req.FOV))
	q.Set("key", key)

	sep := "?"
	if strings.Contains(c.baseURL, "?") {
		sep = "&"
	}
	return c.baseURL + sep + q.Encode()
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func maskKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return key[:4] + "****"
}

// redact strips the API key from transport errors, which embed the full URL.
func redact(err error, key string) error {
	if key == "" {
		return err
	}
	msg := err.Error()
	if !strings.Contains(msg, key) {
		return err
	}
	return errors.New(strings.ReplaceAll(msg, key, maskKey(key)))
}
