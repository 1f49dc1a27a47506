package classify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/linecheck/linecheck/internal/httpc"
	"github.com/linecheck/linecheck/pkg/camera"
	"github.com/linecheck/linecheck/pkg/parts"
)

// Client is the HTTP classification client.
type Client struct {
	endpoint *url.URL
	config   *Config
	http     *http.Client
	logger   *slog.Logger
}

var _ Classifier = (*Client)(nil)

// NewClient creates a new classification client.
func NewClient(opts ...Option) (*Client, error) {
	cfg := DefaultConfig()
	cfg.Apply(opts...)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	endpoint, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("classify: parse url: %w", err)
	}
	if endpoint.Scheme != "http" && endpoint.Scheme != "https" {
		return nil, fmt.Errorf("classify: unsupported scheme %q", endpoint.Scheme)
	}

	hc := cfg.HTTPClient
	if hc == nil {
		hc = httpc.NewClient(cfg.Timeout)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		endpoint: endpoint,
		config:   cfg,
		http:     hc,
		logger:   logger.With("component", "classify.client"),
	}, nil
}

// Classify uploads the frame and returns the detections at or above the
// confidence floor.
func (c *Client) Classify(ctx context.Context, frame camera.Frame, opts Options) (Result, error) {
	start := time.Now()

	if frame.Empty() {
		return Result{}, newError(SchemaInvalid, errors.New("frame has no image data"))
	}
	model := opts.Model
	if model == "" {
		model = c.config.Model
	}
	minConf := opts.Floor(c.config.MinConfidence)

	reqCtx := ctx
	if c.config.Timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, c.config.Timeout)
		defer cancel()
	}

	req, err := c.newRequest(reqCtx, frame, model, minConf)
	if err != nil {
		return Result{}, newError(Network, err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		// The caller giving up is not a service failure.
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		return Result{}, c.transportError(err)
	}
	defer resp.Body.Close()

	body := io.LimitReader(resp.Body, c.config.MaxResponseBytes)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(body, 512))
		return Result{}, &Error{
			Reason:     ServerRejected,
			StatusCode: resp.StatusCode,
			Err:        errors.New(strings.TrimSpace(string(snippet))),
		}
	}

	dets, err := ParseResponse(body)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		if reqCtx.Err() != nil {
			return Result{}, newError(Timeout, reqCtx.Err())
		}
		return Result{}, err
	}

	kept := parts.Filter(dets, minConf)
	latency := time.Since(start)
	c.logger.Debug("frame classified",
		"frame", frame.Seq,
		"detections", len(dets),
		"kept", len(kept),
		"model", model,
		"latency_ms", latency.Milliseconds(),
	)

	return Result{Detections: kept, Model: model, Latency: latency}, nil
}

// newRequest builds the multipart upload.
func (c *Client) newRequest(ctx context.Context, frame camera.Frame, model string, minConf float64) (*http.Request, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="file"; filename="image.jpg"`)
	h.Set("Content-Type", "image/jpeg")
	part, err := mw.CreatePart(h)
	if err != nil {
		return nil, fmt.Errorf("create part: %w", err)
	}
	if _, err := part.Write(frame.JPEG); err != nil {
		return nil, fmt.Errorf("write image: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close multipart: %w", err)
	}

	u := *c.endpoint
	q := u.Query()
	q.Set("min_confidence", strconv.FormatFloat(minConf, 'f', -1, 64))
	q.Set("base_model", model)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), &body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Accept", "application/json")
	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}
	return req, nil
}

// transportError maps a failed round trip to Timeout or Network.
func (c *Client) transportError(err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return newError(Timeout, err)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return newError(Timeout, err)
	}
	return newError(Network, err)
}

// Health checks that the service answers at all.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint.String(), nil)
	if err != nil {
		return newError(Network, err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return c.transportError(err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 500 {
		return &Error{Reason: ServerRejected, StatusCode: resp.StatusCode, Err: errors.New("health check failed")}
	}
	return nil
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	return nil
}
