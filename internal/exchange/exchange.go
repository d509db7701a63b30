// Package exchange uploads a finished capture to the remote inference
// endpoint and interprets its reply.
//
// A [Client] issues exactly one POST per [Client.Send]. It does not enforce
// the response budget itself: the session abandons the wait locally while the
// request keeps running, so the context passed to Send should only be
// cancelled on shutdown.
package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/MrWong99/vistalk/internal/capture"
	"github.com/MrWong99/vistalk/internal/observe"
)

// DefaultEndpoint is the inference endpoint used when none is configured.
const DefaultEndpoint = "http://localhost:8000/api/v1/llm/upload"

// Encodings accepted by [WithEncoding].
const (
	// EncodingJSON sends a JSON document with a data-URL image and base64
	// audio.
	EncodingJSON = "json"

	// EncodingMultipart sends a multipart form with audio and image file
	// fields, as the local relay expects.
	EncodingMultipart = "multipart"
)

// TimestampLayout formats capture timestamps as ISO-8601 UTC with
// millisecond precision.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// maxResponseBytes caps how much of a reply body is read.
const maxResponseBytes = 1 << 20

// ErrMalformedResponse is returned when a 2xx reply is not valid JSON.
var ErrMalformedResponse = errors.New("exchange: malformed response")

// StatusError is returned for non-2xx replies.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("exchange: server responded with %d", e.Code)
}

// Response is the interpreted reply of the inference endpoint.
type Response struct {
	// Text is data.response from the reply body, or empty when absent.
	Text string

	// Status is the HTTP status code.
	Status int
}

// Option configures a [Client].
type Option func(*Client)

// WithEncoding selects the request body encoding. Unknown values are
// rejected by [New].
func WithEncoding(enc string) Option {
	return func(c *Client) { c.encoding = enc }
}

// WithHTTPClient replaces the default traced HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// Client sends capture payloads to one endpoint.
type Client struct {
	endpoint string
	encoding string
	http     *http.Client
	metrics  *observe.Metrics
	now      func() time.Time
}

// New creates a Client for endpoint, which must be an absolute http or https
// URL.
func New(endpoint string, opts ...Option) (*Client, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("exchange: parse endpoint: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("exchange: endpoint %q must be an absolute http(s) URL", endpoint)
	}

	c := &Client{
		endpoint: endpoint,
		encoding: EncodingJSON,
		now:      time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	if c.encoding != EncodingJSON && c.encoding != EncodingMultipart {
		return nil, fmt.Errorf("exchange: unknown encoding %q", c.encoding)
	}
	if c.http == nil {
		c.http = &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c, nil
}

// Endpoint returns the configured URL.
func (c *Client) Endpoint() string { return c.endpoint }

// Encoding returns the configured body encoding.
func (c *Client) Encoding() string { return c.encoding }

// Send posts p to the endpoint and parses the reply. A non-2xx status yields
// a [*StatusError]; an unparsable 2xx body yields [ErrMalformedResponse].
// The returned Response carries the status code in every case where one was
// received.
func (c *Client) Send(ctx context.Context, p capture.Payload) (Response, error) {
	ctx, span := observe.StartCaptureSpan(ctx, "exchange.send", p.ID.String(),
		attribute.String("exchange.encoding", c.encoding),
	)
	defer span.End()
	span.SetAttributes(observe.CaptureAttrs("", len(p.Audio.Data), len(p.Image))...)

	start := c.now()
	resp, outcome, err := c.send(ctx, p)
	c.metrics.RecordExchange(ctx, outcome, c.now().Sub(start))

	span.SetAttributes(attribute.String("exchange.outcome", outcome))
	if resp.Status != 0 {
		span.SetAttributes(attribute.Int("http.status_code", resp.Status))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		observe.Logger(ctx).Warn("exchange: send failed", "outcome", outcome, "err", err)
		return resp, err
	}
	observe.Logger(ctx).Debug("exchange: reply received", "status", resp.Status, "has_text", resp.Text != "")
	return resp, nil
}

func (c *Client) send(ctx context.Context, p capture.Payload) (Response, string, error) {
	body, contentType, err := c.encode(p)
	if err != nil {
		return Response{}, observe.OutcomeTransport, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, body)
	if err != nil {
		return Response{}, observe.OutcomeTransport, fmt.Errorf("exchange: create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")
	req.Header.Set(observe.CaptureIDHeader, p.ID.String())

	httpResp, err := c.http.Do(req)
	if err != nil {
		return Response{}, observe.OutcomeTransport, fmt.Errorf("exchange: http request: %w", err)
	}
	defer httpResp.Body.Close()

	resp := Response{Status: httpResp.StatusCode}
	data, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		return resp, observe.OutcomeHTTPError, &StatusError{Code: httpResp.StatusCode}
	}
	if err != nil {
		return resp, observe.OutcomeTransport, fmt.Errorf("exchange: read response body: %w", err)
	}

	text, err := parseReply(data)
	if err != nil {
		return resp, observe.OutcomeMalformed, err
	}
	resp.Text = text
	return resp, observe.OutcomeOK, nil
}

func (c *Client) encode(p capture.Payload) (io.Reader, string, error) {
	ts := p.CapturedAt
	if ts.IsZero() {
		ts = c.now()
	}
	stamp := ts.UTC().Format(TimestampLayout)

	if c.encoding == EncodingMultipart {
		return encodeMultipart(p, stamp)
	}

	doc := struct {
		Image     string `json:"image"`
		Audio     string `json:"audio"`
		Timestamp string `json:"timestamp"`
	}{
		Image:     p.ImageDataURL(),
		Audio:     p.AudioBase64(),
		Timestamp: stamp,
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return nil, "", fmt.Errorf("exchange: marshal body: %w", err)
	}
	return bytes.NewReader(b), "application/json", nil
}

// parseReply extracts data.response. An empty body or a missing data object
// is a valid reply without text.
func parseReply(data []byte) (string, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return "", nil
	}
	var reply struct {
		Data *struct {
			Response *string `json:"response"`
		} `json:"data"`
	}
	if err := json.Unmarshal(data, &reply); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if reply.Data == nil || reply.Data.Response == nil {
		return "", nil
	}
	return *reply.Data.Response, nil
}
