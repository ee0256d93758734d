// Package transport sends upload candidates to an HTTP intake.
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"github.com/unijord/eventpipe/pkg/upload"
)

var ErrInvalidEndpoint = errors.New("invalid intake endpoint")

const (
	HeaderRequestID      = "X-Request-Id"
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderEventCount     = "X-Event-Count"

	// bytes of a response body read before the connection is reused.
	maxDrainBytes = 64 * 1024
)

// Framing joins the events of a batch into one request body.
type Framing struct {
	Prefix    string
	Separator string
	Suffix    string
}

var (
	// JSONArray frames JSON events as one array.
	JSONArray = Framing{Prefix: "[", Separator: ",", Suffix: "]"}
	// NDJSON frames events as newline delimited lines.
	NDJSON = Framing{Separator: "\n"}
)

// Config configures an HTTPUploader.
type Config struct {
	Endpoint     string
	APIKey       string
	APIKeyHeader string
	ContentType  string
	UserAgent    string
	Framing      Framing
	// Compress sends zstd encoded bodies.
	Compress bool
	Timeout  time.Duration
	// Client overrides the HTTP client. Timeout is ignored when set.
	Client *http.Client
	Logger *slog.Logger
}

// DefaultConfig returns sensible defaults for a JSON intake.
func DefaultConfig(endpoint string) Config {
	return Config{
		Endpoint:     endpoint,
		APIKeyHeader: "X-Api-Key",
		ContentType:  "application/json",
		UserAgent:    "eventpipe",
		Framing:      JSONArray,
		Compress:     true,
		Timeout:      30 * time.Second,
	}
}

// HTTPUploader is an upload.Uploader posting each candidate as one request.
type HTTPUploader struct {
	config  Config
	client  *http.Client
	encoder *zstd.Encoder
	logger  *slog.Logger
}

// NewHTTPUploader validates config and creates an HTTPUploader.
func NewHTTPUploader(config Config) (*HTTPUploader, error) {
	u, err := url.Parse(config.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEndpoint, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidEndpoint, config.Endpoint)
	}
	if config.APIKeyHeader == "" {
		config.APIKeyHeader = "X-Api-Key"
	}
	if config.ContentType == "" {
		config.ContentType = "application/json"
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	client := config.Client
	if client == nil {
		timeout := config.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}

	h := &HTTPUploader{
		config: config,
		client: client,
		logger: config.Logger.With("component", "http_uploader"),
	}
	if config.Compress {
		h.encoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, fmt.Errorf("zstd encoder: %w", err)
		}
	}
	return h, nil
}

// Body frames the events of candidate into one payload, uncompressed.
func (h *HTTPUploader) Body(candidate *upload.Candidate) []byte {
	f := h.config.Framing
	size := len(f.Prefix) + len(f.Suffix) + int(candidate.Size)
	if n := len(candidate.Events); n > 1 {
		size += (n - 1) * len(f.Separator)
	}

	body := make([]byte, 0, size)
	body = append(body, f.Prefix...)
	for i, event := range candidate.Events {
		if i > 0 {
			body = append(body, f.Separator...)
		}
		body = append(body, event...)
	}
	body = append(body, f.Suffix...)
	return body
}

// NewRequest builds the request sending candidate.
func (h *HTTPUploader) NewRequest(ctx context.Context, candidate *upload.Candidate) (*http.Request, error) {
	body := h.Body(candidate)
	if h.encoder != nil {
		body = h.encoder.EncodeAll(body, make([]byte, 0, len(body)/2))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.config.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", h.config.ContentType)
	if h.encoder != nil {
		req.Header.Set("Content-Encoding", "zstd")
	}
	if h.config.UserAgent != "" {
		req.Header.Set("User-Agent", h.config.UserAgent)
	}
	if h.config.APIKey != "" {
		req.Header.Set(h.config.APIKeyHeader, h.config.APIKey)
	}
	req.Header.Set(HeaderRequestID, uuid.NewString())
	req.Header.Set(HeaderIdempotencyKey, candidate.Digest.String())
	req.Header.Set(HeaderEventCount, fmt.Sprint(len(candidate.Events)))
	return req, nil
}

// Upload implements upload.Uploader.
func (h *HTTPUploader) Upload(ctx context.Context, candidate *upload.Candidate) upload.Outcome {
	req, err := h.NewRequest(ctx, candidate)
	if err != nil {
		h.logger.Error("failed to build upload request", "unit_id", candidate.UnitID, "error", err)
		return upload.ClientError
	}

	resp, err := h.client.Do(req)
	if err != nil {
		h.logger.Warn("upload request failed",
			"unit_id", candidate.UnitID,
			"request_id", req.Header.Get(HeaderRequestID),
			"error", err)
		return upload.NetworkError
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrainBytes))

	outcome := Classify(resp.StatusCode)
	h.logger.Debug("upload response",
		"unit_id", candidate.UnitID,
		"request_id", req.Header.Get(HeaderRequestID),
		"status", resp.StatusCode,
		"outcome", outcome.String())
	return outcome
}

// Classify maps an intake status code to an upload outcome. Throttling and
// server failures are retried; any other non-2xx status drops the batch.
func Classify(statusCode int) upload.Outcome {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return upload.Delivered
	case statusCode == http.StatusRequestTimeout,
		statusCode == http.StatusTooManyRequests,
		statusCode >= 500:
		return upload.ServerError
	default:
		return upload.ClientError
	}
}

// Close releases the compression encoder.
func (h *HTTPUploader) Close() error {
	if h.encoder != nil {
		return h.encoder.Close()
	}
	return nil
}
