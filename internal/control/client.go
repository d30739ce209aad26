// Package control calls the request/response endpoints that create and resume
// workflow runs.
package control

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/JingHuan921/secondhalf-coding/internal/logging"
	"github.com/JingHuan921/secondhalf-coding/pkg/types"
)

// Endpoint paths relative to the base URL.
const (
	CreatePath = "/graph/stream/create"
	ResumePath = "/graph/stream/resume"
)

// RequestIDHeader carries a per-call id the backend can log.
const RequestIDHeader = "X-Request-ID"

const defaultTimeout = 30 * time.Second

// CreateRequest is the body of a create call.
type CreateRequest struct {
	HumanRequest string `json:"human_request"`
}

// ResumeRequest is the body of a resume call.
type ResumeRequest struct {
	ThreadID         string `json:"thread_id"`
	ResumeType       string `json:"resume_type"`
	ReviewAction     string `json:"review_action,omitempty"`
	HumanComment     string `json:"human_comment,omitempty"`
	UserChoice       string `json:"user_choice,omitempty"`
	ArtifactID       string `json:"artifact_id,omitempty"`
	ArtifactAction   string `json:"artifact_action,omitempty"`
	ArtifactFeedback string `json:"artifact_feedback,omitempty"`
}

// RunResponse is returned by both calls.
type RunResponse struct {
	ThreadID  string `json:"thread_id"`
	RunStatus string `json:"run_status"`
}

// NewResumeRequest converts a decision into the wire body for runID.
func NewResumeRequest(runID string, d types.Decision) ResumeRequest {
	return ResumeRequest{
		ThreadID:         runID,
		ResumeType:       string(d.Type),
		ReviewAction:     d.ReviewAction,
		HumanComment:     d.Comment,
		UserChoice:       d.Choice,
		ArtifactID:       d.ArtifactID,
		ArtifactAction:   d.ArtifactAction,
		ArtifactFeedback: d.ArtifactFeedback,
	}
}

// Client talks to the control endpoints.
type Client struct {
	baseURL    string
	httpClient *http.Client
	tracer     trace.Tracer
	log        zerolog.Logger
	requestID  func() string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTracer configures the tracer. Defaults to the global provider's tracer.
func WithTracer(t trace.Tracer) Option {
	return func(c *Client) { c.tracer = t }
}

// WithLogger sets the client logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.log = l }
}

// WithRequestID overrides request id generation.
func WithRequestID(fn func() string) Option {
	return func(c *Client) { c.requestID = fn }
}

// New creates a control client for baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: defaultTimeout},
		tracer:     otel.Tracer("github.com/JingHuan921/secondhalf-coding/internal/control"),
		log:        logging.Component("control"),
		requestID:  func() string { return uuid.NewString() },
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// BaseURL returns the backend root the client calls.
func (c *Client) BaseURL() string { return c.baseURL }

// Create starts a run for prompt and returns its id.
func (c *Client) Create(ctx context.Context, prompt string) (RunResponse, error) {
	if strings.TrimSpace(prompt) == "" {
		return RunResponse{}, errors.New("create run: empty prompt")
	}
	resp, err := c.post(ctx, "control.create", CreatePath, CreateRequest{HumanRequest: prompt})
	if err != nil {
		return RunResponse{}, fmt.Errorf("create run: %w", err)
	}
	if resp.ThreadID == "" {
		return RunResponse{}, errors.New("create run: response has no thread_id")
	}
	return resp, nil
}

// Resume submits decision for runID.
func (c *Client) Resume(ctx context.Context, runID string, decision types.Decision) (RunResponse, error) {
	if runID == "" {
		return RunResponse{}, errors.New("resume run: empty run id")
	}
	resp, err := c.post(ctx, "control.resume", ResumePath, NewResumeRequest(runID, decision),
		attribute.String("reqflow.run_id", runID),
		attribute.String("reqflow.resume_type", string(decision.Type)),
	)
	if err != nil {
		return RunResponse{}, fmt.Errorf("resume run %s: %w", runID, err)
	}
	return resp, nil
}

func (c *Client) post(ctx context.Context, spanName, path string, body any, attrs ...attribute.KeyValue) (RunResponse, error) {
	reqID := c.requestID()
	ctx, span := c.tracer.Start(ctx, spanName,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(append(attrs,
			attribute.String("http.route", path),
			attribute.String("reqflow.request_id", reqID),
		)...),
	)
	defer span.End()

	var out RunResponse
	err := c.do(ctx, path, reqID, body, &out)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, spanName+" failed")
		c.log.Warn().Err(err).Str("path", path).Str("requestID", reqID).Msg("control call failed")
		return out, err
	}
	span.SetAttributes(attribute.String("reqflow.run_status", out.RunStatus))
	c.log.Debug().Str("path", path).Str("runID", out.ThreadID).Str("runStatus", out.RunStatus).Msg("control call ok")
	return out, nil
}

func (c *Client) do(ctx context.Context, path, reqID string, body, out any) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(buf))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set(RequestIDHeader, reqID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return newError(resp.StatusCode, data)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
