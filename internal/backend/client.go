// Package backend is the HTTP client for the PACT agent backend.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"pact/internal/domain"
)

const DefaultBaseURL = "http://127.0.0.1:8000"

// Client talks to the negotiation, verification and community endpoints.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
	Log        *zap.Logger

	tracer trace.Tracer
}

// New creates a client with sane defaults.
func New(baseURL string, timeout time.Duration, log *zap.Logger) *Client {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		BaseURL:    baseURL,
		HTTPClient: &http.Client{Timeout: timeout},
		Timeout:    timeout,
		Log:        log,
		tracer:     otel.Tracer("pact/backend"),
	}
}

// CommitResponse is the body returned by /commit.
type CommitResponse struct {
	Status     string `json:"status"`
	ContractID string `json:"contract_id"`
}

type HealthResponse struct {
	Status string `json:"status"`
}

// Negotiate turns a free-text goal into a contract draft.
func (c *Client) Negotiate(ctx context.Context, goalText string) (domain.Contract, error) {
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodPost, "negotiate", "", map[string]string{"goal_text": goalText}, &raw); err != nil {
		return domain.Contract{}, err
	}
	return domain.DecodeContract("", raw)
}

// Commit signs the contract for the token's user and returns the new id.
func (c *Client) Commit(ctx context.Context, token string, contract domain.Contract) (string, error) {
	var resp CommitResponse
	if err := c.do(ctx, http.MethodPost, "commit", token, contract, &resp); err != nil {
		return "", err
	}
	if resp.ContractID == "" {
		return "", fmt.Errorf("commit: response carried no contract id (status %q)", resp.Status)
	}
	return resp.ContractID, nil
}

// UploadEvidence posts a file as multipart field "file" and returns its URL.
func (c *Client) UploadEvidence(ctx context.Context, name string, r io.Reader) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", name)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(part, r); err != nil {
		return "", fmt.Errorf("read evidence %s: %w", name, err)
	}
	if err := mw.Close(); err != nil {
		return "", err
	}
	var resp struct {
		URL string `json:"url"`
	}
	if err := c.send(ctx, http.MethodPost, "upload_evidence", "", mw.FormDataContentType(), &buf, &resp); err != nil {
		return "", err
	}
	if resp.URL == "" {
		return "", fmt.Errorf("upload_evidence: response carried no url")
	}
	return resp.URL, nil
}

// Verify submits evidence and returns the agents' verdict.
func (c *Client) Verify(ctx context.Context, token string, req domain.VerifyRequest) (domain.Verdict, error) {
	var resp domain.Verdict
	err := c.do(ctx, http.MethodPost, "verify", token, req, &resp)
	return resp, err
}

func (c *Client) Feed(ctx context.Context) ([]domain.FeedItem, error) {
	var resp []domain.FeedItem
	err := c.do(ctx, http.MethodGet, "feed", "", nil, &resp)
	return resp, err
}

func (c *Client) Leaderboard(ctx context.Context) ([]domain.LeaderboardUser, error) {
	var resp []domain.LeaderboardUser
	err := c.do(ctx, http.MethodGet, "leaderboard", "", nil, &resp)
	return resp, err
}

func (c *Client) TelemetryStats(ctx context.Context) (domain.TelemetryStats, error) {
	var resp domain.TelemetryStats
	err := c.do(ctx, http.MethodGet, "opik/stats", "", nil, &resp)
	return resp, err
}

func (c *Client) Traces(ctx context.Context) ([]domain.TraceSummary, error) {
	var resp []domain.TraceSummary
	err := c.do(ctx, http.MethodGet, "opik/traces", "", nil, &resp)
	return resp, err
}

// Health pings the backend; the app calls it once at start to wake it.
func (c *Client) Health(ctx context.Context) (HealthResponse, error) {
	var resp HealthResponse
	err := c.do(ctx, http.MethodGet, "health", "", nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint, token string, body any, out any) error {
	var buf bytes.Buffer
	contentType := ""
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
		contentType = "application/json"
	}
	return c.send(ctx, method, endpoint, token, contentType, &buf, out)
}

func (c *Client) send(ctx context.Context, method, endpoint, token, contentType string, body io.Reader, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	if c.tracer == nil {
		c.tracer = otel.Tracer("pact/backend")
	}
	if c.Log == nil {
		c.Log = zap.NewNop()
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	ctx, span := c.tracer.Start(ctx, method+" /"+endpoint,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", method),
			attribute.String("url.full", url),
		))
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	start := time.Now()
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transport")
		c.Log.Debug("backend request failed", zap.String("method", method), zap.String("url", url), zap.Error(err))
		return fmt.Errorf("%s %s: %w", method, endpoint, err)
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
	c.Log.Debug("backend request",
		zap.String("method", method),
		zap.String("url", url),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)))
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		span.SetStatus(codes.Error, apiErr.Message())
		c.Log.Warn("backend error response", zap.String("endpoint", endpoint), zap.Int("status", resp.StatusCode), zap.String("body", apiErr.Body))
		return apiErr
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode %s response: %w", endpoint, err)
		}
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
