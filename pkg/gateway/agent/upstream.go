package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// EventStream yields raw upstream events until io.EOF.
type EventStream interface {
	Next() (any, error)
	Close() error
}

// Upstream opens one streaming query against the managed agent.
type Upstream interface {
	StreamQuery(ctx context.Context, userID, message string) (EventStream, error)
}

const cloudPlatformScope = "https://www.googleapis.com/auth/cloud-platform"

// GoogleHTTPClient wraps base with Application Default Credentials.
func GoogleHTTPClient(ctx context.Context, base *http.Client) (*http.Client, error) {
	ts, err := google.DefaultTokenSource(ctx, cloudPlatformScope)
	if err != nil {
		return nil, fmt.Errorf("load google credentials: %w", err)
	}
	var rt http.RoundTripper = http.DefaultTransport
	if base != nil && base.Transport != nil {
		rt = base.Transport
	}
	client := &http.Client{Transport: &oauth2.Transport{Source: ts, Base: rt}}
	if base != nil {
		client.Timeout = base.Timeout
	}
	return client, nil
}

type VertexConfig struct {
	ProjectID    string
	Location     string
	ResourceName string
	// Endpoint overrides the derived streamQuery URL.
	Endpoint string
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// StreamQueryURL returns the reasoning engine streamQuery endpoint.
func (c VertexConfig) StreamQueryURL() string {
	if c.Endpoint != "" {
		return c.Endpoint
	}
	resource := strings.Trim(c.ResourceName, "/")
	if !strings.HasPrefix(resource, "projects/") {
		resource = fmt.Sprintf("projects/%s/locations/%s/reasoningEngines/%s", c.ProjectID, c.Location, resource)
	}
	return fmt.Sprintf("https://%s-aiplatform.googleapis.com/v1/%s:streamQuery", c.Location, resource)
}

// VertexUpstream queries a Vertex AI Agent Engine deployment over REST.
type VertexUpstream struct {
	url    string
	client *http.Client
	logger *slog.Logger
}

func NewVertexUpstream(cfg VertexConfig, client *http.Client) *VertexUpstream {
	if client == nil {
		client = http.DefaultClient
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &VertexUpstream{url: cfg.StreamQueryURL(), client: client, logger: logger}
}

type streamQueryRequest struct {
	ClassMethod string           `json:"class_method"`
	Input       streamQueryInput `json:"input"`
}

type streamQueryInput struct {
	UserID  string `json:"user_id"`
	Message string `json:"message"`
}

func (u *VertexUpstream) StreamQuery(ctx context.Context, userID, message string) (EventStream, error) {
	body, err := json.Marshal(streamQueryRequest{
		ClassMethod: "async_stream_query",
		Input:       streamQueryInput{UserID: userID, Message: message},
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := u.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("agent stream query: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("agent stream query: status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	return newNDJSONStream(resp.Body, u.logger), nil
}

// ndjsonStream decodes one JSON document per line. Lines that are not valid
// JSON are skipped; only read failures end the stream early.
type ndjsonStream struct {
	reader *bufio.Reader
	closer io.Closer
	logger *slog.Logger
	err    error
}

func newNDJSONStream(body io.ReadCloser, logger *slog.Logger) *ndjsonStream {
	if logger == nil {
		logger = slog.Default()
	}
	return &ndjsonStream{reader: bufio.NewReader(body), closer: body, logger: logger}
}

func (s *ndjsonStream) Next() (any, error) {
	if s.err != nil {
		return nil, s.err
	}
	for {
		line, err := s.reader.ReadBytes('\n')
		line = bytes.TrimSpace(line)
		line = bytes.TrimPrefix(line, []byte("data:"))
		line = bytes.TrimSpace(line)
		if len(line) > 0 {
			if json.Valid(line) {
				return json.RawMessage(append([]byte(nil), line...)), nil
			}
			s.logger.Debug("agent stream: skipping malformed event", "bytes", len(line))
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.err = io.EOF
			} else {
				s.err = fmt.Errorf("agent stream: %w", err)
			}
			return nil, s.err
		}
	}
}

func (s *ndjsonStream) Close() error {
	return s.closer.Close()
}
