// Package genapi is the HTTP client for the generation and token
// endpoints: a streaming chat-completions call and a one-shot token
// test call.
package genapi

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sorabatch/sorabatch/pkg/tokens"
)

// ErrMalformedResponse marks a token test reply that was not valid
// JSON. The validator classifies this separately from transport
// failures.
var ErrMalformedResponse = errors.New("malformed response body")

// StatusError is a non-2xx reply from the upstream service.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("upstream returned %d: %s", e.Code, e.Body)
	}
	return fmt.Sprintf("upstream returned %d", e.Code)
}

// Config configures a Client.
type Config struct {
	BaseURL string
	APIKey  string

	// HTTPClient overrides the default client. The default carries no
	// overall timeout so streaming responses can run long; callers
	// bound individual requests through their context.
	HTTPClient *http.Client
}

// Client talks to one upstream deployment.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewClient validates cfg and builds a client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("base URL is required")
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		http:    hc,
	}, nil
}

// MediaRef wraps a URL for a typed content part.
type MediaRef struct {
	URL string `json:"url"`
}

// ContentPart is one element of a structured message content array.
type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	VideoURL *MediaRef `json:"video_url,omitempty"`
	ImageURL *MediaRef `json:"image_url,omitempty"`
}

// TextPart builds a text content part.
func TextPart(text string) ContentPart {
	return ContentPart{Type: "text", Text: text}
}

// AttachmentPart reads a local file into a base64 data URL content
// part. Files with a video MIME type become video_url parts; everything
// else is sent as image_url.
func AttachmentPart(path string) (ContentPart, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ContentPart{}, fmt.Errorf("read attachment: %w", err)
	}
	mimeType := mime.TypeByExtension(filepath.Ext(path))
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	ref := &MediaRef{
		URL: "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data),
	}
	if strings.HasPrefix(mimeType, "video/") {
		return ContentPart{Type: "video_url", VideoURL: ref}, nil
	}
	return ContentPart{Type: "image_url", ImageURL: ref}, nil
}

// Message is one chat message. Content is either a plain string or a
// []ContentPart.
type Message struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

// GenerationRequest is the body of a streaming generation call.
type GenerationRequest struct {
	Model    string    `json:"model"`
	Stream   bool      `json:"stream"`
	Messages []Message `json:"messages"`
}

// UserMessage assembles the request for one job: a plain string when
// there is no attachment, a content-part array otherwise.
func UserMessage(prompt string, attachments ...ContentPart) Message {
	if len(attachments) == 0 {
		return Message{Role: "user", Content: prompt}
	}
	parts := make([]ContentPart, 0, len(attachments)+1)
	if prompt != "" {
		parts = append(parts, TextPart(prompt))
	}
	parts = append(parts, attachments...)
	return Message{Role: "user", Content: parts}
}

// StreamGeneration starts a streaming completion and returns the
// response body for frame decoding. The caller owns closing the body.
func (c *Client) StreamGeneration(ctx context.Context, req GenerationRequest) (io.ReadCloser, error) {
	req.Stream = true
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v1/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	c.setHeaders(httpReq)
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("generation request: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		return nil, &StatusError{Code: resp.StatusCode, Body: readErrorBody(resp.Body)}
	}
	return resp.Body, nil
}

// TestToken runs one token test call. A well-formed JSON body is
// returned even when it reports failure; the caller classifies it.
// Non-JSON bodies yield ErrMalformedResponse for 2xx replies and a
// StatusError otherwise.
func (c *Client) TestToken(ctx context.Context, id string) (*tokens.TestResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/tokens/"+id+"/test", nil)
	if err != nil {
		return nil, err
	}
	c.setHeaders(httpReq)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("token test request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read token test response: %w", err)
	}

	var parsed tokens.TestResponse
	if jsonErr := json.Unmarshal(body, &parsed); jsonErr != nil {
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return nil, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
		}
		return nil, fmt.Errorf("%w: %s", ErrMalformedResponse, snippet(body))
	}
	return &parsed, nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

func readErrorBody(r io.Reader) string {
	body, _ := io.ReadAll(io.LimitReader(r, 4096))
	return strings.TrimSpace(string(body))
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 120 {
		s = s[:120]
	}
	return s
}

// DefaultTokenTestTimeout bounds a single token test call.
const DefaultTokenTestTimeout = 120 * time.Second
