package ai

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/quizpix/scanworker/internal/infra/ai/stream"
)

const defaultBaseURL = "https://generativelanguage.googleapis.com"

// Request describes one call to the model endpoint: an inline image
// payload, a text instruction, and an optional response-shape constraint.
type Request struct {
	Model          string
	Instruction    string
	Image          []byte
	ImageMIME      string
	ResponseSchema json.RawMessage
	Stream         bool
}

// Caller is the transport the orchestrator drives. One call per attempt.
type Caller interface {
	Generate(ctx context.Context, key string, req Request) (*stream.Response, error)
}

// Client speaks the generateContent wire format over HTTP. The API key is
// passed per call so the credential pool can rotate freely.
type Client struct {
	hc      *http.Client
	baseURL string
	log     *slog.Logger
}

// NewClient creates an endpoint client with a shared connection pool.
func NewClient(baseURL string, timeout time.Duration, log *slog.Logger) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		hc: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		baseURL: baseURL,
		log:     log,
	}
}

// Wire types, minimal fields only.
type genPart struct {
	Text       string         `json:"text,omitempty"`
	InlineData *genInlineData `json:"inline_data,omitempty"`
}

type genInlineData struct {
	MIMEType string `json:"mime_type"`
	Data     string `json:"data"` // base64
}

type genContent struct {
	Role  string    `json:"role,omitempty"`
	Parts []genPart `json:"parts"`
}

type genGenerationConfig struct {
	ResponseMIMEType string          `json:"response_mime_type,omitempty"`
	ResponseSchema   json.RawMessage `json:"response_schema,omitempty"`
}

type genRequest struct {
	Contents         []genContent         `json:"contents"`
	GenerationConfig *genGenerationConfig `json:"generationConfig,omitempty"`
}

// Generate performs one attempt against the endpoint and routes the raw
// result through the stream assembler. Non-2xx statuses surface as typed
// *StatusError so classification does not depend on message text.
func (c *Client) Generate(ctx context.Context, key string, req Request) (*stream.Response, error) {
	if key == "" {
		return nil, &ValidationError{Msg: "missing api key"}
	}
	if req.Model == "" {
		return nil, &ValidationError{Msg: "missing model id"}
	}
	if len(req.Image) == 0 && req.Instruction == "" {
		return nil, &ValidationError{Msg: "request carries neither image nor instruction"}
	}

	var parts []genPart
	if len(req.Image) > 0 {
		mime := req.ImageMIME
		if mime == "" {
			mime = "image/jpeg"
		}
		parts = append(parts, genPart{InlineData: &genInlineData{
			MIMEType: mime,
			Data:     base64.StdEncoding.EncodeToString(req.Image),
		}})
	}
	if req.Instruction != "" {
		parts = append(parts, genPart{Text: req.Instruction})
	}

	body := genRequest{
		Contents: []genContent{{Role: "user", Parts: parts}},
	}
	if len(req.ResponseSchema) > 0 {
		body.GenerationConfig = &genGenerationConfig{
			ResponseMIMEType: "application/json",
			ResponseSchema:   req.ResponseSchema,
		}
	}

	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	verb := "generateContent"
	if req.Stream {
		verb = "streamGenerateContent"
	}
	endpoint := fmt.Sprintf("%s/v1beta/models/%s:%s?key=%s",
		c.baseURL, url.PathEscape(req.Model), verb, url.QueryEscape(key))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("call model endpoint: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		msg := string(snippet)
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			msg = fmt.Sprintf("retry after %s: %s", ra, msg)
		}
		return nil, &StatusError{Code: resp.StatusCode, Message: msg}
	}

	out, err := stream.ReadAll(ctx, resp.Body)
	if err != nil {
		return nil, err
	}

	// A 200 body can still carry an error object.
	if out.Err != nil {
		return nil, &StatusError{Code: out.Err.Code, Message: out.Err.Message}
	}
	if out.Text == "" {
		return nil, ErrEmptyPayload
	}
	return out, nil
}
