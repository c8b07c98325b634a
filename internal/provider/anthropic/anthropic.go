// Package anthropic adapts the Anthropic Messages API to provider.Provider.
package anthropic

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/alecgard/metergate/internal/call"
	"github.com/alecgard/metergate/internal/provider"
)

const (
	// Name is the provider identifier used in tenant settings.
	Name = "anthropic"

	DefaultBaseURL    = "https://api.anthropic.com"
	DefaultAPIVersion = "2023-06-01"
	DefaultTimeout    = 120 * time.Second
	DefaultMaxTokens  = 4096
)

const (
	extractSystem = "You extract structured data from business documents. " +
		"Respond with a single JSON object and nothing else."
	repairSystem = "You repair malformed JSON. Respond with the corrected JSON object only, " +
		"preserving every value that can be recovered."
)

// HTTPClient is the subset of *http.Client the adapter needs.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config configures the adapter.
type Config struct {
	APIKey     string
	BaseURL    string
	APIVersion string
	Timeout    time.Duration
	MaxTokens  int
}

// Provider calls the Anthropic Messages API.
type Provider struct {
	apiKey     string
	baseURL    string
	apiVersion string
	maxTokens  int
	client     HTTPClient
}

// New creates an Anthropic adapter.
func New(cfg Config) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic api key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = DefaultAPIVersion
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	return &Provider{
		apiKey:     cfg.APIKey,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiVersion: cfg.APIVersion,
		maxTokens:  cfg.MaxTokens,
		client:     &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// SetHTTPClient replaces the HTTP client.
func (p *Provider) SetHTTPClient(c HTTPClient) {
	p.client = c
}

func (p *Provider) Name() string {
	return Name
}

func (p *Provider) ExtractFromText(ctx context.Context, c provider.Call) (*provider.Response, error) {
	msg := message{Role: "user", Content: []contentBlock{{Type: "text", Text: string(c.Payload)}}}
	return p.send(ctx, c, systemPrompt(c, extractSystem), msg)
}

func (p *Provider) ExtractFromImages(ctx context.Context, c provider.Call) (*provider.Response, error) {
	pages, err := provider.DecodePages(Name, c.Payload)
	if err != nil {
		return nil, err
	}

	blocks := make([]contentBlock, 0, len(pages.Pages)+1)
	for _, page := range pages.Pages {
		blockType := "image"
		if page.MediaType == "application/pdf" {
			blockType = "document"
		}
		blocks = append(blocks, contentBlock{
			Type: blockType,
			Source: &source{
				Type:      "base64",
				MediaType: page.MediaType,
				Data:      base64.StdEncoding.EncodeToString(page.Data),
			},
		})
	}
	if pages.Prompt != "" {
		blocks = append(blocks, contentBlock{Type: "text", Text: pages.Prompt})
	}

	return p.send(ctx, c, systemPrompt(c, extractSystem), message{Role: "user", Content: blocks})
}

func (p *Provider) RepairOutput(ctx context.Context, c provider.Call) (*provider.Response, error) {
	var b strings.Builder
	if schema := c.Context[provider.ContextSchema]; schema != "" {
		b.WriteString("The JSON must conform to this schema:\n")
		b.WriteString(schema)
		b.WriteString("\n\n")
	}
	b.WriteString("Malformed output:\n")
	b.Write(c.Payload)

	msg := message{Role: "user", Content: []contentBlock{{Type: "text", Text: b.String()}}}
	return p.send(ctx, c, systemPrompt(c, repairSystem), msg)
}

// send issues one Messages request. The assistant turn is prefilled with
// "{" so the model continues a JSON object; the brace is restored on the
// returned output.
func (p *Provider) send(ctx context.Context, c provider.Call, system string, user message) (*provider.Response, error) {
	if c.Model == "" {
		return nil, &provider.Error{Kind: call.ErrorInvalidRequest, Provider: Name, Err: errors.New("model is required")}
	}

	req := messagesRequest{
		Model:     c.Model,
		MaxTokens: maxTokens(c, p.maxTokens),
		System:    system,
		Messages: []message{
			user,
			{Role: "assistant", Content: []contentBlock{{Type: "text", Text: "{"}}},
		},
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, &provider.Error{Kind: call.ErrorInvalidRequest, Provider: Name, Err: fmt.Errorf("encoding request: %w", err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, &provider.Error{Kind: call.ErrorInvalidRequest, Provider: Name, Err: fmt.Errorf("creating request: %w", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", p.apiVersion)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, provider.Wrap(Name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return nil, &provider.Error{
			Kind:       provider.ClassifyStatus(resp.StatusCode),
			StatusCode: resp.StatusCode,
			Provider:   Name,
			Err:        parseAPIError(raw),
		}
	}

	var out messagesResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, provider.Wrap(Name, fmt.Errorf("decoding response: %w", err))
	}

	var text strings.Builder
	text.WriteString("{")
	for _, block := range out.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	model := out.Model
	if model == "" {
		model = c.Model
	}
	return &provider.Response{
		Output:    text.String(),
		Model:     model,
		TokensIn:  out.Usage.InputTokens,
		TokensOut: out.Usage.OutputTokens,
	}, nil
}

func systemPrompt(c provider.Call, fallback string) string {
	if s := c.Context[provider.ContextSystem]; s != "" {
		return s
	}
	return fallback
}

func maxTokens(c provider.Call, fallback int) int {
	if v, err := strconv.Atoi(c.Context[provider.ContextMaxTokens]); err == nil && v > 0 {
		return v
	}
	return fallback
}

func parseAPIError(body []byte) error {
	var e struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &e); err != nil || e.Error.Message == "" {
		return fmt.Errorf("%s", strings.TrimSpace(string(body)))
	}
	return fmt.Errorf("%s: %s", e.Error.Type, e.Error.Message)
}

type messagesRequest struct {
	Model     string    `json:"model"`
	MaxTokens int       `json:"max_tokens"`
	System    string    `json:"system,omitempty"`
	Messages  []message `json:"messages"`
}

type message struct {
	Role    string         `json:"role"`
	Content []contentBlock `json:"content"`
}

type contentBlock struct {
	Type   string  `json:"type"`
	Text   string  `json:"text,omitempty"`
	Source *source `json:"source,omitempty"`
}

type source struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type messagesResponse struct {
	Model      string `json:"model"`
	StopReason string `json:"stop_reason"`
	Content    []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage"`
}
