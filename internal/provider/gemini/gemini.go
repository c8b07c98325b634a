// Package gemini adapts the Google Gen AI SDK to provider.Provider.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/alecgard/metergate/internal/call"
	"github.com/alecgard/metergate/internal/provider"
)

const (
	// Name is the provider identifier used in tenant settings.
	Name = "gemini"

	DefaultTimeout   = 120 * time.Second
	DefaultMaxTokens = 4096
)

const (
	extractSystem = "You extract structured data from business documents. Respond with JSON only."
	repairSystem  = "You repair malformed JSON. Respond with the corrected JSON only."
)

// Config configures the adapter.
type Config struct {
	APIKey    string
	BaseURL   string
	Timeout   time.Duration
	MaxTokens int
}

// Provider calls Gemini through a genai.Client.
type Provider struct {
	client    *genai.Client
	maxTokens int
}

// New creates a Gemini adapter.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("gemini api key is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}

	opts := genai.HTTPOptions{Timeout: genai.Ptr(cfg.Timeout)}
	if cfg.BaseURL != "" {
		opts.BaseURL = cfg.BaseURL
	}
	client, err := genai.NewClient(context.WithoutCancel(ctx), &genai.ClientConfig{
		APIKey:      cfg.APIKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPOptions: opts,
	})
	if err != nil {
		return nil, fmt.Errorf("creating genai client: %w", err)
	}
	return &Provider{client: client, maxTokens: cfg.MaxTokens}, nil
}

func (p *Provider) Name() string {
	return Name
}

func (p *Provider) ExtractFromText(ctx context.Context, c provider.Call) (*provider.Response, error) {
	contents := []*genai.Content{genai.NewContentFromText(string(c.Payload), genai.RoleUser)}
	return p.generate(ctx, c, extractSystem, contents)
}

func (p *Provider) ExtractFromImages(ctx context.Context, c provider.Call) (*provider.Response, error) {
	pages, err := provider.DecodePages(Name, c.Payload)
	if err != nil {
		return nil, err
	}
	return p.generate(ctx, c, extractSystem, buildPageContents(pages))
}

func (p *Provider) RepairOutput(ctx context.Context, c provider.Call) (*provider.Response, error) {
	return p.generate(ctx, c, repairSystem, []*genai.Content{
		genai.NewContentFromText(repairPrompt(c), genai.RoleUser),
	})
}

func (p *Provider) generate(ctx context.Context, c provider.Call, system string, contents []*genai.Content) (*provider.Response, error) {
	if c.Model == "" {
		return nil, &provider.Error{Kind: call.ErrorInvalidRequest, Provider: Name, Err: errors.New("model is required")}
	}

	resp, err := p.client.Models.GenerateContent(ctx, c.Model, contents, buildConfig(c, system, p.maxTokens))
	if err != nil {
		return nil, classify(err)
	}

	in, out := extractUsage(resp)
	model := resp.ModelVersion
	if model == "" {
		model = c.Model
	}
	return &provider.Response{
		Output:    extractText(resp),
		Model:     model,
		TokensIn:  in,
		TokensOut: out,
	}, nil
}

func buildConfig(c provider.Call, system string, maxTokens int) *genai.GenerateContentConfig {
	if s := c.Context[provider.ContextSystem]; s != "" {
		system = s
	}
	if v, err := strconv.Atoi(c.Context[provider.ContextMaxTokens]); err == nil && v > 0 {
		maxTokens = v
	}
	return &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(system, genai.RoleUser),
		MaxOutputTokens:   int32(maxTokens),
		Temperature:       genai.Ptr[float32](0),
		ResponseMIMEType:  "application/json",
	}
}

func buildPageContents(pages *provider.PagesPayload) []*genai.Content {
	parts := make([]*genai.Part, 0, len(pages.Pages)+1)
	for _, page := range pages.Pages {
		parts = append(parts, genai.NewPartFromBytes(page.Data, page.MediaType))
	}
	if pages.Prompt != "" {
		parts = append(parts, genai.NewPartFromText(pages.Prompt))
	}
	return []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}
}

func repairPrompt(c provider.Call) string {
	var b strings.Builder
	if schema := c.Context[provider.ContextSchema]; schema != "" {
		b.WriteString("The JSON must conform to this schema:\n")
		b.WriteString(schema)
		b.WriteString("\n\n")
	}
	b.WriteString("Malformed output:\n")
	b.Write(c.Payload)
	return b.String()
}

func extractText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if part == nil || part.Thought || part.Text == "" {
			continue
		}
		b.WriteString(part.Text)
	}
	return b.String()
}

// extractUsage counts thinking tokens as output; they are billed at the
// output rate.
func extractUsage(resp *genai.GenerateContentResponse) (in, out int64) {
	if resp == nil || resp.UsageMetadata == nil {
		return 0, 0
	}
	u := resp.UsageMetadata
	return int64(u.PromptTokenCount), int64(u.CandidatesTokenCount) + int64(u.ThoughtsTokenCount)
}

func classify(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &provider.Error{
			Kind:       provider.ClassifyStatus(apiErr.Code),
			StatusCode: apiErr.Code,
			Provider:   Name,
			Err:        err,
		}
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) {
		return &provider.Error{
			Kind:       provider.ClassifyStatus(apiErrPtr.Code),
			StatusCode: apiErrPtr.Code,
			Provider:   Name,
			Err:        err,
		}
	}
	return provider.Wrap(Name, err)
}
