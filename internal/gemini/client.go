// Package gemini adapts the Gemini API to the proxy: file registration for
// image assets and reply generation over a full conversation history.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/ent0n29/gemproxy/internal/conversation"
)

// ErrUpload marks a file the provider refused or failed to register.
var ErrUpload = errors.New("gemini upload failed")

// ErrEmptyReply is returned when a generation yields no text.
var ErrEmptyReply = errors.New("gemini returned no text")

const defaultPollInterval = 500 * time.Millisecond

type Config struct {
	APIKey           string
	Model            string
	BaseURL          string
	Temperature      float32
	TopP             float32
	TopK             float32
	MaxOutputTokens  int
	ResponseMIMEType string
}

type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

type fileService interface {
	UploadFromPath(ctx context.Context, path string, config *genai.UploadFileConfig) (*genai.File, error)
	Get(ctx context.Context, name string, config *genai.GetFileConfig) (*genai.File, error)
}

type Client struct {
	model        string
	generation   *genai.GenerateContentConfig
	models       contentGenerator
	files        fileService
	pollInterval time.Duration
	logger       *zap.Logger
}

func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("gemini api key is required")
	}
	cc := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: base}
	}
	sdk, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return newClient(cfg, sdk.Models, sdk.Files, logger), nil
}

func newClient(cfg Config, models contentGenerator, files fileService, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	gen := &genai.GenerateContentConfig{
		Temperature:      genai.Ptr(cfg.Temperature),
		TopP:             genai.Ptr(cfg.TopP),
		TopK:             genai.Ptr(cfg.TopK),
		MaxOutputTokens:  int32(cfg.MaxOutputTokens),
		ResponseMIMEType: cfg.ResponseMIMEType,
	}
	return &Client{
		model:        cfg.Model,
		generation:   gen,
		models:       models,
		files:        files,
		pollInterval: defaultPollInterval,
		logger:       logger.Named("gemini"),
	}
}

// Register uploads a local file and waits until the provider reports it
// usable. Every failure wraps ErrUpload.
func (c *Client) Register(ctx context.Context, path, mimeType string) (conversation.Asset, error) {
	started := time.Now()
	file, err := c.files.UploadFromPath(ctx, path, &genai.UploadFileConfig{MIMEType: mimeType})
	if err != nil {
		return conversation.Asset{}, fmt.Errorf("%w: %w", ErrUpload, wrapAPIError(err))
	}
	if file == nil {
		return conversation.Asset{}, fmt.Errorf("%w: empty file response", ErrUpload)
	}

	for file.State == genai.FileStateProcessing {
		select {
		case <-ctx.Done():
			return conversation.Asset{}, fmt.Errorf("%w: waiting for %s: %w", ErrUpload, file.Name, ctx.Err())
		case <-time.After(c.pollInterval):
		}
		file, err = c.files.Get(ctx, file.Name, nil)
		if err != nil {
			return conversation.Asset{}, fmt.Errorf("%w: poll file state: %w", ErrUpload, wrapAPIError(err))
		}
	}
	if file.State == genai.FileStateFailed {
		return conversation.Asset{}, fmt.Errorf("%w: provider marked %s as failed", ErrUpload, file.Name)
	}
	if strings.TrimSpace(file.URI) == "" {
		return conversation.Asset{}, fmt.Errorf("%w: file %s has no uri", ErrUpload, file.Name)
	}

	asset := conversation.Asset{Name: file.Name, URI: file.URI, MIMEType: file.MIMEType}
	if asset.MIMEType == "" {
		asset.MIMEType = mimeType
	}
	c.logger.Debug("file registered",
		zap.String("name", asset.Name),
		zap.String("mime_type", asset.MIMEType),
		zap.Duration("took", time.Since(started)),
	)
	return asset, nil
}

// Generate sends history followed by message and returns the reply text.
// message must not already be in history: the prompt is sent once, never
// both as the last history entry and again as the new message.
func (c *Client) Generate(ctx context.Context, history []conversation.Turn, message conversation.Turn) (string, error) {
	contents := toContents(append(append([]conversation.Turn(nil), history...), message))

	started := time.Now()
	resp, err := c.models.GenerateContent(ctx, c.model, contents, c.generation)
	if err != nil {
		return "", fmt.Errorf("generate content: %w", wrapAPIError(err))
	}
	text, err := replyText(resp)
	if err != nil {
		return "", err
	}
	c.logger.Debug("reply generated",
		zap.Int("context_turns", len(contents)),
		zap.Int("reply_chars", len(text)),
		zap.Duration("took", time.Since(started)),
	)
	return text, nil
}

func toContents(turns []conversation.Turn) []*genai.Content {
	out := make([]*genai.Content, 0, len(turns))
	for _, t := range turns {
		out = append(out, &genai.Content{Role: string(t.Role), Parts: toParts(t)})
	}
	return out
}

func toParts(t conversation.Turn) []*genai.Part {
	parts := make([]*genai.Part, 0, len(t.Parts))
	for _, p := range t.Parts {
		if p.IsAsset() {
			parts = append(parts, &genai.Part{FileData: &genai.FileData{
				FileURI:  p.Asset.URI,
				MIMEType: p.Asset.MIMEType,
			}})
			continue
		}
		if p.Text == "" && len(t.Parts) > 1 {
			continue
		}
		parts = append(parts, &genai.Part{Text: p.Text})
	}
	return parts
}

func replyText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		return "", ErrEmptyReply
	}
	cand := resp.Candidates[0]
	var b strings.Builder
	if cand.Content != nil {
		for _, p := range cand.Content.Parts {
			if p == nil || p.Thought {
				continue
			}
			b.WriteString(p.Text)
		}
	}
	if b.Len() == 0 {
		return "", fmt.Errorf("%w (finish reason %q)", ErrEmptyReply, string(cand.FinishReason))
	}
	return b.String(), nil
}
