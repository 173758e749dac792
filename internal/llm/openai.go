package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
)

// OpenAIConfig configures the OpenAI-compatible binding.
type OpenAIConfig struct {
	APIKey            string // falls back to OPENAI_API_KEY
	Model             string
	BaseURL           string // for compatible servers; empty uses api.openai.com
	Timeout           time.Duration
	RequestsPerMinute int // 0 disables client-side limiting
	Temperature       float32
}

// OpenAI is a Generator backed by the chat completions API.
type OpenAI struct {
	client  *openai.Client
	model   string
	timeout time.Duration
	temp    float32
	limiter *rate.Limiter
}

// NewOpenAI creates the client.
func NewOpenAI(cfg OpenAIConfig) (*OpenAI, error) {
	key := cfg.APIKey
	if key == "" {
		key = os.Getenv("OPENAI_API_KEY")
	}
	if key == "" && cfg.BaseURL == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY environment variable not set")
	}
	model := cfg.Model
	if model == "" {
		model = "gpt-4o-mini"
	}
	oc := openai.DefaultConfig(key)
	if cfg.BaseURL != "" {
		oc.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	o := &OpenAI{
		client:  openai.NewClientWithConfig(oc),
		model:   model,
		timeout: cfg.Timeout,
		temp:    cfg.Temperature,
	}
	if cfg.RequestsPerMinute > 0 {
		o.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RequestsPerMinute)), 1)
	}
	return o, nil
}

func (o *OpenAI) Generate(ctx context.Context, req Request) (Response, error) {
	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}
	if o.limiter != nil {
		if err := o.limiter.Wait(ctx); err != nil {
			return Response{}, classifyErr(ctx, err)
		}
	}

	system := req.System
	if system == "" {
		system = "You are a careful research engineer."
	}
	creq := openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: req.Prompt},
		},
		Temperature: o.temp,
	}
	resp, err := o.client.CreateChatCompletion(ctx, creq)
	if err != nil {
		return Response{}, classifyErr(ctx, err)
	}
	if len(resp.Choices) == 0 {
		return Response{}, fmt.Errorf("%w: no choices", ErrMalformed)
	}
	text := resp.Choices[0].Message.Content
	if strings.TrimSpace(text) == "" {
		return Response{}, fmt.Errorf("%w: empty content", ErrMalformed)
	}
	return Response{
		Text:             text,
		Model:            resp.Model,
		FinishReason:     string(resp.Choices[0].FinishReason),
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
	}, nil
}

// classifyErr maps transport failures onto the package sentinels.
func classifyErr(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("%w: %w", ErrRateLimited, err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("%w: %w", ErrRateLimited, err)
	}
	return fmt.Errorf("chat completion: %w", err)
}
