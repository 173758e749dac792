// Package llm is the contract of the generative capability: text in, text out.
package llm

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/lucasnoah/rdloop/internal/metrics"
)

// Errors a Generator reports for transport problems, as opposed to bad content.
var (
	ErrTimeout     = errors.New("generator timed out")
	ErrRateLimited = errors.New("generator rate limited")
	ErrMalformed   = errors.New("generator returned a malformed response")
)

// Purposes tag requests so fakes and metrics can tell call sites apart.
const (
	PurposePropose    = "propose"
	PurposeSynthesize = "synthesize"
	PurposeRepair     = "repair"
)

// Request is one generation request.
type Request struct {
	Purpose string
	System  string
	Prompt  string
	// Context carries optional structured context (prior attempts etc).
	Context map[string]string
}

// Response is the generated text.
type Response struct {
	Text             string
	Model            string
	FinishReason     string
	PromptTokens     int
	CompletionTokens int
}

// Generator is the generative capability.
type Generator interface {
	Generate(ctx context.Context, req Request) (Response, error)
}

// Transient reports whether err is worth retrying.
func Transient(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrRateLimited)
}

type instrumented struct {
	next    Generator
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// Instrument wraps g with logging, metrics and a tracing span per call.
func Instrument(g Generator, logger *zap.Logger, m *metrics.Metrics) Generator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &instrumented{next: g, logger: logger, metrics: m}
}

func (i *instrumented) Generate(ctx context.Context, req Request) (Response, error) {
	ctx, span := otel.Tracer("rdloop/llm").Start(ctx, "llm.Generate", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(attribute.String("purpose", req.Purpose))

	start := time.Now()
	resp, err := i.next.Generate(ctx, req)
	result := "ok"
	switch {
	case errors.Is(err, ErrTimeout):
		result = "timeout"
	case errors.Is(err, ErrRateLimited):
		result = "rate_limited"
	case errors.Is(err, ErrMalformed):
		result = "malformed"
	case err != nil:
		result = "error"
	}
	i.metrics.GeneratorCall(req.Purpose, result)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		i.logger.Warn("generator call failed",
			zap.String("purpose", req.Purpose), zap.Duration("elapsed", time.Since(start)), zap.Error(err))
		return resp, err
	}
	i.logger.Debug("generator call",
		zap.String("purpose", req.Purpose),
		zap.String("model", resp.Model),
		zap.Int("prompt_tokens", resp.PromptTokens),
		zap.Int("completion_tokens", resp.CompletionTokens),
		zap.Duration("elapsed", time.Since(start)))
	return resp, nil
}
