package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/shopspring/decimal"
	"github.com/upb/computer-use-api/config"
	"github.com/upb/computer-use-api/services/session"
	"go.uber.org/zap"
)

const defaultAnthropicBaseURL = "https://api.anthropic.com"

var million = decimal.NewFromInt(1_000_000)

// APIError is a non-2xx answer of the Messages API
type APIError struct {
	StatusCode int
	Type       string
	Message    string
	Retryable  bool
}

func (e *APIError) Error() string {
	return fmt.Sprintf("anthropic api error (%d %s): %s", e.StatusCode, e.Type, e.Message)
}

// Anthropic runs instructions through the Anthropic Messages API
type Anthropic struct {
	config      config.ExecutorConfig
	client      anthropic.Client
	inputPrice  decimal.Decimal
	outputPrice decimal.Decimal
	logger      *zap.Logger
}

// NewAnthropic creates an executor for the Messages API. Prices are per
// million tokens.
func NewAnthropic(cfg config.ExecutorConfig, logger *zap.Logger) (*Anthropic, error) {
	if cfg.AnthropicAPIKey == "" {
		return nil, errors.New("ANTHROPIC_API_KEY is required for the anthropic executor")
	}
	if cfg.AnthropicBaseURL == "" {
		cfg.AnthropicBaseURL = defaultAnthropicBaseURL
	}
	cfg.AnthropicBaseURL = strings.TrimRight(cfg.AnthropicBaseURL, "/")
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}

	inputPrice, err := decimal.NewFromString(orZero(cfg.InputCostPerMTok))
	if err != nil {
		return nil, fmt.Errorf("invalid input token price: %w", err)
	}
	outputPrice, err := decimal.NewFromString(orZero(cfg.OutputCostPerMTok))
	if err != nil {
		return nil, fmt.Errorf("invalid output token price: %w", err)
	}

	client := anthropic.NewClient(
		option.WithAPIKey(cfg.AnthropicAPIKey),
		option.WithBaseURL(cfg.AnthropicBaseURL+"/"),
		// The orchestrator's executor timeout bounds the whole call
		option.WithMaxRetries(0),
	)

	return &Anthropic{
		config:      cfg,
		client:      client,
		inputPrice:  inputPrice,
		outputPrice: outputPrice,
		logger:      logger,
	}, nil
}

// Name returns the provider name
func (a *Anthropic) Name() string {
	return config.ExecutorAnthropic
}

// Execute sends the instructions as a single user message
func (a *Anthropic) Execute(ctx context.Context, instructions string) (*session.ExecutionResult, error) {
	msg, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(a.config.Model),
		MaxTokens: int64(a.config.MaxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(instructions)),
		},
	})
	if err != nil {
		return nil, mapError(err)
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	a.logger.Debug("anthropic call finished",
		zap.String("model", string(msg.Model)),
		zap.Int64("input_tokens", msg.Usage.InputTokens),
		zap.Int64("output_tokens", msg.Usage.OutputTokens),
		zap.String("stop_reason", string(msg.StopReason)))

	return &session.ExecutionResult{
		Response:    text.String(),
		TotalTokens: int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
		Cost:        a.cost(msg.Usage.InputTokens, msg.Usage.OutputTokens).String(),
		Model:       string(msg.Model),
	}, nil
}

// Check lists models to verify the key and the endpoint
func (a *Anthropic) Check(ctx context.Context) error {
	if _, err := a.client.Models.List(ctx, anthropic.ModelListParams{}); err != nil {
		return mapError(err)
	}
	return nil
}

// cost prices usage with the configured per-million-token rates
func (a *Anthropic) cost(inputTokens, outputTokens int64) decimal.Decimal {
	in := decimal.NewFromInt(inputTokens).Mul(a.inputPrice)
	out := decimal.NewFromInt(outputTokens).Mul(a.outputPrice)
	return in.Add(out).Div(million)
}

// mapError turns SDK status errors into APIError; transport errors pass through
func mapError(err error) error {
	var sdkErr *anthropic.Error
	if !errors.As(err, &sdkErr) {
		return fmt.Errorf("anthropic request failed: %w", err)
	}

	apiErr := &APIError{
		StatusCode: sdkErr.StatusCode,
		Type:       "unknown_error",
		Message:    sdkErr.Error(),
		Retryable:  sdkErr.StatusCode >= 500 || sdkErr.StatusCode == http.StatusTooManyRequests,
	}

	var envelope errorEnvelope
	if err := json.Unmarshal([]byte(sdkErr.RawJSON()), &envelope); err == nil && envelope.Error.Message != "" {
		apiErr.Type = envelope.Error.Type
		apiErr.Message = envelope.Error.Message
	}
	return apiErr
}

func orZero(s string) string {
	if s == "" {
		return "0"
	}
	return s
}

type errorEnvelope struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}
