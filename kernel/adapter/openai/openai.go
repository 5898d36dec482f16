// Package openai provides a reference Adapter backed by OpenAI's chat
// completions API: transient-error retry with backoff, interface-seamed
// client.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	openaisdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/devkernel/devkernel/kernel"
	"github.com/devkernel/devkernel/kernel/adapter"
)

// Adapter implements adapter.Adapter backed by an OpenAI chat model.
type Adapter struct {
	apiKey     string
	modelName  string
	client     client
	maxRetries int
	retryDelay time.Duration
}

type client interface {
	createChatCompletion(ctx context.Context, prompt string) (string, error)
}

// New returns an Adapter using modelName, or a documented default.
func New(apiKey, modelName string) *Adapter {
	if modelName == "" {
		modelName = "gpt-4o"
	}
	return &Adapter{
		apiKey:     apiKey,
		modelName:  modelName,
		client:     &defaultClient{apiKey: apiKey, modelName: modelName},
		maxRetries: 3,
		retryDelay: time.Second,
	}
}

func (a *Adapter) Name() string { return "openai" }

type reply struct {
	Status             string   `json:"status"`
	ChangedFiles       []string `json:"changed_files"`
	DiffStats          string   `json:"diff_stats"`
	Confidence         float64  `json:"confidence"`
	RiskClassification string   `json:"risk_classification"`
}

func (a *Adapter) Execute(ctx context.Context, manifest kernel.Manifest, workcellPath string, timeout time.Duration) (kernel.PatchProof, error) {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	prompt := adapter.BuildPrompt(manifest)
	started := time.Now()

	text, err := a.chatWithRetry(runCtx, prompt)
	if err != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return kernel.PatchProof{}, &kernel.AdapterError{Adapter: a.Name(), Timeout: true, Cause: err}
		}
		return kernel.PatchProof{}, &kernel.AdapterError{Adapter: a.Name(), Cause: err}
	}

	var r reply
	if err := json.Unmarshal([]byte(extractJSON(text)), &r); err != nil {
		return kernel.PatchProof{}, &kernel.AdapterError{Adapter: a.Name(), Cause: fmt.Errorf("parsing model reply: %w", err)}
	}

	outcome := kernel.OutcomeFailed
	switch r.Status {
	case "success":
		outcome = kernel.OutcomeSuccess
	case "partial":
		outcome = kernel.OutcomePartial
	case "error":
		outcome = kernel.OutcomeError
	}

	return kernel.PatchProof{
		SchemaVersion: "1.0",
		WorkcellID:    manifest.WorkcellID,
		IssueID:       manifest.Issue.ID,
		Outcome:       outcome,
		Patch: kernel.PatchSummary{
			ChangedFiles: r.ChangedFiles,
			DiffStats:    r.DiffStats,
		},
		Metadata: kernel.PatchMetadata{
			Toolchain:  a.Name(),
			Model:      a.modelName,
			DurationMS: time.Since(started).Milliseconds(),
		},
		Confidence:         r.Confidence,
		RiskClassification: kernel.Risk(r.RiskClassification),
		AdapterName:        a.Name(),
	}, nil
}

// chatWithRetry retries transient failures with a fixed delay, and
// backs off linearly (retryDelay times the attempt number) for
// rate-limit errors.
func (a *Adapter) chatWithRetry(ctx context.Context, prompt string) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= a.maxRetries; attempt++ {
		out, err := a.client.createChatCompletion(ctx, prompt)
		if err == nil {
			return out, nil
		}
		lastErr = err

		if !isTransientError(err) {
			return "", err
		}
		if attempt >= a.maxRetries {
			break
		}

		delay := a.retryDelay
		if isRateLimitError(err) {
			delay = a.retryDelay * time.Duration(attempt+1)
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return "", fmt.Errorf("OpenAI API failed after %d retries: %w", a.maxRetries, lastErr)
}

func isTransientError(err error) bool {
	if err == nil {
		return false
	}
	var rateLimitErr *rateLimitError
	if errors.As(err, &rateLimitErr) {
		return true
	}
	msgLower := strings.ToLower(err.Error())
	for _, pattern := range []string{"timeout", "network", "connection", "temporary", "503", "502", "500"} {
		if strings.Contains(msgLower, pattern) {
			return true
		}
	}
	return false
}

func isRateLimitError(err error) bool {
	var rateLimitErr *rateLimitError
	return errors.As(err, &rateLimitErr)
}

type rateLimitError struct{ message string }

func (e *rateLimitError) Error() string { return e.message }

func extractJSON(text string) string {
	t := strings.TrimSpace(text)
	t = strings.TrimPrefix(t, "```json")
	t = strings.TrimPrefix(t, "```")
	t = strings.TrimSuffix(t, "```")
	return strings.TrimSpace(t)
}

func (a *Adapter) HealthCheck(ctx context.Context) (bool, error) {
	if a.apiKey == "" {
		return false, nil
	}
	_, err := a.client.createChatCompletion(ctx, "ping")
	if err != nil {
		return false, err
	}
	return true, nil
}

func (a *Adapter) EstimateCost(manifest kernel.Manifest) kernel.CostEstimate {
	prompt := adapter.BuildPrompt(manifest)
	tokens := len(prompt) / 4
	const costPerThousandTokens = 0.01
	return kernel.CostEstimate{
		EstimatedTokens:  tokens,
		EstimatedCostUSD: float64(tokens) / 1000 * costPerThousandTokens,
		Model:            a.modelName,
	}
}

// defaultClient wraps the official OpenAI SDK client.
type defaultClient struct {
	apiKey    string
	modelName string
}

func (c *defaultClient) createChatCompletion(ctx context.Context, prompt string) (string, error) {
	if c.apiKey == "" {
		return "", errors.New("OpenAI API key is required")
	}

	sdkClient := openaisdk.NewClient(option.WithAPIKey(c.apiKey))

	params := openaisdk.ChatCompletionNewParams{
		Model: openaisdk.ChatModel(c.modelName),
		Messages: []openaisdk.ChatCompletionMessageParamUnion{
			openaisdk.SystemMessage("Respond only with JSON matching {status, changed_files, diff_stats, confidence, risk_classification}."),
			openaisdk.UserMessage(prompt),
		},
	}

	resp, err := sdkClient.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("OpenAI API error: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("OpenAI API returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}
