// Package anthropic provides a reference Adapter backed by Anthropic's
// Claude API: an interface-seamed client for testability, a fixed
// system prompt, and provider-error translation into kernel.AdapterError.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/devkernel/devkernel/kernel"
	"github.com/devkernel/devkernel/kernel/adapter"
)

// Adapter implements adapter.Adapter backed by Claude.
type Adapter struct {
	apiKey    string
	modelName string
	client    client
}

// client is the seam mocked in tests.
type client interface {
	createMessage(ctx context.Context, prompt string) (string, error)
}

// New returns an Adapter using modelName, or a documented default model
// when modelName is empty.
func New(apiKey, modelName string) *Adapter {
	if modelName == "" {
		modelName = "claude-sonnet-4-5-20250929"
	}
	return &Adapter{
		apiKey:    apiKey,
		modelName: modelName,
		client:    &defaultClient{apiKey: apiKey, modelName: modelName},
	}
}

func (a *Adapter) Name() string { return "anthropic" }

// reply is the PatchProof-shaped JSON the model is asked to return.
// Execute only assembles the manifest prompt and parses this reply; it
// does not drive an external coding agent (see the Non-goal on
// authoring agent prompts beyond manifest assembly).
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

	text, err := a.client.createMessage(runCtx, prompt)
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

// extractJSON strips markdown code fences the model may have wrapped
// its JSON reply in.
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
	_, err := a.client.createMessage(ctx, "ping")
	if err != nil {
		return false, err
	}
	return true, nil
}

func (a *Adapter) EstimateCost(manifest kernel.Manifest) kernel.CostEstimate {
	prompt := adapter.BuildPrompt(manifest)
	tokens := len(prompt) / 4
	const costPerThousandTokens = 0.015 // blended input/output estimate, Sonnet pricing order of magnitude
	return kernel.CostEstimate{
		EstimatedTokens:  tokens,
		EstimatedCostUSD: float64(tokens) / 1000 * costPerThousandTokens,
		Model:            a.modelName,
	}
}

// defaultClient wraps the official Anthropic SDK client.
type defaultClient struct {
	apiKey    string
	modelName string
}

func (c *defaultClient) createMessage(ctx context.Context, prompt string) (string, error) {
	if c.apiKey == "" {
		return "", errors.New("anthropic API key is required")
	}

	sdkClient := anthropicsdk.NewClient(option.WithAPIKey(c.apiKey))

	params := anthropicsdk.MessageNewParams{
		Model:     anthropicsdk.Model(c.modelName),
		MaxTokens: 4096,
		Messages: []anthropicsdk.MessageParam{
			anthropicsdk.NewUserMessage(anthropicsdk.NewTextBlock(prompt)),
		},
		System: []anthropicsdk.TextBlockParam{
			{Text: "Respond only with JSON matching {status, changed_files, diff_stats, confidence, risk_classification}."},
		},
	}

	resp, err := sdkClient.Messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("anthropic API error: %w", err)
	}

	var out strings.Builder
	for _, block := range resp.Content {
		if b, ok := block.AsAny().(anthropicsdk.TextBlock); ok {
			out.WriteString(b.Text)
		}
	}
	return out.String(), nil
}
