// Package google provides a reference Adapter backed by Google's
// Gemini API: an interface-seamed client, genai.Client lifecycle, and
// safety-filter error translation.
package google

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/devkernel/devkernel/kernel"
	"github.com/devkernel/devkernel/kernel/adapter"
)

// Adapter implements adapter.Adapter backed by Gemini.
type Adapter struct {
	apiKey    string
	modelName string
	client    client
}

type client interface {
	generateContent(ctx context.Context, prompt string) (string, error)
}

// New returns an Adapter using modelName, or a documented default.
func New(apiKey, modelName string) *Adapter {
	if modelName == "" {
		modelName = "gemini-1.5-flash"
	}
	return &Adapter{apiKey: apiKey, modelName: modelName, client: &defaultClient{apiKey: apiKey, modelName: modelName}}
}

func (a *Adapter) Name() string { return "google" }

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

	text, err := a.client.generateContent(runCtx, prompt)
	if err != nil {
		var safetyErr *SafetyFilterError
		if errors.As(err, &safetyErr) {
			return kernel.PatchProof{}, &kernel.AdapterError{Adapter: a.Name(), Cause: err}
		}
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
	_, err := a.client.generateContent(ctx, "ping")
	if err != nil {
		return false, err
	}
	return true, nil
}

func (a *Adapter) EstimateCost(manifest kernel.Manifest) kernel.CostEstimate {
	prompt := adapter.BuildPrompt(manifest)
	tokens := len(prompt) / 4
	const costPerThousandTokens = 0.0025 // Flash-tier pricing order of magnitude
	return kernel.CostEstimate{
		EstimatedTokens:  tokens,
		EstimatedCostUSD: float64(tokens) / 1000 * costPerThousandTokens,
		Model:            a.modelName,
	}
}

// SafetyFilterError represents a Gemini safety filter block.
type SafetyFilterError struct {
	category string
	reason   string
}

func (e *SafetyFilterError) Error() string {
	return fmt.Sprintf("content blocked by safety filter: %s (%s)", e.category, e.reason)
}

func (e *SafetyFilterError) Category() string { return e.category }
func (e *SafetyFilterError) Reason() string    { return e.reason }

// defaultClient wraps the official genai SDK client.
type defaultClient struct {
	apiKey    string
	modelName string
}

func (c *defaultClient) generateContent(ctx context.Context, prompt string) (string, error) {
	if c.apiKey == "" {
		return "", errors.New("google API key is required")
	}

	sdkClient, err := genai.NewClient(ctx, option.WithAPIKey(c.apiKey))
	if err != nil {
		return "", fmt.Errorf("failed to create Google client: %w", err)
	}
	defer sdkClient.Close()

	genModel := sdkClient.GenerativeModel(c.modelName)
	genModel.SystemInstruction = genai.NewUserContent(genai.Text(
		"Respond only with JSON matching {status, changed_files, diff_stats, confidence, risk_classification}.",
	))

	resp, err := genModel.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return "", fmt.Errorf("google API error: %w", err)
	}

	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		if len(resp.Candidates) > 0 && resp.Candidates[0].FinishReason == genai.FinishReasonSafety {
			return "", &SafetyFilterError{category: "safety", reason: resp.Candidates[0].FinishReason.String()}
		}
		return "", errors.New("google API returned no candidates")
	}

	var out strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if t, ok := part.(genai.Text); ok {
			out.WriteString(string(t))
		}
	}
	return out.String(), nil
}
