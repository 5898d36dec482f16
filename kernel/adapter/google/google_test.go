package google

import (
	"context"
	"testing"
	"time"

	"github.com/devkernel/devkernel/kernel"
)

type fakeClient struct {
	text string
	err  error
}

func (f *fakeClient) generateContent(ctx context.Context, prompt string) (string, error) {
	return f.text, f.err
}

func TestExecuteParsesSuccessReply(t *testing.T) {
	a := New("test-key", "")
	a.client = &fakeClient{text: `{"status":"success","changed_files":["c.go"],"confidence":0.7,"risk_classification":"medium"}`}

	proof, err := a.Execute(context.Background(), kernel.Manifest{}, "/tmp/wc", time.Second)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if proof.Outcome != kernel.OutcomeSuccess {
		t.Fatalf("expected success, got %s", proof.Outcome)
	}
	if proof.RiskClassification != kernel.RiskMedium {
		t.Fatalf("expected medium risk, got %s", proof.RiskClassification)
	}
}

func TestExecuteWrapsSafetyFilterError(t *testing.T) {
	a := New("test-key", "")
	a.client = &fakeClient{err: &SafetyFilterError{category: "hate_speech", reason: "SAFETY"}}

	_, err := a.Execute(context.Background(), kernel.Manifest{}, "/tmp/wc", time.Second)
	if err == nil {
		t.Fatal("expected an error")
	}
	var adapterErr *kernel.AdapterError
	if ae, ok := err.(*kernel.AdapterError); ok {
		adapterErr = ae
	}
	if adapterErr == nil {
		t.Fatalf("expected kernel.AdapterError, got %T", err)
	}
}

func TestEstimateCostScalesWithPromptLength(t *testing.T) {
	a := New("test-key", "")
	short := a.EstimateCost(kernel.Manifest{})
	long := a.EstimateCost(kernel.Manifest{Issue: kernel.ManifestIssue{Description: string(make([]byte, 4000))}})
	if long.EstimatedTokens <= short.EstimatedTokens {
		t.Fatalf("expected longer manifest to estimate more tokens: short=%d long=%d", short.EstimatedTokens, long.EstimatedTokens)
	}
}
