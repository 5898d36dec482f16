package anthropic

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

func (f *fakeClient) createMessage(ctx context.Context, prompt string) (string, error) {
	return f.text, f.err
}

func TestExecuteParsesSuccessReply(t *testing.T) {
	a := New("test-key", "")
	a.client = &fakeClient{text: `{"status":"success","changed_files":["a.go"],"confidence":0.9,"risk_classification":"low"}`}

	manifest := kernel.Manifest{WorkcellID: "wc-1", Issue: kernel.ManifestIssue{ID: "issue-1", Title: "Fix thing"}}
	proof, err := a.Execute(context.Background(), manifest, "/tmp/wc-1", time.Second)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if proof.Outcome != kernel.OutcomeSuccess {
		t.Fatalf("expected success outcome, got %s", proof.Outcome)
	}
	if len(proof.Patch.ChangedFiles) != 1 || proof.Patch.ChangedFiles[0] != "a.go" {
		t.Fatalf("expected changed files parsed, got %v", proof.Patch.ChangedFiles)
	}
	if proof.Confidence != 0.9 {
		t.Fatalf("expected confidence 0.9, got %v", proof.Confidence)
	}
}

func TestExecuteHandlesFencedReply(t *testing.T) {
	a := New("test-key", "")
	a.client = &fakeClient{text: "```json\n{\"status\":\"partial\",\"confidence\":0.4,\"risk_classification\":\"medium\"}\n```"}

	proof, err := a.Execute(context.Background(), kernel.Manifest{}, "/tmp/wc", time.Second)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if proof.Outcome != kernel.OutcomePartial {
		t.Fatalf("expected partial outcome, got %s", proof.Outcome)
	}
}

func TestExecuteWrapsClientErrorAsAdapterError(t *testing.T) {
	a := New("test-key", "")
	a.client = &fakeClient{err: context.DeadlineExceeded}

	_, err := a.Execute(context.Background(), kernel.Manifest{}, "/tmp/wc", time.Millisecond)
	var adapterErr *kernel.AdapterError
	if err == nil {
		t.Fatal("expected an error")
	}
	if !errorsAs(err, &adapterErr) {
		t.Fatalf("expected kernel.AdapterError, got %T: %v", err, err)
	}
}

func errorsAs(err error, target **kernel.AdapterError) bool {
	if ae, ok := err.(*kernel.AdapterError); ok {
		*target = ae
		return true
	}
	return false
}

func TestEstimateCostScalesWithPromptLength(t *testing.T) {
	a := New("test-key", "")
	short := a.EstimateCost(kernel.Manifest{Issue: kernel.ManifestIssue{Title: "x"}})
	long := a.EstimateCost(kernel.Manifest{Issue: kernel.ManifestIssue{Title: "x", Description: string(make([]byte, 4000))}})
	if long.EstimatedTokens <= short.EstimatedTokens {
		t.Fatalf("expected longer manifest to estimate more tokens: short=%d long=%d", short.EstimatedTokens, long.EstimatedTokens)
	}
}

func TestHealthCheckFailsWithoutAPIKey(t *testing.T) {
	a := New("", "")
	ok, err := a.HealthCheck(context.Background())
	if ok || err != nil {
		t.Fatalf("expected unhealthy with no error, got ok=%v err=%v", ok, err)
	}
}
