package openai

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/devkernel/devkernel/kernel"
)

type fakeClient struct {
	texts []string
	errs  []error
	calls int
}

func (f *fakeClient) createChatCompletion(ctx context.Context, prompt string) (string, error) {
	i := f.calls
	f.calls++
	var text string
	var err error
	if i < len(f.texts) {
		text = f.texts[i]
	}
	if i < len(f.errs) {
		err = f.errs[i]
	}
	return text, err
}

func TestExecuteParsesSuccessReply(t *testing.T) {
	a := New("test-key", "")
	a.client = &fakeClient{texts: []string{`{"status":"success","changed_files":["b.go"],"confidence":0.8,"risk_classification":"low"}`}}
	a.retryDelay = time.Millisecond

	proof, err := a.Execute(context.Background(), kernel.Manifest{}, "/tmp/wc", time.Second)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if proof.Outcome != kernel.OutcomeSuccess {
		t.Fatalf("expected success, got %s", proof.Outcome)
	}
}

func TestExecuteRetriesTransientErrorThenSucceeds(t *testing.T) {
	a := New("test-key", "")
	a.retryDelay = time.Millisecond
	a.client = &fakeClient{
		errs:  []error{errors.New("connection reset"), nil},
		texts: []string{"", `{"status":"success","confidence":1,"risk_classification":"low"}`},
	}

	proof, err := a.Execute(context.Background(), kernel.Manifest{}, "/tmp/wc", time.Second)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if proof.Outcome != kernel.OutcomeSuccess {
		t.Fatalf("expected success after retry, got %s", proof.Outcome)
	}
}

func TestExecuteDoesNotRetryNonTransientError(t *testing.T) {
	a := New("test-key", "")
	a.retryDelay = time.Millisecond
	fc := &fakeClient{errs: []error{errors.New("invalid request: bad schema")}}
	a.client = fc

	_, err := a.Execute(context.Background(), kernel.Manifest{}, "/tmp/wc", time.Second)
	if err == nil {
		t.Fatal("expected an error")
	}
	if fc.calls != 1 {
		t.Fatalf("expected exactly 1 call for non-transient error, got %d", fc.calls)
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
