package dispatch

import (
	"context"
	"time"

	"github.com/devkernel/devkernel/kernel"
	"github.com/devkernel/devkernel/kernel/store"
)

// ManualEscalate and AutoEscalate both move an issue to escalated and
// record an escalation event; they differ only in the manual flag
// carried in the event data.

// ManualEscalate escalates issueID as a result of human intervention.
func ManualEscalate(ctx context.Context, s *store.Store, issueID, reason string) error {
	return escalate(ctx, s, issueID, reason, true)
}

// AutoEscalate escalates issueID as a result of an automated dispatch
// decision (forbidden-path violation, exhausted attempt budget).
func AutoEscalate(ctx context.Context, s *store.Store, issueID, reason string) error {
	return escalate(ctx, s, issueID, reason, false)
}

func escalate(ctx context.Context, s *store.Store, issueID, reason string, manual bool) error {
	if err := s.UpdateIssueStatus(ctx, issueID, kernel.StatusEscalated); err != nil {
		return err
	}
	return s.AddEvent(ctx, kernel.Event{
		Type:      kernel.EventIssueEscalated,
		IssueID:   issueID,
		Timestamp: time.Now().UTC(),
		Data: map[string]any{
			"reason": reason,
			"manual": manual,
		},
	})
}
