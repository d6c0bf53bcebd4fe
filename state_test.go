package paygate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"pgregory.net/rapid"
)

// ============================================================================
// Unit Tests for state.go
// ============================================================================

func TestValidateTransition_ValidTransitions(t *testing.T) {
	tests := []struct {
		from ProcessingStatus
		to   ProcessingStatus
	}{
		{StatusProcessing, StatusCompleted},
		{StatusProcessing, StatusFailed},
		{StatusCompleted, StatusProcessing},
		{StatusFailed, StatusProcessing},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			if !ValidateTransition(tt.from, tt.to) {
				t.Errorf("expected %s -> %s to be valid", tt.from, tt.to)
			}
		})
	}
}

func TestValidateTransition_InvalidTransitions(t *testing.T) {
	tests := []struct {
		from ProcessingStatus
		to   ProcessingStatus
	}{
		{StatusProcessing, StatusProcessing},
		{StatusCompleted, StatusFailed},
		{StatusCompleted, StatusCompleted},
		{StatusFailed, StatusCompleted},
		{StatusFailed, StatusFailed},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			if ValidateTransition(tt.from, tt.to) {
				t.Errorf("expected %s -> %s to be invalid", tt.from, tt.to)
			}
		})
	}
}

func TestValidateTransition_UnknownStatus(t *testing.T) {
	if ValidateTransition("UNKNOWN", StatusProcessing) {
		t.Error("transition from unknown status should be invalid")
	}
	if ValidateTransition(StatusProcessing, "UNKNOWN") {
		t.Error("transition to unknown status should be invalid")
	}
}

func TestIsTerminal(t *testing.T) {
	tests := []struct {
		status   ProcessingStatus
		terminal bool
	}{
		{StatusProcessing, false},
		{StatusCompleted, true},
		{StatusFailed, true},
		{"UNKNOWN", false},
	}

	for _, tt := range tests {
		if got := IsTerminal(tt.status); got != tt.terminal {
			t.Errorf("IsTerminal(%s) = %v, want %v", tt.status, got, tt.terminal)
		}
	}
}

func TestIsReopenable(t *testing.T) {
	if !IsReopenable(StatusFailed) {
		t.Error("FAILED should be reopenable")
	}
	if IsReopenable(StatusCompleted) {
		t.Error("COMPLETED should not be reopenable")
	}
	if IsReopenable(StatusProcessing) {
		t.Error("PROCESSING should not be reopenable")
	}
}

func TestTransitionTo(t *testing.T) {
	rec := &PaymentRecord{IdempotencyKey: "k", Status: StatusProcessing}
	if err := rec.transitionTo(StatusCompleted); err != nil {
		t.Fatalf("PROCESSING -> COMPLETED rejected: %v", err)
	}
	if rec.Status != StatusCompleted {
		t.Errorf("expected COMPLETED, got %s", rec.Status)
	}

	if err := rec.transitionTo(StatusFailed); !errors.Is(err, ErrInvalidStateTransition) {
		t.Errorf("expected ErrInvalidStateTransition for COMPLETED -> FAILED, got %v", err)
	}
	if rec.Status != StatusCompleted {
		t.Errorf("rejected transition changed status to %s", rec.Status)
	}
}

// Writes that bypass the admission guards still hit the transition table
// before anything reaches the store.
func TestEngineWritesRejectInvalidTransitions(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	e := &Engine{clock: func() time.Time { return now }, config: DefaultConfig()}
	req := &PaymentRequest{Amount: decimal.NewFromInt(50), Method: "card", Provider: ProviderSyncSim}
	completed := func() *PaymentRecord {
		return &PaymentRecord{
			IdempotencyKey: "k",
			Status:         StatusCompleted,
			Provider:       ProviderSyncSim,
			ExpiresAt:      now.Add(time.Hour),
		}
	}

	t.Run("reconcile", func(t *testing.T) {
		rec := completed()
		_, err := e.reconcile(context.Background(), rec, req, nil, NewChargeError("declined"), now)
		if !errors.Is(err, ErrInvalidStateTransition) {
			t.Errorf("expected ErrInvalidStateTransition, got %v", err)
		}
		if rec.Status != StatusCompleted {
			t.Errorf("status changed to %s", rec.Status)
		}
	})

	t.Run("reset before expiry", func(t *testing.T) {
		rec := completed()
		err := e.resetRecord(context.Background(), rec, "fp", req, "failed")
		if !errors.Is(err, ErrInvalidStateTransition) {
			t.Errorf("expected ErrInvalidStateTransition, got %v", err)
		}
		if rec.Status != StatusCompleted || rec.RequestFingerprint != "" {
			t.Errorf("record changed: %+v", rec)
		}
	})
}

func TestStatusIsValid(t *testing.T) {
	for _, s := range []ProcessingStatus{StatusProcessing, StatusCompleted, StatusFailed} {
		if !s.IsValid() {
			t.Errorf("%s should be valid", s)
		}
	}
	if ProcessingStatus("PENDING").IsValid() {
		t.Error("PENDING is not a processing status")
	}

	for _, s := range []PaymentStatus{PaymentCompleted, PaymentFailed, PaymentPending} {
		if !s.IsValid() {
			t.Errorf("%s should be valid", s)
		}
	}
	if PaymentStatus("PROCESSING").IsValid() {
		t.Error("PROCESSING is not a payment status")
	}
}

// Property: the only way back to PROCESSING is from a terminal state, and
// a terminal state never moves directly to another terminal state.
func TestProperty_TransitionsLeaveTerminalOnlyThroughReset(t *testing.T) {
	all := []ProcessingStatus{StatusProcessing, StatusCompleted, StatusFailed}
	rapid.Check(t, func(rt *rapid.T) {
		from := rapid.SampledFrom(all).Draw(rt, "from")
		to := rapid.SampledFrom(all).Draw(rt, "to")

		valid := ValidateTransition(from, to)
		if IsTerminal(from) && IsTerminal(to) && valid {
			rt.Fatalf("terminal %s must not move to terminal %s", from, to)
		}
		if to == StatusProcessing && valid && !IsTerminal(from) {
			rt.Fatalf("only terminal states may reset to PROCESSING, got from %s", from)
		}
		if from == StatusProcessing && IsTerminal(to) && !valid {
			rt.Fatalf("PROCESSING must be able to reach %s", to)
		}
	})
}
