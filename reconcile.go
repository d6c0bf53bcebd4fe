package paygate

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"paygate/event"
	"paygate/metrics"
	"paygate/retry"
)

// charge calls the dispatcher with bounded retry. Only errors marked
// transient are retried.
func (e *Engine) charge(ctx context.Context, key string, req *PaymentRequest) (*ChargeResult, error) {
	provider := string(req.Provider)
	attempt := 0

	return retry.Do(ctx, e.config.ChargePolicy(), retry.IsTransient,
		func(ctx context.Context) (*ChargeResult, error) {
			attempt++
			ctx, span := e.tracer.StartCharge(ctx, key, provider, attempt)
			defer span.End()

			start := time.Now()
			res, err := e.dispatcher.Charge(ctx, req, key)
			switch {
			case err != nil:
				span.SetError(err)
				e.metrics.ChargeAttempt(provider, metrics.OutcomeFailure, time.Since(start))
			case res.Status == PaymentPending:
				e.metrics.ChargeAttempt(provider, metrics.OutcomePending, time.Since(start))
			default:
				e.metrics.ChargeAttempt(provider, metrics.OutcomeSuccess, time.Since(start))
			}
			return res, err
		},
		func(attempt int, err error, wait time.Duration) {
			e.logger.Warn("transient charge failure, retrying",
				zap.String("idempotency_key", key),
				zap.String("provider", provider),
				zap.Int("attempt", attempt+1),
				zap.Duration("wait", wait),
				zap.Error(err))
		},
	)
}

// reconcile records the charge outcome on rec with a write conditional on the
// version obtained at admission.
func (e *Engine) reconcile(ctx context.Context, rec *PaymentRecord, req *PaymentRequest, charge *ChargeResult, chargeErr error, start time.Time) (*Result, error) {
	key := rec.IdempotencyKey
	provider := string(req.Provider)
	now := e.now()
	expected := rec.Version

	if chargeErr == nil {
		switch {
		case charge == nil:
			chargeErr = NewChargeError("provider returned no result")
		case charge.Status == PaymentPending && charge.ProviderTransactionID == "":
			chargeErr = NewChargeError("provider accepted the charge without a transaction id")
		case charge.Status == PaymentFailed:
			chargeErr = NewChargeError("Payment declined by provider")
		case !charge.Status.IsValid():
			chargeErr = NewChargeError(fmt.Sprintf("provider returned unknown status %q", charge.Status))
		}
	}

	var resp *PaymentResponse
	status := http.StatusOK
	switch {
	case chargeErr != nil:
		resp = newFailedResponse(req, failureMessage(chargeErr), now)
		if err := rec.transitionTo(StatusFailed); err != nil {
			return nil, err
		}
	case charge.Status == PaymentPending:
		resp = newChargeResponse(req, charge, now)
		rec.ProviderTransactionID = charge.ProviderTransactionID
		status = http.StatusAccepted
	default:
		resp = newChargeResponse(req, charge, now)
		if err := rec.transitionTo(StatusCompleted); err != nil {
			return nil, err
		}
		rec.TransactionNo = charge.TransactionNo
		rec.ProviderTransactionID = charge.ProviderTransactionID
	}
	if err := rec.SetResponse(resp, status); err != nil {
		return nil, err
	}
	rec.UpdatedAt = now

	err := e.store.UpdateIfVersionMatches(ctx, rec, expected)
	if errors.Is(err, ErrVersionConflict) {
		e.metrics.VersionConflict("reconcile")
		return e.resolveReconcileConflict(ctx, key)
	}
	if err != nil {
		e.logger.Error("failed to record charge outcome",
			zap.String("idempotency_key", key),
			zap.String("provider", provider),
			zap.Error(err))
		return nil, err
	}

	switch {
	case chargeErr != nil:
		e.metrics.PaymentFailed(provider, failureReason(chargeErr))
		e.publishEvent(ctx, event.NewEvent(event.EventPaymentFailed).
			WithKey(key).
			WithProvider(provider).
			WithError(chargeErr))
		e.logger.Info("payment failed",
			zap.String("idempotency_key", key),
			zap.String("provider", provider),
			zap.Error(chargeErr))
	case rec.Status == StatusProcessing:
		e.metrics.PaymentPending(provider)
		e.publishEvent(ctx, event.NewEvent(event.EventPaymentPending).
			WithKey(key).
			WithProvider(provider).
			WithProviderTxID(rec.ProviderTransactionID))
		e.logger.Info("payment pending, awaiting webhook",
			zap.String("idempotency_key", key),
			zap.String("provider_transaction_id", rec.ProviderTransactionID))
	default:
		e.metrics.PaymentCompleted(provider, time.Since(start))
		e.publishEvent(ctx, event.NewEvent(event.EventPaymentCompleted).
			WithKey(key).
			WithProvider(provider).
			WithData("transaction_no", rec.TransactionNo))
		e.logger.Info("payment completed",
			zap.String("idempotency_key", key),
			zap.String("transaction_no", rec.TransactionNo))
	}

	return &Result{IdempotencyKey: key, Response: resp}, nil
}

// resolveReconcileConflict re-reads a record whose outcome write lost a race.
// If another writer already made it terminal that outcome stands.
func (e *Engine) resolveReconcileConflict(ctx context.Context, key string) (*Result, error) {
	current, err := e.store.FindByKey(ctx, key)
	if err != nil {
		return nil, err
	}
	if current.IsTerminal() {
		resp, err := current.Response()
		if err != nil {
			return nil, err
		}
		e.logger.Info("outcome already recorded by another writer",
			zap.String("idempotency_key", key),
			zap.String("status", string(current.Status)))
		return &Result{IdempotencyKey: key, Response: resp, Cached: true}, nil
	}
	e.logger.Warn("lost outcome write to a concurrent update",
		zap.String("idempotency_key", key),
		zap.Int("version", current.Version))
	return nil, fmt.Errorf("%w: %s", ErrContention, key)
}

// failureMessage is the message stored in a FAILED response.
func failureMessage(err error) string {
	var ce *ChargeError
	if errors.As(err, &ce) {
		return ce.Reason
	}
	if errors.Is(err, ErrUnsupportedProvider) {
		return err.Error()
	}
	return "Payment processing failed: " + err.Error()
}

func failureReason(err error) string {
	var ce *ChargeError
	switch {
	case errors.Is(err, ErrCircuitOpen):
		return "circuit_open"
	case errors.As(err, &ce) && ce.Transient():
		return "retries_exhausted"
	case errors.As(err, &ce):
		return "declined"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "error"
	}
}
