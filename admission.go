package paygate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"paygate/event"
	"paygate/retry"
	"paygate/tracing"
)

// ProcessPayment admits req under key and returns its single committed
// outcome. A repeated call with the same key and payload replays the stored
// response with Cached set. A provider failure is a normal, cacheable outcome
// and is returned as a FAILED response, not as an error.
//
// Errors: ErrInvalidKeyFormat, ErrInvalidRequest, ErrIdempotencyKeyConflict,
// ErrRequestInProgress (ErrContention after exhausted conflict retries), and
// store failures.
func (e *Engine) ProcessPayment(ctx context.Context, key string, req *PaymentRequest) (*Result, error) {
	if err := ValidateIdempotencyKey(key); err != nil {
		return nil, err
	}
	if req == nil {
		return nil, fmt.Errorf("%w: request is required", ErrInvalidRequest)
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	provider := string(req.Provider)
	ctx, span := e.tracer.StartPayment(ctx, key, provider)
	defer span.End()

	fp, err := req.Fingerprint()
	if err != nil {
		span.SetError(err)
		return nil, fmt.Errorf("fingerprint request: %w", err)
	}

	rec, cached, err := e.createOrAttach(ctx, key, fp, req)
	if err != nil {
		e.recordAdmissionError(key, err)
		span.SetError(err)
		return nil, err
	}

	if cached {
		resp, err := rec.Response()
		if err != nil {
			span.SetError(err)
			return nil, err
		}
		e.metrics.PaymentCached(provider)
		e.publishEvent(ctx, event.NewEvent(event.EventPaymentCached).
			WithKey(key).
			WithProvider(provider))
		span.SetAttributes(tracing.AttrCached.Bool(true))
		return &Result{IdempotencyKey: key, Response: resp, Cached: true}, nil
	}

	e.metrics.PaymentStarted(provider)
	e.publishEvent(ctx, event.NewEvent(event.EventPaymentAdmitted).
		WithKey(key).
		WithProvider(provider).
		WithData("version", rec.Version))
	e.logger.Info("payment admitted",
		zap.String("idempotency_key", key),
		zap.String("provider", provider),
		zap.Int("version", rec.Version))

	// Once admitted, the charge and its outcome write run to completion even if
	// the caller goes away; only the dispatcher timeout bounds the provider call.
	// A cancelled charge would otherwise be stored as FAILED and reopen the key
	// while the provider may still settle it.
	detached := context.WithoutCancel(ctx)
	start := time.Now()
	charge, chargeErr := e.charge(detached, key, req)
	result, err := e.reconcile(detached, rec, req, charge, chargeErr, start)
	if err != nil {
		span.SetError(err)
		return nil, err
	}
	if result.Response != nil {
		span.SetAttributes(tracing.AttrStatus.String(string(result.Response.Status)))
	}
	return result, nil
}

// createOrAttach inserts a fresh PROCESSING record or attaches to the one that
// already holds key. It returns the record to dispatch with, or a completed
// record with cached set.
func (e *Engine) createOrAttach(ctx context.Context, key, fp string, req *PaymentRequest) (*PaymentRecord, bool, error) {
	rec, err := NewPaymentRecord(key, fp, req, e.now(), e.config.IdempotencyTTL)
	if err != nil {
		return nil, false, err
	}

	err = e.store.Insert(ctx, rec)
	if err == nil {
		return rec, false, nil
	}
	if !errors.Is(err, ErrDuplicateKey) {
		return nil, false, err
	}

	return e.attach(ctx, key, fp, req)
}

type attachment struct {
	record *PaymentRecord
	cached bool
}

// attach runs handleExisting with bounded retry on version conflicts and
// falls back to a read-only resolution once the retries are spent.
func (e *Engine) attach(ctx context.Context, key, fp string, req *PaymentRequest) (*PaymentRecord, bool, error) {
	a, err := retry.Do(ctx, e.config.ConflictPolicy(), isVersionConflict,
		func(ctx context.Context) (attachment, error) {
			rec, cached, err := e.handleExisting(ctx, key, fp, req)
			return attachment{record: rec, cached: cached}, err
		},
		func(attempt int, err error, wait time.Duration) {
			e.metrics.VersionConflict("attach")
			e.logger.Debug("version conflict while attaching, retrying",
				zap.String("idempotency_key", key),
				zap.Int("attempt", attempt+1),
				zap.Duration("wait", wait))
		},
	)
	if err == nil {
		return a.record, a.cached, nil
	}
	if !isVersionConflict(err) {
		return nil, false, err
	}

	e.metrics.VersionConflict("attach")
	e.logger.Info("conflict retries exhausted, resolving read-only",
		zap.String("idempotency_key", key))
	return e.resolveReadOnly(ctx, key, fp)
}

// handleExisting applies one attach attempt to the record holding key.
func (e *Engine) handleExisting(ctx context.Context, key, fp string, req *PaymentRequest) (*PaymentRecord, bool, error) {
	rec, reset, err := e.readAndCheckExpiration(ctx, key, fp, req)
	if err != nil {
		return nil, false, err
	}
	// An expired record cannot conflict with the new cycle.
	if reset {
		return rec, false, nil
	}
	if rec.RequestFingerprint != fp {
		return nil, false, fmt.Errorf("%w: %s", ErrIdempotencyKeyConflict, key)
	}

	// Re-read to observe a concurrent writer before deciding.
	rec, reset, err = e.readAndCheckExpiration(ctx, key, fp, req)
	if err != nil {
		return nil, false, err
	}
	if reset {
		return rec, false, nil
	}
	if rec.RequestFingerprint != fp {
		return nil, false, fmt.Errorf("%w: %s", ErrIdempotencyKeyConflict, key)
	}

	switch {
	case rec.Status == StatusProcessing:
		return nil, false, fmt.Errorf("%w: %s", ErrRequestInProgress, key)
	case rec.Status == StatusCompleted:
		return rec, true, nil
	case IsReopenable(rec.Status):
		if err := e.resetRecord(ctx, rec, fp, req, "failed"); err != nil {
			return nil, false, err
		}
		return rec, false, nil
	default:
		return nil, false, fmt.Errorf("%w: unknown status %q", ErrInvalidStateTransition, rec.Status)
	}
}

// readAndCheckExpiration loads the record and resets it in place if it has
// expired.
func (e *Engine) readAndCheckExpiration(ctx context.Context, key, fp string, req *PaymentRequest) (*PaymentRecord, bool, error) {
	rec, err := e.store.FindByKey(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if !rec.IsExpired(e.now()) {
		return rec, false, nil
	}
	if err := e.resetRecord(ctx, rec, fp, req, "expired"); err != nil {
		return nil, false, err
	}
	return rec, true, nil
}

// resetRecord starts a new PROCESSING cycle on rec with a versioned write.
// Only expired records and reopenable (FAILED) ones may be reset.
func (e *Engine) resetRecord(ctx context.Context, rec *PaymentRecord, fp string, req *PaymentRequest, reason string) error {
	expected := rec.Version
	previous := rec.Status
	if !rec.IsExpired(e.now()) && !IsReopenable(previous) {
		return fmt.Errorf("%w: %s cannot reset from %s", ErrInvalidStateTransition, rec.IdempotencyKey, previous)
	}
	if err := rec.Reset(fp, req, e.now(), e.config.IdempotencyTTL); err != nil {
		return err
	}
	if err := e.store.UpdateIfVersionMatches(ctx, rec, expected); err != nil {
		return err
	}

	e.metrics.PaymentReset(reason)
	e.publishEvent(ctx, event.NewEvent(event.EventPaymentReset).
		WithKey(rec.IdempotencyKey).
		WithProvider(string(rec.Provider)).
		WithData("reason", reason).
		WithData("previous_status", string(previous)))
	e.logger.Info("payment record reset",
		zap.String("idempotency_key", rec.IdempotencyKey),
		zap.String("reason", reason),
		zap.Int("version", rec.Version))
	return nil
}

// resolveReadOnly decides from a fresh read without writing. A record that is
// expired or still not completed is reported as contention.
func (e *Engine) resolveReadOnly(ctx context.Context, key, fp string) (*PaymentRecord, bool, error) {
	rec, err := e.store.FindByKey(ctx, key)
	if err != nil {
		return nil, false, err
	}
	// An expired record belongs to a finished cycle: never replay it.
	if rec.IsExpired(e.now()) {
		return nil, false, fmt.Errorf("%w: %s", ErrContention, key)
	}
	if rec.RequestFingerprint != fp {
		return nil, false, fmt.Errorf("%w: %s", ErrIdempotencyKeyConflict, key)
	}
	if rec.Status == StatusCompleted {
		return rec, true, nil
	}
	return nil, false, fmt.Errorf("%w: %s", ErrContention, key)
}

func (e *Engine) recordAdmissionError(key string, err error) {
	switch {
	case errors.Is(err, ErrIdempotencyKeyConflict):
		e.metrics.KeyConflict()
		e.logger.Info("idempotency key reused with a different payload",
			zap.String("idempotency_key", key))
	case errors.Is(err, ErrContention):
		e.metrics.RequestInProgress("contention")
		e.logger.Warn("admission gave up after version conflicts",
			zap.String("idempotency_key", key))
	case errors.Is(err, ErrRequestInProgress):
		e.metrics.RequestInProgress("in_progress")
	default:
		e.logger.Error("admission failed",
			zap.String("idempotency_key", key),
			zap.Error(err))
	}
}
