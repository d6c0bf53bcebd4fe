package paygate

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"paygate/event"
	"paygate/fingerprint"
	"paygate/metrics"
	"paygate/retry"
)

// ProcessWebhook applies a provider's final status to the record carrying
// providerTxID. Callbacks for a record that is already terminal are accepted
// as duplicates and change nothing.
//
// Errors: ErrInvalidWebhook, ErrUnknownProviderTransaction, ErrContention
// after exhausted conflict retries, and store failures.
func (e *Engine) ProcessWebhook(ctx context.Context, providerTxID string, payload []byte, transactionNo string, status PaymentStatus) error {
	ev := &WebhookEvent{
		ProviderTransactionID: providerTxID,
		TransactionNo:         transactionNo,
		Status:                status,
		Payload:               payload,
	}
	if err := ev.Validate(); err != nil {
		e.metrics.WebhookReceived("", metrics.OutcomeInvalid)
		return err
	}

	ctx, span := e.tracer.StartWebhook(ctx, providerTxID)
	defer span.End()

	// Recorded for audit only, never compared.
	payloadHash := fingerprint.Sum(payload)

	_, err := retry.Do(ctx, e.config.ConflictPolicy(), isVersionConflict,
		func(ctx context.Context) (struct{}, error) {
			return struct{}{}, e.applyWebhook(ctx, ev, payloadHash)
		},
		func(attempt int, err error, wait time.Duration) {
			e.metrics.VersionConflict("webhook")
			e.logger.Debug("version conflict while applying webhook, retrying",
				zap.String("provider_transaction_id", providerTxID),
				zap.Int("attempt", attempt+1),
				zap.Duration("wait", wait))
		},
	)
	if isVersionConflict(err) {
		e.metrics.VersionConflict("webhook")
		err = e.resolveWebhookConflict(ctx, providerTxID)
	}
	if err != nil {
		span.SetError(err)
		return err
	}
	return nil
}

// HandleWebhook parses a raw callback with the provider's parser and applies it.
func (e *Engine) HandleWebhook(ctx context.Context, provider Provider, payload []byte, headers http.Header) error {
	ev, err := e.dispatcher.ParseWebhook(provider, payload, headers)
	if err != nil {
		e.metrics.WebhookReceived(string(provider), metrics.OutcomeInvalid)
		e.logger.Warn("rejected webhook",
			zap.String("provider", string(provider)),
			zap.Error(err))
		return err
	}
	if ev.Payload == nil {
		ev.Payload = payload
	}
	return e.ProcessWebhook(ctx, ev.ProviderTransactionID, ev.Payload, ev.TransactionNo, ev.Status)
}

func (e *Engine) applyWebhook(ctx context.Context, ev *WebhookEvent, payloadHash string) error {
	rec, err := e.store.FindByProviderTxID(ctx, ev.ProviderTransactionID)
	if errors.Is(err, ErrRecordNotFound) {
		e.metrics.WebhookReceived("", metrics.OutcomeUnknown)
		e.logger.Warn("webhook for unknown provider transaction",
			zap.String("provider_transaction_id", ev.ProviderTransactionID))
		return fmt.Errorf("%w: %s", ErrUnknownProviderTransaction, ev.ProviderTransactionID)
	}
	if err != nil {
		return err
	}

	provider := string(rec.Provider)
	if rec.IsTerminal() {
		e.metrics.WebhookReceived(provider, metrics.OutcomeDuplicate)
		e.publishEvent(ctx, event.NewEvent(event.EventWebhookDuplicate).
			WithKey(rec.IdempotencyKey).
			WithProvider(provider).
			WithProviderTxID(ev.ProviderTransactionID).
			WithData("status", string(rec.Status)).
			WithData("payload_hash", payloadHash))
		e.logger.Info("webhook ignored, payment already final",
			zap.String("idempotency_key", rec.IdempotencyKey),
			zap.String("provider_transaction_id", ev.ProviderTransactionID),
			zap.String("status", string(rec.Status)))
		return nil
	}
	if rec.Status != StatusProcessing {
		e.metrics.WebhookReceived(provider, metrics.OutcomeSkipped)
		e.publishEvent(ctx, event.NewEvent(event.EventAlertWarning).
			WithKey(rec.IdempotencyKey).
			WithProviderTxID(ev.ProviderTransactionID).
			WithData("reason", "webhook for record in unexpected state").
			WithData("status", string(rec.Status)))
		e.logger.Warn("webhook ignored, record in unexpected state",
			zap.String("idempotency_key", rec.IdempotencyKey),
			zap.String("provider_transaction_id", ev.ProviderTransactionID),
			zap.String("status", string(rec.Status)))
		return nil
	}

	now := e.now()
	expected := rec.Version
	var resp *PaymentResponse
	if ev.Status == PaymentCompleted {
		resp = recordResponse(rec, PaymentCompleted, now)
		resp.TransactionNo = ev.TransactionNo
		if err := rec.transitionTo(StatusCompleted); err != nil {
			return err
		}
		rec.TransactionNo = ev.TransactionNo
	} else {
		resp = recordResponse(rec, PaymentFailed, now)
		resp.Error = ErrorCodePaymentFailed
		resp.Message = "Payment processing failed"
		if err := rec.transitionTo(StatusFailed); err != nil {
			return err
		}
	}
	if err := rec.SetResponse(resp, http.StatusOK); err != nil {
		return err
	}
	rec.UpdatedAt = now

	if err := e.store.UpdateIfVersionMatches(ctx, rec, expected); err != nil {
		return err
	}

	e.metrics.WebhookReceived(provider, metrics.OutcomeApplied)
	e.publishEvent(ctx, event.NewEvent(event.EventWebhookApplied).
		WithKey(rec.IdempotencyKey).
		WithProvider(provider).
		WithProviderTxID(ev.ProviderTransactionID).
		WithData("status", string(rec.Status)).
		WithData("payload_hash", payloadHash))

	if rec.Status == StatusCompleted {
		e.metrics.PaymentCompleted(provider, now.Sub(rec.CreatedAt))
		e.publishEvent(ctx, event.NewEvent(event.EventPaymentCompleted).
			WithKey(rec.IdempotencyKey).
			WithProvider(provider).
			WithProviderTxID(ev.ProviderTransactionID).
			WithData("transaction_no", rec.TransactionNo))
	} else {
		e.metrics.PaymentFailed(provider, "webhook")
		e.publishEvent(ctx, event.NewEvent(event.EventPaymentFailed).
			WithKey(rec.IdempotencyKey).
			WithProvider(provider).
			WithProviderTxID(ev.ProviderTransactionID))
	}
	e.logger.Info("webhook applied",
		zap.String("idempotency_key", rec.IdempotencyKey),
		zap.String("provider_transaction_id", ev.ProviderTransactionID),
		zap.String("status", string(rec.Status)),
		zap.String("payload_hash", payloadHash))
	return nil
}

// resolveWebhookConflict re-reads once after the conflict retries are spent.
// A record that reached a terminal state meanwhile means the callback is moot.
func (e *Engine) resolveWebhookConflict(ctx context.Context, providerTxID string) error {
	rec, err := e.store.FindByProviderTxID(ctx, providerTxID)
	if err != nil {
		return err
	}
	if rec.IsTerminal() {
		return nil
	}
	return fmt.Errorf("%w: provider transaction %s", ErrContention, providerTxID)
}

// recordResponse builds a response from the business fields stored on rec.
func recordResponse(rec *PaymentRecord, status PaymentStatus, now time.Time) *PaymentResponse {
	return &PaymentResponse{
		Status:                status,
		Amount:                rec.Amount,
		Method:                rec.Method,
		Description:           rec.Description,
		Provider:              rec.Provider,
		ProviderTransactionID: rec.ProviderTransactionID,
		CreatedAt:             now,
	}
}

// Lookup is a read-only view of a payment record. Response is nil while the
// first charge attempt is in flight.
type Lookup struct {
	IdempotencyKey string
	Status         ProcessingStatus
	Response       *PaymentResponse
	ResponseStatus int
	ExpiresAt      time.Time
}

// GetPayment returns the current state and stored response for key.
func (e *Engine) GetPayment(ctx context.Context, key string) (*Lookup, error) {
	if err := ValidateIdempotencyKey(key); err != nil {
		return nil, err
	}
	rec, err := e.store.FindByKey(ctx, key)
	if err != nil {
		return nil, err
	}
	resp, err := rec.Response()
	if err != nil {
		return nil, err
	}
	return &Lookup{
		IdempotencyKey: rec.IdempotencyKey,
		Status:         rec.Status,
		Response:       resp,
		ResponseStatus: rec.ResponseStatus,
		ExpiresAt:      rec.ExpiresAt,
	}, nil
}

// FailStuck marks a PROCESSING record that never reached the provider
// reconciliation step as FAILED so a retry with the same key can reopen it.
// It returns ErrVersionConflict if the record moved since rec was read.
func (e *Engine) FailStuck(ctx context.Context, rec *PaymentRecord) error {
	if rec.AwaitingWebhook() {
		return fmt.Errorf("%w: record %s is awaiting a webhook", ErrInvalidStateTransition, rec.IdempotencyKey)
	}

	now := e.now()
	expected := rec.Version
	lastUpdate := rec.UpdatedAt
	resp := recordResponse(rec, PaymentFailed, now)
	resp.Error = ErrorCodePaymentFailed
	resp.Message = "Payment processing did not complete"
	if err := rec.transitionTo(StatusFailed); err != nil {
		return err
	}
	if err := rec.SetResponse(resp, http.StatusOK); err != nil {
		return err
	}
	rec.UpdatedAt = now

	if err := e.store.UpdateIfVersionMatches(ctx, rec, expected); err != nil {
		return err
	}

	e.metrics.PaymentFailed(string(rec.Provider), "stuck")
	e.publishEvent(ctx, event.NewEvent(event.EventPaymentFailed).
		WithKey(rec.IdempotencyKey).
		WithProvider(string(rec.Provider)).
		WithData("reason", "stuck"))
	e.logger.Warn("stuck payment marked failed",
		zap.String("idempotency_key", rec.IdempotencyKey),
		zap.Time("last_update", lastUpdate))
	return nil
}
