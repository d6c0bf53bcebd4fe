// Package memory provides an in-process paygate.RecordStore for tests and
// single-instance deployments.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"paygate"
)

// Store keeps records in maps guarded by a single mutex.
type Store struct {
	mu         sync.RWMutex
	nextID     int64
	byKey      map[string]*paygate.PaymentRecord
	byProvider map[string]string // provider transaction id -> idempotency key
	clock      func() time.Time
}

var _ paygate.RecordStore = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used by the recovery queries.
func WithClock(clock func() time.Time) Option {
	return func(s *Store) {
		s.clock = clock
	}
}

// New creates an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		byKey:      make(map[string]*paygate.PaymentRecord),
		byProvider: make(map[string]string),
		clock:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Insert(_ context.Context, rec *paygate.PaymentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byKey[rec.IdempotencyKey]; ok {
		return paygate.ErrDuplicateKey
	}
	if rec.ProviderTransactionID != "" {
		if _, ok := s.byProvider[rec.ProviderTransactionID]; ok {
			return paygate.ErrDuplicateKey
		}
	}

	s.nextID++
	rec.ID = s.nextID
	s.byKey[rec.IdempotencyKey] = rec.Clone()
	if rec.ProviderTransactionID != "" {
		s.byProvider[rec.ProviderTransactionID] = rec.IdempotencyKey
	}
	return nil
}

func (s *Store) FindByKey(_ context.Context, key string) (*paygate.PaymentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.byKey[key]
	if !ok {
		return nil, paygate.ErrRecordNotFound
	}
	return rec.Clone(), nil
}

func (s *Store) FindByProviderTxID(_ context.Context, providerTxID string) (*paygate.PaymentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key, ok := s.byProvider[providerTxID]
	if !ok || providerTxID == "" {
		return nil, paygate.ErrRecordNotFound
	}
	return s.byKey[key].Clone(), nil
}

func (s *Store) UpdateIfVersionMatches(_ context.Context, rec *paygate.PaymentRecord, expectedVersion int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.byKey[rec.IdempotencyKey]
	if !ok {
		return paygate.ErrRecordNotFound
	}
	if current.Version != expectedVersion {
		return paygate.ErrVersionConflict
	}
	if ptx := rec.ProviderTransactionID; ptx != "" {
		if owner, ok := s.byProvider[ptx]; ok && owner != rec.IdempotencyKey {
			return paygate.ErrDuplicateKey
		}
	}

	if current.ProviderTransactionID != "" && current.ProviderTransactionID != rec.ProviderTransactionID {
		delete(s.byProvider, current.ProviderTransactionID)
	}
	if rec.ProviderTransactionID != "" {
		s.byProvider[rec.ProviderTransactionID] = rec.IdempotencyKey
	}

	rec.Version = expectedVersion + 1
	rec.ID = current.ID
	s.byKey[rec.IdempotencyKey] = rec.Clone()
	return nil
}

func (s *Store) FindStuck(_ context.Context, olderThan time.Duration, limit int) ([]*paygate.PaymentRecord, error) {
	return s.scan(olderThan, limit, func(r *paygate.PaymentRecord) bool {
		return r.Status == paygate.StatusProcessing && r.ProviderTransactionID == ""
	}), nil
}

func (s *Store) FindAwaitingWebhook(_ context.Context, olderThan time.Duration, limit int) ([]*paygate.PaymentRecord, error) {
	return s.scan(olderThan, limit, func(r *paygate.PaymentRecord) bool {
		return r.AwaitingWebhook()
	}), nil
}

func (s *Store) scan(olderThan time.Duration, limit int, match func(*paygate.PaymentRecord) bool) []*paygate.PaymentRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoff := s.clock().Add(-olderThan)
	var out []*paygate.PaymentRecord
	for _, r := range s.byKey {
		if match(r) && r.UpdatedAt.Before(cutoff) {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.Before(out[j].UpdatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Len returns the number of stored records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byKey)
}
