package budget

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rlmrs/rlmrs/pkg/metastore"
)

// ErrLeaseHeld reports that a live lease for the execution belongs to
// another holder.
var ErrLeaseHeld = errors.New("execution lease held by another instance")

const leaseSK = "LEASE"

// leaseData is the JSON body of a lease item.
type leaseData struct {
	Holder    string    `json:"holder"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Lease is a claim on one execution, backed by a conditionally-written
// metadata item. The item version doubles as the fencing token: every renew
// bumps it, and a holder that lost the lease can no longer win a
// conditional write.
type Lease struct {
	store  metastore.Store
	pk     string
	holder string
	ttl    time.Duration

	version int64
}

func leasePK(executionID string) string {
	return "EXEC#" + executionID
}

// Acquire claims the lease for executionID. An existing unexpired lease by
// another holder returns ErrLeaseHeld; an expired one is taken over.
func Acquire(ctx context.Context, store metastore.Store, executionID, holder string, ttl time.Duration) (*Lease, error) {
	l := &Lease{store: store, pk: leasePK(executionID), holder: holder, ttl: ttl}
	now := time.Now()
	data, err := json.Marshal(leaseData{Holder: holder, ExpiresAt: now.Add(ttl)})
	if err != nil {
		return nil, err
	}

	existing, err := store.Get(ctx, l.pk, leaseSK)
	if errors.Is(err, metastore.ErrNotFound) {
		created, err := store.Create(ctx, metastore.Item{PK: l.pk, SK: leaseSK, Data: data})
		if errors.Is(err, metastore.ErrAlreadyExists) {
			return nil, ErrLeaseHeld
		}
		if err != nil {
			return nil, fmt.Errorf("failed to create lease: %w", err)
		}
		l.version = created.Version
		return l, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read lease: %w", err)
	}

	var current leaseData
	if err := json.Unmarshal(existing.Data, &current); err != nil {
		return nil, fmt.Errorf("corrupt lease item: %w", err)
	}
	if current.Holder != holder && now.Before(current.ExpiresAt) {
		return nil, ErrLeaseHeld
	}

	updated, err := store.UpdateIf(ctx, metastore.Item{PK: l.pk, SK: leaseSK, Data: data}, existing.Version)
	if errors.Is(err, metastore.ErrVersionConflict) {
		return nil, ErrLeaseHeld
	}
	if err != nil {
		return nil, fmt.Errorf("failed to take over lease: %w", err)
	}
	l.version = updated.Version
	return l, nil
}

// Fence returns the current fencing token.
func (l *Lease) Fence() int64 {
	return l.version
}

// Renew extends the lease. A version conflict means another instance took
// over and this holder must stop driving the execution.
func (l *Lease) Renew(ctx context.Context) error {
	data, err := json.Marshal(leaseData{Holder: l.holder, ExpiresAt: time.Now().Add(l.ttl)})
	if err != nil {
		return err
	}
	updated, err := l.store.UpdateIf(ctx, metastore.Item{PK: l.pk, SK: leaseSK, Data: data}, l.version)
	if errors.Is(err, metastore.ErrVersionConflict) || errors.Is(err, metastore.ErrNotFound) {
		return ErrLeaseHeld
	}
	if err != nil {
		return fmt.Errorf("failed to renew lease: %w", err)
	}
	l.version = updated.Version
	return nil
}

// Release drops the lease. Idempotent: a missing item or one that already
// belongs to another holder is left alone.
func (l *Lease) Release(ctx context.Context) error {
	existing, err := l.store.Get(ctx, l.pk, leaseSK)
	if errors.Is(err, metastore.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	var current leaseData
	if err := json.Unmarshal(existing.Data, &current); err != nil {
		return fmt.Errorf("corrupt lease item: %w", err)
	}
	if current.Holder != l.holder || existing.Version != l.version {
		return nil
	}
	if err := l.store.Delete(ctx, l.pk, leaseSK); err != nil {
		return fmt.Errorf("failed to release lease: %w", err)
	}
	return nil
}

// KeepAlive renews the lease every interval until ctx is done or a renew
// fails. The returned channel closes when the keepalive stops; a lost lease
// is reported on it first.
func (l *Lease) KeepAlive(ctx context.Context, interval time.Duration) <-chan error {
	errs := make(chan error, 1)
	go func() {
		defer close(errs)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := l.Renew(ctx); err != nil {
					errs <- err
					return
				}
			}
		}
	}()
	return errs
}
