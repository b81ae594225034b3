package archive

import (
	"context"
	"errors"

	"github.com/wolfman30/titration-sim/internal/titration"
)

// MultiStore writes to every configured sink. A failing sink does not stop
// the others; all errors are returned joined.
type MultiStore struct {
	stores []Store
}

// NewMultiStore drops nil entries.
func NewMultiStore(stores ...Store) *MultiStore {
	m := &MultiStore{}
	for _, s := range stores {
		if s != nil {
			m.stores = append(m.stores, s)
		}
	}
	return m
}

func (m *MultiStore) Len() int { return len(m.stores) }

func (m *MultiStore) SaveRecord(ctx context.Context, rec *titration.ConversationRecord) error {
	var errs []error
	for _, s := range m.stores {
		if err := s.SaveRecord(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *MultiStore) SaveSummary(ctx context.Context, sum *titration.BatchSummary) error {
	var errs []error
	for _, s := range m.stores {
		if err := s.SaveSummary(ctx, sum); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
