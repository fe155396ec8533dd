package contracts

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"pact/internal/docstore"
	"pact/internal/domain"
	"pact/internal/live"
)

// Fetcher reads every contract owned by uid. The owner filter is applied by
// the store query; documents that fail to decode are skipped.
func Fetcher(store *docstore.Store, log *zap.Logger) live.Fetcher[[]domain.Contract] {
	if log == nil {
		log = zap.NewNop()
	}
	return func(ctx context.Context, uid string) ([]domain.Contract, int64, error) {
		var out []domain.Contract
		version, err := store.ReadSnapshot(ctx, func(tx *docstore.Tx) error {
			docs, err := tx.Where(ctx, docstore.Contracts, "user_id", uid)
			if err != nil {
				return err
			}
			out = make([]domain.Contract, 0, len(docs))
			for _, doc := range docs {
				c, err := domain.DecodeContract(doc.ID, doc.Data)
				if err != nil {
					log.Warn("skipping malformed contract", zap.String("id", doc.ID), zap.Error(err))
					continue
				}
				out = append(out, c)
			}
			return nil
		})
		return out, version, err
	}
}

// Trigger wakes a contracts subscription on writes to the owner's contracts.
func Trigger(w *docstore.Watcher) live.Trigger {
	return live.TriggerFunc(func(uid string) (<-chan struct{}, func()) {
		return w.Listen(docstore.Filter{Collection: docstore.Contracts, OwnerID: uid})
	})
}

// StoreMutator writes straight to the document store, enforcing that only
// the owner touches a contract.
type StoreMutator struct {
	Store *docstore.Store
}

func (m StoreMutator) UpdateContract(ctx context.Context, ownerID, id string, fields map[string]any) error {
	return m.Store.RunInTx(ctx, func(tx *docstore.Tx) error {
		if err := checkOwner(ctx, tx, ownerID, id); err != nil {
			return err
		}
		return tx.Update(ctx, docstore.Contracts, id, fields)
	})
}

func (m StoreMutator) DeleteContract(ctx context.Context, ownerID, id string) error {
	return m.Store.RunInTx(ctx, func(tx *docstore.Tx) error {
		if err := checkOwner(ctx, tx, ownerID, id); err != nil {
			return err
		}
		return tx.Delete(ctx, docstore.Contracts, id)
	})
}

func checkOwner(ctx context.Context, tx *docstore.Tx, ownerID, id string) error {
	doc, err := tx.Get(ctx, docstore.Contracts, id)
	if err != nil {
		return err
	}
	if doc.OwnerID != ownerID {
		return fmt.Errorf("contract %s: %w", id, domain.ErrForbidden)
	}
	return nil
}
