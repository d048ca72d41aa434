package subscriber

import (
	"context"
	"log/slog"

	"github.com/c0deZ3R0/go-canvas-sync/canvas"
	syncErrors "github.com/c0deZ3R0/go-canvas-sync/errors"
	"github.com/c0deZ3R0/go-canvas-sync/merge"
	"github.com/c0deZ3R0/go-canvas-sync/state"
)

// Report summarises one reconciliation pass.
type Report struct {
	Added   int
	Removed int
	Updated int
	// Kept counts ids held back by a live pending write.
	Kept int
	// Skipped counts remote documents that could not be decoded.
	Skipped int
	// Purged lists ledger entries dropped for staleness.
	Purged []string
	// Discarded lists ids whose buffered local write was dropped because the remote
	// state settled them.
	Discarded []string
}

// Reconcile brings the container back in line with the full remote state after a
// connectivity gap.
//
// Stale ledger entries are purged first. Then, in one critical section, remote-only
// entities are added, local-only entities without a live pending write are removed,
// and entities present on both sides are re-merged with the remote copy as the
// authority. A live pending write wins until it resolves or times out; after that
// any write still buffered for the id is discarded along with the local copy.
func (s *Subscriber) Reconcile(ctx context.Context) (Report, error) {
	var rep Report
	start := s.now()
	rep.Purged = s.ledger.PurgeOlderThan(s.staleness)

	docs, err := s.store.FetchAll(ctx)
	if err != nil {
		err = syncErrors.E(syncErrors.OpReconcile, component, err)
		s.metrics.RecordErrors(string(syncErrors.OpReconcile), string(syncErrors.KindOf(err)))
		return rep, err
	}

	remote := make(map[string]canvas.Entity, len(docs))
	for _, d := range docs {
		e, err := canvas.DecodeDocument(d.ID, d.Data, d.CommittedAt)
		if err != nil {
			rep.Skipped++
			s.logger.Warn("skipping undecodable document during reconciliation",
				slog.String("entity_id", d.ID),
				slog.String("error", err.Error()))
			continue
		}
		remote[e.ID] = e
	}

	s.container.MutateEntities(func(tx *state.EntityTx) {
		settled := make([]string, 0, len(remote))
		for _, id := range tx.IDs() {
			if _, ok := remote[id]; ok {
				continue
			}
			if s.ledger.IsPending(id) {
				rep.Kept++
				continue
			}
			tx.Delete(id)
			settled = append(settled, id)
			rep.Removed++
		}

		for id, e := range remote {
			if s.ledger.IsPending(id) {
				rep.Kept++
				continue
			}
			settled = append(settled, id)
			local, ok := tx.Get(id)
			if !ok {
				tx.Put(e)
				rep.Added++
				continue
			}
			if local.Equal(e) {
				continue
			}
			if merge.DecideAuthoritative(&local, e) == merge.Accept {
				tx.Put(e)
				rep.Updated++
			}
		}

		// inside the critical section so the diff and the discard see the same ledger
		if s.discarder != nil {
			rep.Discarded = s.discarder.Discard(settled...)
		}
	})

	s.container.MarkSynced(s.now())
	s.metrics.RecordReconcile(rep.Added, rep.Removed, rep.Updated)
	s.metrics.RecordDuration(string(syncErrors.OpReconcile), s.now().Sub(start))
	s.logger.Info("reconciled with remote state",
		slog.Int("added", rep.Added),
		slog.Int("removed", rep.Removed),
		slog.Int("updated", rep.Updated),
		slog.Int("kept", rep.Kept),
		slog.Int("skipped", rep.Skipped),
		slog.Int("discarded", len(rep.Discarded)),
		slog.Int("purged", len(rep.Purged)))
	return rep, nil
}
