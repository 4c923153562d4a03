package task

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"transfer-hub/internal/observability"
	"transfer-hub/internal/transport"
)

// Reaper reconciles the registry with transfers the transport still holds
// but no live task owns, typically after a restart.
type Reaper struct {
	router    *Router
	transport transport.Transport
	repo      *Repository
	listener  Listener
	logger    zerolog.Logger
}

// Reap reports every orphaned handle as an expired terminal notification,
// stops it and forgets it. It returns how many handles were reaped.
func (r *Reaper) Reap(ctx context.Context) (int, error) {
	// Launches are held off while the transport is listed, so every handle
	// seen here is either bound to a live task or an orphan.
	r.router.launchMu.Lock()
	handles, err := r.transport.Handles(ctx)
	if err != nil {
		r.router.launchMu.Unlock()
		return 0, fmt.Errorf("list transport handles: %w", err)
	}
	live := make(map[transport.Handle]bool, len(handles))
	var orphans []transport.Handle
	for _, h := range handles {
		live[h] = true
		if !r.router.Known(h) {
			orphans = append(orphans, h)
		}
	}
	r.router.launchMu.Unlock()

	records := make(map[string]HandleRecord)
	if r.repo != nil {
		list, err := r.repo.ListHandles()
		if err != nil {
			return 0, fmt.Errorf("list handle records: %w", err)
		}
		for _, rec := range list {
			records[rec.Handle] = rec
		}
	}

	for _, h := range orphans {
		r.expire(h, records[string(h)].TaskID)
	}
	reaped := len(orphans)

	// Records whose transfer is gone from the transport have nothing left to
	// report on.
	for key := range records {
		h := transport.Handle(key)
		if live[h] || r.router.Known(h) {
			continue
		}
		r.logger.Warn().Str("handle", key).Str("task", records[key].TaskID).Msg("dropping stale handle record")
		r.deleteRecord(h)
	}

	if reaped > 0 {
		r.logger.Info().Int("count", reaped).Msg("reaped expired transfers")
	}
	return reaped, nil
}

func (r *Reaper) expire(h transport.Handle, taskID string) {
	r.router.forget(h)
	err := &Error{Kind: KindNetwork, TaskID: taskID, Code: CodeExpired, Description: "transfer expired"}
	r.listener.OnTerminal(Terminal{TaskID: taskID, State: StateFailed, Err: err, Expired: true})
	if cerr := r.transport.Cancel(h); cerr != nil {
		r.logger.Debug().Err(cerr).Str("handle", string(h)).Msg("cancel of expired transfer failed")
	}
	r.deleteRecord(h)
	observability.RecordExpired()
}

func (r *Reaper) deleteRecord(h transport.Handle) {
	if r.repo == nil {
		return
	}
	if err := r.repo.DeleteHandle(string(h)); err != nil {
		r.logger.Error().Err(err).Str("handle", string(h)).Msg("failed to delete handle record")
	}
}
