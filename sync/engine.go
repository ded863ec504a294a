/*
engine.go - Mutation queue flush

PURPOSE:
  Pushes pending local writes to the remote in one batched request, marks
  per-entry success/failure, schedules retries with exponential backoff, and
  triggers a pull after a successful push.

FLUSH SEMANTICS:
  - No-op while offline, no-op while another flush is in flight.
  - Entries picked up: PENDING plus FAILED past their next-attempt time,
    excluding permanently failed ones (retry count exhausted).
  - Entries left SYNCING by an interrupted flush (crash, store failure while
    recording acknowledgments) are swept back to PENDING at the start of the
    next flush; the idempotency key makes re-pushing them safe.
  - Transport failure marks the whole batch FAILED with backoff; the error is
    recorded in the report, not returned, so background callers stay quiet.
  - 401 reverts the batch to PENDING and returns ErrSessionExpired; auth
    failures are surfaced, never retried with backoff.
  - Acknowledged entries go SYNCED and the underlying entity is stamped with
    its remote id. A pull failure after a successful push never undoes the
    push bookkeeping.

SEE ALSO:
  - merge.go: the pull side
  - scheduler.go: periodic and online-transition driving
*/
package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/pharmstack/ledger-engine/ledger"
)

// Remote is the push/pull transport. *Client is the production implementation.
type Remote interface {
	Push(ctx context.Context, batch map[ledger.EntityKind][]json.RawMessage) (*PushResponse, error)
	Pull(ctx context.Context, since *time.Time) (*PullResponse, error)
}

// Connectivity reports whether the device can reach the network.
type Connectivity interface {
	Online() bool
}

// OnlineFunc adapts a function to the Connectivity interface.
type OnlineFunc func() bool

func (f OnlineFunc) Online() bool { return f() }

// Config bounds the retry policy.
type Config struct {
	MaxRetries    int
	BackoffBase   time.Duration
	BackoffFactor float64
	BackoffCap    time.Duration
}

// FlushReport summarizes one flush pass.
type FlushReport struct {
	Synced     int
	Failed     int
	Rejections []Rejection
	Errors     []string
	Pull       *PullReport
}

// Engine drains the mutation queue.
type Engine struct {
	store        ledger.Store
	remote       Remote
	merger       *Merger
	connectivity Connectivity
	clock        ledger.Clock
	cfg          Config
	log          zerolog.Logger

	mu sync.Mutex // single-flight guard
}

func NewEngine(store ledger.Store, remote Remote, merger *Merger, connectivity Connectivity, clock ledger.Clock, cfg Config, log zerolog.Logger) *Engine {
	return &Engine{
		store:        store,
		remote:       remote,
		merger:       merger,
		connectivity: connectivity,
		clock:        clock,
		cfg:          cfg,
		log:          log.With().Str("component", "sync-engine").Logger(),
	}
}

// Flush pushes all due entries and then pulls remote changes. Safe to call
// concurrently: an in-flight flush makes new callers return ErrFlushInFlight.
func (e *Engine) Flush(ctx context.Context) (FlushReport, error) {
	var report FlushReport

	if !e.connectivity.Online() {
		return report, ledger.ErrOffline
	}
	if !e.mu.TryLock() {
		return report, ledger.ErrFlushInFlight
	}
	defer e.mu.Unlock()

	// Under the single-flight lock no other flush owns any entry, so a row
	// still SYNCING was stranded by an interruption. Re-queue it; the server
	// deduplicates on the idempotency key if the first push actually landed.
	requeued, err := e.store.RequeueSyncingEntries(ctx)
	if err != nil {
		return report, fmt.Errorf("requeue stranded entries: %w", err)
	}
	if requeued > 0 {
		e.log.Warn().Int("entries", requeued).Msg("requeued entries from interrupted flush")
	}

	now := e.clock.Now()
	due, err := e.store.DueEntries(ctx, now)
	if err != nil {
		return report, fmt.Errorf("load due entries: %w", err)
	}

	var batch []ledger.MutationEntry
	for _, entry := range due {
		if entry.Permanent(e.cfg.MaxRetries) {
			continue
		}
		batch = append(batch, entry)
	}

	if len(batch) > 0 {
		if err := e.push(ctx, now, batch, &report); err != nil {
			if errors.Is(err, ledger.ErrSessionExpired) {
				return report, err
			}
			// Transport failure: already bookkept per entry, stay quiet.
			report.Errors = append(report.Errors, err.Error())
			e.log.Warn().Err(err).Int("entries", len(batch)).Msg("push failed")
			return report, nil
		}
	}

	if e.merger != nil {
		pull, err := e.merger.Pull(ctx)
		if err != nil {
			report.Errors = append(report.Errors, "pull: "+err.Error())
			e.log.Warn().Err(err).Msg("pull after push failed")
		} else {
			report.Pull = &pull
		}
	}

	e.log.Debug().
		Int("synced", report.Synced).
		Int("failed", report.Failed).
		Msg("flush complete")
	return report, nil
}

func (e *Engine) push(ctx context.Context, now time.Time, batch []ledger.MutationEntry, report *FlushReport) error {
	for i := range batch {
		batch[i].Status = ledger.StatusSyncing
		if err := e.store.UpdateEntry(ctx, batch[i]); err != nil {
			return fmt.Errorf("mark entry syncing: %w", err)
		}
	}

	byKind := make(map[ledger.EntityKind][]json.RawMessage)
	for _, entry := range batch {
		byKind[entry.Kind] = append(byKind[entry.Kind], json.RawMessage(entry.Payload))
	}

	resp, err := e.remote.Push(ctx, byKind)
	if errors.Is(err, ledger.ErrSessionExpired) {
		// Auth is fatal for the session: entries go back to PENDING without a
		// retry penalty and wait for a new token.
		for _, entry := range batch {
			entry.Status = ledger.StatusPending
			if uerr := e.store.UpdateEntry(ctx, entry); uerr != nil {
				e.log.Error().Err(uerr).Str("entry", string(entry.ID)).Msg("revert to pending failed")
			}
		}
		return err
	}
	if err != nil {
		for _, entry := range batch {
			e.markFailed(ctx, now, entry, err.Error(), report)
		}
		return err
	}

	for _, entry := range batch {
		remoteID, ok := resp.RemoteID(entry.Kind, entry.LocalID)
		if !ok {
			rej := e.findRejection(resp, entry)
			e.markFailed(ctx, now, entry, rej.Message, report)
			report.Rejections = append(report.Rejections, rej)
			continue
		}

		entry.Status = ledger.StatusSynced
		if err := e.store.UpdateEntry(ctx, entry); err != nil {
			return fmt.Errorf("mark entry synced: %w", err)
		}
		if err := e.stampEntity(ctx, entry.Kind, entry.LocalID, remoteID); err != nil {
			e.log.Error().Err(err).
				Str("kind", string(entry.Kind)).
				Str("local_id", entry.LocalID).
				Msg("stamp remote id failed")
		}
		report.Synced++
	}
	return nil
}

// findRejection matches a structured rejection to an unacknowledged entry.
func (e *Engine) findRejection(resp *PushResponse, entry ledger.MutationEntry) Rejection {
	for _, rej := range resp.Rejections {
		if rej.LocalID == entry.LocalID && (rej.Kind == entry.Kind || rej.Kind == "") {
			rej.Kind = entry.Kind
			return rej
		}
	}
	// Blanket rejection (no per-row attribution): adopt it for this entry.
	for _, rej := range resp.Rejections {
		if rej.LocalID == "" {
			rej.Kind = entry.Kind
			rej.LocalID = entry.LocalID
			return rej
		}
	}
	return Rejection{
		Kind:    entry.Kind,
		LocalID: entry.LocalID,
		Code:    RejectUnknown,
		Message: "not acknowledged by server",
	}
}

func (e *Engine) markFailed(ctx context.Context, now time.Time, entry ledger.MutationEntry, msg string, report *FlushReport) {
	entry.Status = ledger.StatusFailed
	entry.RetryCount++
	entry.LastError = msg
	entry.NextAttemptAt = now.Add(e.backoff(entry.RetryCount))
	if err := e.store.UpdateEntry(ctx, entry); err != nil {
		e.log.Error().Err(err).Str("entry", string(entry.ID)).Msg("mark entry failed errored")
	}
	if entry.RetryCount >= e.cfg.MaxRetries {
		e.log.Error().
			Str("entry", string(entry.ID)).
			Str("kind", string(entry.Kind)).
			Str("error", msg).
			Msg("entry permanently failed, needs manual intervention")
	}
	report.Failed++
}

// backoff returns base * factor^(retries-1), capped.
func (e *Engine) backoff(retries int) time.Duration {
	d := float64(e.cfg.BackoffBase)
	for i := 1; i < retries; i++ {
		d *= e.cfg.BackoffFactor
		if time.Duration(d) >= e.cfg.BackoffCap {
			return e.cfg.BackoffCap
		}
	}
	if time.Duration(d) > e.cfg.BackoffCap {
		return e.cfg.BackoffCap
	}
	return time.Duration(d)
}

func (e *Engine) stampEntity(ctx context.Context, kind ledger.EntityKind, localID string, remoteID ledger.RemoteID) error {
	switch kind {
	case ledger.KindProduct:
		return e.store.MarkProductSynced(ctx, ledger.ProductID(localID), remoteID)
	case ledger.KindBatch:
		return e.store.MarkBatchSynced(ctx, ledger.BatchID(localID), remoteID)
	case ledger.KindSale:
		return e.store.MarkSaleSynced(ctx, ledger.SaleID(localID), remoteID)
	case ledger.KindMovement:
		return e.store.MarkMovementSynced(ctx, ledger.MovementID(localID), remoteID)
	case ledger.KindExpense:
		return e.store.MarkExpenseSynced(ctx, ledger.ExpenseID(localID), remoteID)
	default:
		return fmt.Errorf("unknown entity kind %q", kind)
	}
}
