package recon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"agrichain/ledger"
	"agrichain/services/mirrord/storage"
)

// CursorName is the sync_cursors row tracking the ledger replay.
const CursorName = "ledger"

const (
	ModeIncremental = "incremental"
	ModeResync      = "resync"

	defaultFetchTimeout = 10 * time.Second
)

var (
	// ErrRunInProgress is returned when a run is requested while another is
	// active.
	ErrRunInProgress = errors.New("recon: run already in progress")
)

// SyncIntegrityError reports a mirror that holds listings the ledger does not
// know about. Reconciliation halts rather than repairing it.
type SyncIntegrityError struct {
	Total  uint64
	Cursor uint64
	Extra  []uint64
}

func (e *SyncIntegrityError) Error() string {
	if len(e.Extra) > 0 {
		return fmt.Sprintf("recon: mirror holds %d listing(s) above ledger total %d (first %d)", len(e.Extra), e.Total, e.Extra[0])
	}
	return fmt.Sprintf("recon: cursor %d is ahead of ledger total %d", e.Cursor, e.Total)
}

// Ledger is the subset of ledger.Client the reconciler reads.
type Ledger interface {
	GetTotalListings(ctx context.Context) (uint64, error)
	GetListing(ctx context.Context, id uint64) (*ledger.Record, error)
}

// Store is the subset of the mirror the reconciler writes.
type Store interface {
	Has(ctx context.Context, id uint64) (bool, error)
	Upsert(ctx context.Context, l *storage.Listing) (bool, error)
	Cursor(ctx context.Context, name string) (uint64, error)
	SetCursor(ctx context.Context, name string, value uint64) error
	IDsAbove(ctx context.Context, n uint64) ([]uint64, error)
	Count(ctx context.Context, f storage.Filter) (int64, error)
	Fingerprint(ctx context.Context) (string, error)
}

// Metrics receives run outcomes. observability.ReconMetrics implements it.
type Metrics interface {
	ObserveRun(mode, outcome string, duration time.Duration, inserted, skipped int)
	SetProgress(cursor, total uint64)
}

// AlertFunc is invoked when reconciliation halts on an integrity failure.
type AlertFunc func(ctx context.Context, integrity *SyncIntegrityError) error

// Config captures the dependencies required to construct a Reconciler.
type Config struct {
	Ledger       Ledger
	Store        Store
	FetchTimeout time.Duration
	Now          func() time.Time
	Alert        AlertFunc
	Metrics      Metrics
	Logger       *slog.Logger
}

// Result summarises a reconciliation run.
type Result struct {
	RunID       string
	Mode        string
	Total       uint64
	StartCursor uint64
	EndCursor   uint64
	Inserted    int
	Skipped     int
	StartedAt   time.Time
	Duration    time.Duration
}

// Status is a point-in-time view of the mirror's sync state.
type Status struct {
	Running     bool
	Cursor      uint64
	Mirrored    int64
	Fingerprint string
	Last        *Result
	LastError   string
}

// Reconciler replays ledger listings into the mirror exactly once each.
type Reconciler struct {
	ledger       Ledger
	store        Store
	fetchTimeout time.Duration
	now          func() time.Time
	alert        AlertFunc
	metrics      Metrics
	logger       *slog.Logger
	tracer       trace.Tracer

	running atomic.Bool

	mu      sync.Mutex
	last    *Result
	lastErr error
}

// NewReconciler builds a configured reconciler.
func NewReconciler(cfg Config) (*Reconciler, error) {
	if cfg.Ledger == nil {
		return nil, errors.New("recon: ledger is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("recon: store is required")
	}
	timeout := cfg.FetchTimeout
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}
	nowFn := cfg.Now
	if nowFn == nil {
		nowFn = func() time.Time { return time.Now().UTC() }
	}
	alert := cfg.Alert
	if alert == nil {
		alert = func(context.Context, *SyncIntegrityError) error { return nil }
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		ledger:       cfg.Ledger,
		store:        cfg.Store,
		fetchTimeout: timeout,
		now:          nowFn,
		alert:        alert,
		metrics:      cfg.Metrics,
		logger:       logger,
		tracer:       otel.Tracer("agrichain/mirrord/recon"),
	}, nil
}

// Run replays every ledger listing above the stored cursor.
func (r *Reconciler) Run(ctx context.Context) (*Result, error) {
	return r.execute(ctx, ModeIncremental)
}

// Resync resets the cursor to zero, replays the full ledger and verifies that
// the mirror holds nothing the ledger does not. Against a fully synced mirror
// it writes no listings.
func (r *Reconciler) Resync(ctx context.Context) (*Result, error) {
	return r.execute(ctx, ModeResync)
}

// LastResult returns the most recent completed or partial run.
func (r *Reconciler) LastResult() (*Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.last == nil {
		return nil, r.lastErr
	}
	out := *r.last
	return &out, r.lastErr
}

// Status reports the cursor, mirror size and fingerprint with the last run.
func (r *Reconciler) Status(ctx context.Context) (*Status, error) {
	cursor, err := r.store.Cursor(ctx, CursorName)
	if err != nil {
		return nil, err
	}
	count, err := r.store.Count(ctx, storage.Filter{})
	if err != nil {
		return nil, err
	}
	fingerprint, err := r.store.Fingerprint(ctx)
	if err != nil {
		return nil, err
	}
	last, lastErr := r.LastResult()
	status := &Status{
		Running:     r.running.Load(),
		Cursor:      cursor,
		Mirrored:    count,
		Fingerprint: fingerprint,
		Last:        last,
	}
	if lastErr != nil {
		status.LastError = lastErr.Error()
	}
	return status, nil
}

func (r *Reconciler) execute(ctx context.Context, mode string) (*Result, error) {
	if !r.running.CompareAndSwap(false, true) {
		return nil, ErrRunInProgress
	}
	defer r.running.Store(false)

	ctx, span := r.tracer.Start(ctx, "recon."+mode)
	defer span.End()

	result := &Result{RunID: uuid.NewString(), Mode: mode, StartedAt: r.now()}
	started := time.Now()
	err := r.replay(ctx, mode, result)
	result.Duration = time.Since(started)

	span.SetAttributes(
		attribute.String("recon.run_id", result.RunID),
		attribute.Int64("recon.total", int64(result.Total)),
		attribute.Int64("recon.end_cursor", int64(result.EndCursor)),
		attribute.Int("recon.inserted", result.Inserted),
		attribute.Int("recon.skipped", result.Skipped),
	)
	outcome := "ok"
	if err != nil {
		outcome = outcomeFor(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
	}
	if r.metrics != nil {
		r.metrics.ObserveRun(mode, outcome, result.Duration, result.Inserted, result.Skipped)
		r.metrics.SetProgress(result.EndCursor, result.Total)
	}

	r.mu.Lock()
	r.last = result
	r.lastErr = err
	r.mu.Unlock()

	attrs := []any{
		"run_id", result.RunID,
		"mode", mode,
		"total", result.Total,
		"start_cursor", result.StartCursor,
		"end_cursor", result.EndCursor,
		"inserted", result.Inserted,
		"skipped", result.Skipped,
		"duration", result.Duration.String(),
	}
	if err != nil {
		r.logger.Warn("recon run stopped", append(attrs, "outcome", outcome, "error", err)...)
		var integrity *SyncIntegrityError
		if errors.As(err, &integrity) {
			if alertErr := r.alert(ctx, integrity); alertErr != nil {
				r.logger.Error("recon alert failed", "run_id", result.RunID, "error", alertErr)
			}
		}
		return result, err
	}
	r.logger.Info("recon run complete", attrs...)
	return result, nil
}

func (r *Reconciler) replay(ctx context.Context, mode string, result *Result) error {
	total, err := r.fetchTotal(ctx)
	if err != nil {
		return err
	}
	result.Total = total

	if mode == ModeResync {
		if err := r.store.SetCursor(ctx, CursorName, 0); err != nil {
			return fmt.Errorf("recon: reset cursor: %w", err)
		}
	}
	cursor, err := r.store.Cursor(ctx, CursorName)
	if err != nil {
		return fmt.Errorf("recon: load cursor: %w", err)
	}
	result.StartCursor = cursor
	result.EndCursor = cursor

	if err := r.verify(ctx, total, cursor); err != nil {
		return err
	}

	for id := cursor + 1; id <= total; id++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("recon: stopped before listing %d: %w", id, err)
		}
		inserted, err := r.syncOne(ctx, id)
		if err != nil {
			return err
		}
		if inserted {
			result.Inserted++
		} else {
			result.Skipped++
		}
		result.EndCursor = id
	}
	return nil
}

// syncOne mirrors a single listing and advances the cursor past it. Work on a
// record is detached from the caller's cancellation and bounded by the fetch
// timeout instead, so a record is either fully applied or not at all.
func (r *Reconciler) syncOne(parent context.Context, id uint64) (bool, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), r.fetchTimeout)
	defer cancel()

	present, err := r.store.Has(ctx, id)
	if err != nil {
		return false, fmt.Errorf("recon: check listing %d: %w", id, err)
	}
	inserted := false
	if !present {
		rec, err := r.ledger.GetListing(ctx, id)
		if err != nil {
			return false, fetchError(fmt.Sprintf("fetch listing %d", id), err)
		}
		listing, err := Normalize(rec, id, r.now())
		if err != nil {
			return false, err
		}
		inserted, err = r.store.Upsert(ctx, listing)
		if err != nil {
			return false, fmt.Errorf("recon: upsert listing %d: %w", id, err)
		}
	}
	if err := r.store.SetCursor(ctx, CursorName, id); err != nil {
		return false, fmt.Errorf("recon: advance cursor to %d: %w", id, err)
	}
	return inserted, nil
}

func (r *Reconciler) fetchTotal(parent context.Context) (uint64, error) {
	ctx, cancel := context.WithTimeout(parent, r.fetchTimeout)
	defer cancel()
	total, err := r.ledger.GetTotalListings(ctx)
	if err != nil {
		return 0, fetchError("fetch total listings", err)
	}
	return total, nil
}

func (r *Reconciler) verify(ctx context.Context, total, cursor uint64) error {
	extra, err := r.store.IDsAbove(ctx, total)
	if err != nil {
		return fmt.Errorf("recon: verify mirror: %w", err)
	}
	if len(extra) > 0 || cursor > total {
		return &SyncIntegrityError{Total: total, Cursor: cursor, Extra: extra}
	}
	return nil
}

// Verify checks the mirror against the ledger total without replaying.
func (r *Reconciler) Verify(ctx context.Context) error {
	total, err := r.fetchTotal(ctx)
	if err != nil {
		return err
	}
	cursor, err := r.store.Cursor(ctx, CursorName)
	if err != nil {
		return fmt.Errorf("recon: load cursor: %w", err)
	}
	return r.verify(ctx, total, cursor)
}

// fetchError keeps ledger failures retryable. A listing the ledger cannot
// produce below its own total is treated like any other transient failure.
func fetchError(op string, err error) error {
	if ledger.IsUnavailable(err) {
		return fmt.Errorf("recon: %s: %w", op, err)
	}
	return fmt.Errorf("recon: %s: %w: %w", op, ledger.ErrExternalUnavailable, err)
}

// IsRetryable reports whether the scheduler should retry after err.
func IsRetryable(err error) bool {
	var integrity *SyncIntegrityError
	if errors.As(err, &integrity) {
		return false
	}
	return ledger.IsUnavailable(err)
}

func outcomeFor(err error) string {
	var integrity *SyncIntegrityError
	switch {
	case errors.As(err, &integrity):
		return "integrity"
	case errors.Is(err, ErrMalformedRecord):
		return "malformed"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	case ledger.IsUnavailable(err):
		return "unavailable"
	default:
		return "error"
	}
}
