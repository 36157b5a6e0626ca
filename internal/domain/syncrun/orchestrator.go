package syncrun

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"contactsync/internal/core/apperror"
	"contactsync/internal/core/clock"
	appctx "contactsync/internal/core/context"
	"contactsync/internal/core/id"
	"contactsync/internal/core/tx"
	"contactsync/internal/domain/identity"
	"contactsync/internal/domain/source"
	"contactsync/pkg/logger"
)

var tracer = otel.Tracer("contactsync/syncrun")

// ErrPayloadTooLarge is reported for records whose payload exceeds Config.MaxPayloadBytes.
var ErrPayloadTooLarge = errors.New("payload exceeds size limit")

const maxSampledFailures = 5

// Config tunes the orchestrator.
type Config struct {
	// DefaultRegion is used to normalize phone numbers without a country code.
	DefaultRegion string
	// Scope selects the watermark row; one scope per source by default.
	Scope string
	Retry RetryPolicy
	// PageTimeout bounds a single FetchPage call. Zero disables it.
	PageTimeout time.Duration
	// MaxPayloadBytes rejects oversized records. Zero disables the check.
	MaxPayloadBytes int
	// Concurrency limits parallel sources in RunAll.
	Concurrency int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		DefaultRegion:   "US",
		Scope:           DefaultScope,
		Retry:           DefaultRetryPolicy(),
		PageTimeout:     60 * time.Second,
		MaxPayloadBytes: 1 << 20,
		Concurrency:     4,
	}
}

// Dependencies are the collaborators of an Orchestrator. Ledger, Watermarks
// and Writer are required; the rest have in-process defaults.
type Dependencies struct {
	Ledger     Ledger
	Watermarks WatermarkStore
	Writer     RecordWriter
	Sink       IdentifierSink
	Guard      RunGuard
	Tx         tx.Manager
	Clock      clock.Clock
	Metrics    Metrics
	Logger     *logger.Logger
}

// SourceOption customizes a registered source.
type SourceOption func(*registration)

// WithTransformer overrides the built-in transformer.
func WithTransformer(t source.Transformer) SourceOption {
	return func(r *registration) { r.transformer = t }
}

// WithFilter installs an include predicate.
func WithFilter(f *source.Filter) SourceOption {
	return func(r *registration) { r.filter = f }
}

type registration struct {
	adapter     source.Adapter
	transformer source.Transformer
	filter      *source.Filter
}

// Orchestrator runs syncs for registered sources.
type Orchestrator struct {
	deps Dependencies
	cfg  Config
	log  *logger.Logger

	mu      sync.RWMutex
	sources map[source.Type]*registration
}

// NewOrchestrator wires an orchestrator.
func NewOrchestrator(deps Dependencies, cfg Config) *Orchestrator {
	if deps.Guard == nil {
		deps.Guard = NewLocalGuard()
	}
	if deps.Tx == nil {
		deps.Tx = tx.Nop{}
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	if deps.Metrics == nil {
		deps.Metrics = nopMetrics{}
	}
	if deps.Logger == nil {
		deps.Logger = logger.Default()
	}
	if cfg.Scope == "" {
		cfg.Scope = DefaultScope
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}

	return &Orchestrator{
		deps:    deps,
		cfg:     cfg,
		log:     deps.Logger.WithComponent("syncrun"),
		sources: make(map[source.Type]*registration),
	}
}

// Register adds an adapter. Registering the same source type again replaces it.
func (o *Orchestrator) Register(a source.Adapter, opts ...SourceOption) {
	reg := &registration{
		adapter:     a,
		transformer: source.DefaultTransformers()[a.SourceType()],
	}
	for _, opt := range opts {
		opt(reg)
	}

	o.mu.Lock()
	o.sources[a.SourceType()] = reg
	o.mu.Unlock()
}

// Sources lists registered source types in a stable order.
func (o *Orchestrator) Sources() []source.Type {
	o.mu.RLock()
	defer o.mu.RUnlock()

	out := make([]source.Type, 0, len(o.sources))
	for t := range o.sources {
		out = append(out, t)
	}
	slices.Sort(out)
	return out
}

func (o *Orchestrator) lookup(st source.Type) (*registration, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	reg, ok := o.sources[st]
	if !ok {
		return nil, apperror.NewNotFound("source", string(st))
	}
	if reg.transformer == nil {
		return nil, apperror.NewValidation(fmt.Sprintf("no transformer for source %s", st))
	}
	return reg, nil
}

// runState carries per-run bookkeeping that is not persisted. stored is the
// watermark found at start; full runs ignore it for fetching but still never
// move it backwards.
type runState struct {
	run      *Run
	reg      *registration
	log      *logger.Logger
	stored   string
	failures []RowError
}

func (s *runState) fail(rowErrs ...RowError) {
	s.run.RowsFailed += len(rowErrs)
	for _, re := range rowErrs {
		s.log.Warnw("record failed", "source_id", re.SourceID, "error", re.Err)
		if len(s.failures) < maxSampledFailures {
			s.failures = append(s.failures, re)
		}
	}
}

// RunSync ingests one source. It returns the sealed run for every attempt
// that was opened, including failed ones. An error without a run means the
// attempt was rejected before a ledger entry was written (unknown source,
// run already in progress, ledger unavailable).
func (o *Orchestrator) RunSync(ctx context.Context, st source.Type, mode source.Mode) (*Run, error) {
	if _, err := source.ParseMode(string(mode)); err != nil {
		return nil, apperror.NewValidation(err.Error())
	}
	reg, err := o.lookup(st)
	if err != nil {
		return nil, err
	}

	release, err := o.deps.Guard.Acquire(ctx, st)
	if err != nil {
		return nil, err
	}
	defer release()

	ctx, span := tracer.Start(ctx, "syncrun.RunSync", trace.WithAttributes(
		attribute.String("source.type", string(st)),
		attribute.String("sync.mode", string(mode)),
	))
	defer span.End()
	ctx = appctx.WithNewTrace(ctx)

	wm, err := o.deps.Watermarks.Get(ctx, st, o.cfg.Scope)
	if err != nil {
		return nil, fmt.Errorf("load watermark: %w", err)
	}

	run := &Run{
		ID:         id.New(),
		SourceType: st,
		Mode:       mode,
		Status:     StatusRunning,
		StartedAt:  o.deps.Clock.Now(),
	}
	var stored string
	if wm != nil {
		stored = wm.Cursor
	}
	if mode == source.ModeIncremental && stored != "" {
		run.WatermarkBefore = strPtr(stored)
	}
	if err := o.deps.Ledger.Open(ctx, run); err != nil {
		return nil, fmt.Errorf("open run: %w", err)
	}

	state := &runState{
		run:    run,
		reg:    reg,
		log:    o.log.WithContext(ctx).With("run_id", run.ID, "source_type", st, "mode", mode),
		stored: stored,
	}
	state.log.Infow("sync run started", "watermark_before", deref(run.WatermarkBefore))

	resume, runErr := o.ingest(ctx, state)
	if runErr != nil {
		span.RecordError(runErr)
		span.SetStatus(codes.Error, runErr.Error())
	}
	return o.seal(ctx, state, resume, runErr)
}

func (o *Orchestrator) ingest(ctx context.Context, s *runState) (string, error) {
	cursor := ""
	if s.run.Mode == source.ModeIncremental {
		cursor = s.stored
	}

	resume := ""
	for {
		if err := ctx.Err(); err != nil {
			return resume, fmt.Errorf("cancelled before page %d: %w", s.run.PagesFetched+1, err)
		}

		page, err := o.fetch(ctx, s, cursor)
		if err != nil {
			return resume, err
		}
		s.run.PagesFetched++

		if err := o.processPage(ctx, s, page); err != nil {
			return resume, err
		}

		switch {
		case page.Watermark != "":
			resume = page.Watermark
		case page.NextCursor != "":
			resume = page.NextCursor
		}

		if page.NextCursor == "" {
			return resume, nil
		}
		if page.NextCursor == cursor {
			return resume, apperror.NewBusinessRule(apperror.CodeAdapterFatal,
				fmt.Sprintf("adapter returned cursor %q twice", cursor))
		}
		cursor = page.NextCursor
	}
}

func (o *Orchestrator) fetch(ctx context.Context, s *runState, cursor string) (source.Page, error) {
	policy := o.cfg.Retry
	maxAttempts := policy.attempts()

	for attempt := 1; ; attempt++ {
		page, err := o.fetchOnce(ctx, s, cursor)
		if err == nil {
			return page, nil
		}
		if ctx.Err() != nil {
			return source.Page{}, fmt.Errorf("fetch cancelled: %w", ctx.Err())
		}
		if !source.IsRetryable(err) {
			return source.Page{}, apperror.NewBusinessRule(apperror.CodeAdapterFatal,
				"adapter failed permanently").WithCause(err)
		}
		if attempt >= maxAttempts {
			return source.Page{}, apperror.NewBusinessRule(apperror.CodeAdapterRetryExhausted,
				fmt.Sprintf("adapter still failing after %d attempts", attempt)).WithCause(err)
		}

		delay := policy.Delay(attempt)
		if hint := source.RetryAfterHint(err); hint > delay {
			delay = hint
			if policy.MaxDelay > 0 && delay > policy.MaxDelay {
				delay = policy.MaxDelay
			}
		}

		s.run.Retries++
		o.deps.Metrics.FetchRetried(s.run.SourceType)
		s.log.Warnw("fetch failed, retrying", "attempt", attempt, "delay", delay, "cursor", cursor, "error", err)

		if err := o.deps.Clock.Sleep(ctx, delay); err != nil {
			return source.Page{}, fmt.Errorf("backoff cancelled: %w", err)
		}
	}
}

func (o *Orchestrator) fetchOnce(ctx context.Context, s *runState, cursor string) (source.Page, error) {
	if o.cfg.PageTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.PageTimeout)
		defer cancel()
	}
	return s.reg.adapter.FetchPage(ctx, cursor, s.run.Mode)
}

func (o *Orchestrator) processPage(ctx context.Context, s *runState, page source.Page) error {
	batch := make([]Prepared, 0, len(page.Records))
	var rowErrs []RowError

	for _, rec := range page.Records {
		s.run.RowsProcessed++

		include, err := s.reg.filter.Include(s.run.SourceType, rec)
		if err != nil {
			rowErrs = append(rowErrs, RowError{SourceID: rec.ID, Err: err})
			continue
		}
		if !include {
			s.run.RowsSkipped++
			continue
		}

		t, err := s.reg.transformer.Transform(rec)
		if err != nil {
			rowErrs = append(rowErrs, RowError{SourceID: rec.ID, Err: err})
			continue
		}
		if limit := o.cfg.MaxPayloadBytes; limit > 0 && len(t.Record.Payload) > limit {
			rowErrs = append(rowErrs, RowError{SourceID: t.Record.SourceID, Err: ErrPayloadTooLarge})
			continue
		}

		batch = append(batch, Prepared{Record: t.Record, Identifiers: o.normalize(s, t)})
	}

	var written []Prepared
	if len(batch) > 0 {
		res, err := o.deps.Writer.WriteBatch(ctx, batch)
		if err != nil {
			return apperror.NewBusinessRule(apperror.CodeUpsertFailed, "warehouse write failed").WithCause(err)
		}
		s.log.Debugw("page written",
			"inserted", res.Inserted, "updated", res.Updated, "unchanged", res.Unchanged, "failed", len(res.Failed))

		rowErrs = append(rowErrs, res.Failed...)
		written = excludeFailed(batch, res.Failed)
	}
	s.fail(rowErrs...)

	o.resolve(ctx, s, written)
	return nil
}

func (o *Orchestrator) normalize(s *runState, t source.Transformed) []identity.NormalizedIdentifier {
	out := make([]identity.NormalizedIdentifier, 0, len(t.Identifiers))
	seen := make(map[identity.NormalizedIdentifier]struct{}, len(t.Identifiers))
	for _, raw := range t.Identifiers {
		n, err := identity.Normalize(raw.Kind, raw.Value, o.cfg.DefaultRegion)
		if err != nil {
			s.log.Debugw("identifier skipped", "source_id", t.Record.SourceID, "role", raw.Role, "error", err)
			continue
		}
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}

func excludeFailed(batch []Prepared, failed []RowError) []Prepared {
	if len(failed) == 0 {
		return batch
	}
	bad := make(map[string]struct{}, len(failed))
	for _, f := range failed {
		bad[f.SourceID] = struct{}{}
	}
	out := make([]Prepared, 0, len(batch))
	for _, p := range batch {
		if _, ok := bad[p.Record.SourceID]; !ok {
			out = append(out, p)
		}
	}
	return out
}

// resolve hands new identifiers to the sink. Failures are logged only:
// unresolved identifiers are picked up by the next reconcile pass.
func (o *Orchestrator) resolve(ctx context.Context, s *runState, written []Prepared) {
	if o.deps.Sink == nil || len(written) == 0 {
		return
	}

	seen := make(map[identity.NormalizedIdentifier]struct{})
	ids := make([]identity.NormalizedIdentifier, 0)
	for _, p := range written {
		for _, n := range p.Identifiers {
			if _, dup := seen[n]; dup {
				continue
			}
			seen[n] = struct{}{}
			ids = append(ids, n)
		}
	}
	if len(ids) == 0 {
		return
	}

	if err := o.deps.Sink.ResolveIdentifiers(ctx, ids); err != nil {
		s.log.Warnw("identifier resolution failed", "identifiers", len(ids), "error", err)
	}
}

func (o *Orchestrator) seal(ctx context.Context, s *runState, resume string, runErr error) (*Run, error) {
	run := s.run
	sealCtx := context.WithoutCancel(ctx)

	completed := o.deps.Clock.Now()
	run.CompletedAt = &completed

	switch {
	case runErr != nil:
		run.Status = StatusFailed
		run.ErrorSummary = strPtr(runErr.Error())
	case run.RowsFailed > 0:
		run.Status = StatusPartial
		run.ErrorSummary = strPtr(summarizeFailures(run.RowsFailed, run.RowsProcessed, s.failures))
	default:
		run.Status = StatusSuccess
	}

	stored := s.stored
	after, advance := stored, false
	if runErr == nil && resume != "" && resume != stored {
		if o.regresses(s.reg, resume, stored) {
			s.log.Warnw("adapter watermark behind stored cursor, keeping stored", "stored", stored, "offered", resume)
		} else {
			after, advance = resume, true
		}
	}
	if after != "" {
		run.WatermarkAfter = strPtr(after)
	}

	err := o.deps.Tx.RunInTransaction(sealCtx, func(ctx context.Context) error {
		if advance {
			if err := o.deps.Watermarks.Put(ctx, Watermark{
				SourceType: run.SourceType,
				Scope:      o.cfg.Scope,
				Cursor:     after,
				UpdatedAt:  completed,
			}); err != nil {
				return fmt.Errorf("advance watermark: %w", err)
			}
		}
		return o.deps.Ledger.Seal(ctx, run)
	})
	if err != nil {
		s.log.Errorw("failed to seal run", "error", err)
		return run, fmt.Errorf("seal run %s: %w", run.ID, err)
	}

	o.deps.Metrics.RunSealed(run)
	s.log.Infow("sync run sealed",
		"status", run.Status,
		"rows_processed", run.RowsProcessed,
		"rows_failed", run.RowsFailed,
		"rows_skipped", run.RowsSkipped,
		"pages", run.PagesFetched,
		"retries", run.Retries,
		"watermark_after", after,
		"duration", run.Duration(),
	)
	return run, nil
}

func (o *Orchestrator) regresses(reg *registration, offered, stored string) bool {
	if stored == "" {
		return false
	}
	orderer, ok := reg.adapter.(source.CursorOrderer)
	if !ok {
		return false
	}
	return orderer.CompareCursors(offered, stored) < 0
}

func summarizeFailures(failed, processed int, sample []RowError) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d of %d records failed", failed, processed)
	for i, f := range sample {
		if i == 0 {
			b.WriteString(": ")
		} else {
			b.WriteString("; ")
		}
		b.WriteString(f.Error())
	}
	return b.String()
}

// RunAll syncs every registered source concurrently. Runs that were opened
// are returned even when other sources fail; rejections are joined into err.
func (o *Orchestrator) RunAll(ctx context.Context, mode source.Mode) ([]*Run, error) {
	types := o.Sources()
	runs := make([]*Run, len(types))
	errs := make([]error, len(types))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.Concurrency)
	for i, st := range types {
		g.Go(func() error {
			run, err := o.RunSync(gctx, st, mode)
			runs[i] = run
			if err != nil {
				errs[i] = fmt.Errorf("%s: %w", st, err)
			}
			return nil
		})
	}
	_ = g.Wait()

	out := make([]*Run, 0, len(runs))
	for _, r := range runs {
		if r != nil {
			out = append(out, r)
		}
	}
	return out, errors.Join(errs...)
}

// Watermark returns the stored cursor of a source, nil when never synced.
func (o *Orchestrator) Watermark(ctx context.Context, st source.Type) (*Watermark, error) {
	return o.deps.Watermarks.Get(ctx, st, o.cfg.Scope)
}

// ResetWatermark overwrites the stored cursor. An empty cursor makes the next
// incremental run start from the beginning. It takes the run guard so it
// cannot race a sync of the same source.
func (o *Orchestrator) ResetWatermark(ctx context.Context, st source.Type, cursor string) error {
	if _, err := o.lookup(st); err != nil {
		return err
	}
	release, err := o.deps.Guard.Acquire(ctx, st)
	if err != nil {
		return err
	}
	defer release()

	if err := o.deps.Watermarks.Put(ctx, Watermark{
		SourceType: st,
		Scope:      o.cfg.Scope,
		Cursor:     cursor,
		UpdatedAt:  o.deps.Clock.Now(),
	}); err != nil {
		return fmt.Errorf("reset watermark: %w", err)
	}
	o.log.WithContext(ctx).Infow("watermark reset", "source_type", st, "cursor", cursor, "operator", appctx.GetSubject(ctx))
	return nil
}

// RecoverAbandoned fails runs left in running state by a crashed process.
func (o *Orchestrator) RecoverAbandoned(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := o.deps.Clock.Now().Add(-olderThan)
	n, err := o.deps.Ledger.FailAbandoned(ctx, cutoff, "abandoned: process exited before sealing")
	if err != nil {
		return 0, fmt.Errorf("recover abandoned runs: %w", err)
	}
	if n > 0 {
		o.log.WithContext(ctx).Warnw("sealed abandoned runs", "count", n, "cutoff", cutoff)
	}
	return n, nil
}
