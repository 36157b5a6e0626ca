package resolution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"contactsync/internal/core/apperror"
	"contactsync/internal/core/clock"
	appctx "contactsync/internal/core/context"
	"contactsync/internal/core/id"
	"contactsync/internal/core/tx"
	"contactsync/internal/domain/directory"
	"contactsync/internal/domain/identity"
	"contactsync/pkg/logger"
)

// Config tunes matching thresholds.
type Config struct {
	// MaxEmailEditDistance is the largest Levenshtein distance accepted by the fuzzy tier.
	MaxEmailEditDistance int
	// FuzzySameDomainOnly limits fuzzy email candidates to the same domain.
	FuzzySameDomainOnly bool
	// PhoneSuffixDigits is how many trailing digits must agree for a fuzzy phone match.
	PhoneSuffixDigits int
	// IgnoredDomains never produce a domain-tier match (free-mail providers).
	IgnoredDomains []string
	// Concurrency bounds parallel resolutions in ResolveIdentifiers and Reconcile.
	Concurrency int
	// ReconcileBatchSize is the keyset page size of a reconcile pass.
	ReconcileBatchSize int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxEmailEditDistance: 2,
		FuzzySameDomainOnly:  true,
		PhoneSuffixDigits:    10,
		IgnoredDomains: []string{
			"gmail.com", "googlemail.com", "yahoo.com", "outlook.com",
			"hotmail.com", "icloud.com", "aol.com", "proton.me",
		},
		Concurrency:        4,
		ReconcileBatchSize: 500,
	}
}

// Dependencies of a Resolver. Directory and Store are required.
type Dependencies struct {
	Directory directory.Reader
	Overrides OverrideStore
	Store     Store
	Tx        tx.Manager
	Clock     clock.Clock
	Metrics   Metrics
	Logger    *logger.Logger
}

// Resolver decides and records which contact an identifier belongs to.
type Resolver struct {
	deps    Dependencies
	cfg     Config
	ignored map[string]struct{}
	log     *logger.Logger
}

// NewResolver wires a resolver.
func NewResolver(deps Dependencies, cfg Config) *Resolver {
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
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.ReconcileBatchSize < 1 {
		cfg.ReconcileBatchSize = 500
	}
	return &Resolver{
		deps:    deps,
		cfg:     cfg,
		ignored: normalizeDomains(cfg.IgnoredDomains),
		log:     deps.Logger.WithComponent("resolver"),
	}
}

// Decide runs the tier cascade without persisting anything. The first tier
// that yields exactly one contact wins. A tier with several candidate
// contacts is skipped and the final unmatched decision is marked ambiguous.
func (r *Resolver) Decide(ctx context.Context, ident identity.NormalizedIdentifier) (Decision, error) {
	if !ident.Kind.Valid() || ident.Value == "" {
		return Decision{}, apperror.NewInvalidIdentifier(string(ident.Kind), ident.Value, "not normalized")
	}

	if r.deps.Overrides != nil {
		ov, err := r.deps.Overrides.Active(ctx, ident)
		if err != nil {
			return Decision{}, fmt.Errorf("load override: %w", err)
		}
		if ov != nil {
			return manualDecision(ov), nil
		}
	}

	sawAmbiguity := false

	exact, err := r.deps.Directory.ExactMatches(ctx, ident)
	if err != nil {
		return Decision{}, fmt.Errorf("exact lookup: %w", err)
	}
	d, out := decideExact(ident, exact)
	if out == matched {
		return d, nil
	}
	sawAmbiguity = sawAmbiguity || out == ambiguous

	if ident.Kind == identity.KindEmail {
		if _, skip := r.ignored[ident.Domain()]; !skip {
			dom, err := r.deps.Directory.DomainContacts(ctx, ident.Domain())
			if err != nil {
				return Decision{}, fmt.Errorf("domain lookup: %w", err)
			}
			d, out = decideDomain(dom)
			if out == matched {
				return d, nil
			}
			sawAmbiguity = sawAmbiguity || out == ambiguous
		}
	}

	cands, err := r.deps.Directory.FuzzyCandidates(ctx, ident, directory.Query{
		PhoneSuffixDigits: r.cfg.PhoneSuffixDigits,
		SameDomainOnly:    r.cfg.FuzzySameDomainOnly,
		MaxEditDistance:   r.cfg.MaxEmailEditDistance,
	})
	if err != nil {
		return Decision{}, fmt.Errorf("fuzzy lookup: %w", err)
	}
	switch ident.Kind {
	case identity.KindEmail:
		d, out = decideFuzzyEmail(ident, cands, r.cfg.MaxEmailEditDistance)
	case identity.KindPhone:
		d, out = decideFuzzyPhone(ident, cands, r.cfg.PhoneSuffixDigits)
	}
	if out == matched {
		return d, nil
	}
	sawAmbiguity = sawAmbiguity || out == ambiguous

	return unmatchedDecision(sawAmbiguity), nil
}

// Resolve decides and persists on behalf of an operator. A decision equal to
// the active record only refreshes last_verified_at; any other decision
// supersedes it.
func (r *Resolver) Resolve(ctx context.Context, ident identity.NormalizedIdentifier) (*Record, error) {
	return r.resolve(ctx, ident, false)
}

func (r *Resolver) resolve(ctx context.Context, ident identity.NormalizedIdentifier, upgradeOnly bool) (*Record, error) {
	d, err := r.Decide(ctx, ident)
	if err != nil {
		return nil, err
	}
	rec, _, err := r.apply(ctx, ident, d, upgradeOnly)
	if apperror.HasCode(err, apperror.CodeConflict) {
		// another writer superseded the record first; re-read and try once more
		rec, _, err = r.apply(ctx, ident, d, upgradeOnly)
	}
	return rec, err
}

// ResolveIdentifiers resolves a batch concurrently for the sync path. It never
// moves an active record to a lower or equal tier; only a manual decision or
// one that outranks the active tier is written. Every identifier is attempted;
// failures are joined into the returned error.
func (r *Resolver) ResolveIdentifiers(ctx context.Context, ids []identity.NormalizedIdentifier) error {
	errs := make([]error, len(ids))

	var g errgroup.Group
	g.SetLimit(r.cfg.Concurrency)
	for i, ident := range ids {
		g.Go(func() error {
			if _, err := r.resolve(ctx, ident, true); err != nil {
				errs[i] = fmt.Errorf("%s: %w", ident, err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// apply persists d. With upgradeOnly set, a differing decision is written
// only if it is manual or outranks the active tier. It reports whether a new
// record was written.
func (r *Resolver) apply(ctx context.Context, ident identity.NormalizedIdentifier, d Decision, upgradeOnly bool) (*Record, bool, error) {
	now := r.deps.Clock.Now()

	var (
		result  *Record
		changed bool
		from    Tier
	)
	err := r.isolated(ctx, func(ctx context.Context) error {
		current, err := r.deps.Store.Active(ctx, ident)
		if err != nil {
			return fmt.Errorf("load active record: %w", err)
		}

		if d.SameOutcome(current) {
			if err := r.deps.Store.Touch(ctx, current.ID, now); err != nil {
				return fmt.Errorf("touch record: %w", err)
			}
			current.LastVerifiedAt = now
			result = current
			return nil
		}

		if current != nil && upgradeOnly && d.Tier != TierManual && !d.Tier.Outranks(current.Tier) {
			result = current
			return nil
		}

		next := d.record(ident, now)
		if err := r.deps.Store.Supersede(ctx, current, next); err != nil {
			return fmt.Errorf("supersede record: %w", err)
		}
		if current != nil {
			from = current.Tier
		}
		result, changed = next, true
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	r.deps.Metrics.Decided(d.Tier)
	if changed {
		r.deps.Metrics.Superseded(from, d.Tier)
		r.log.WithContext(ctx).Debugw("resolution recorded",
			"identifier", ident.String(),
			"tier", d.Tier,
			"method", d.Method,
			"contact_id", d.ContactID,
			"previous_tier", from,
		)
	}
	return result, changed, nil
}

// isolated runs fn in a savepoint when the transaction manager supports it,
// so a conflicting write leaves an enclosing transaction usable for a retry.
func (r *Resolver) isolated(ctx context.Context, fn func(ctx context.Context) error) error {
	if im, ok := r.deps.Tx.(tx.IsolatingManager); ok {
		return im.RunIsolated(ctx, fn)
	}
	return r.deps.Tx.RunInTransaction(ctx, fn)
}

// Active returns the active record for an identifier.
func (r *Resolver) Active(ctx context.Context, ident identity.NormalizedIdentifier) (*Record, error) {
	rec, err := r.deps.Store.Active(ctx, ident)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, apperror.NewNotFound("resolution", ident.String())
	}
	return rec, nil
}

// List returns active records matching filter.
func (r *Resolver) List(ctx context.Context, filter ListFilter) ([]Record, error) {
	return r.deps.Store.List(ctx, filter)
}

// History returns every record of an identifier, newest first.
func (r *Resolver) History(ctx context.Context, ident identity.NormalizedIdentifier) ([]Record, error) {
	return r.deps.Store.History(ctx, ident)
}

// SetOverride pins ident to contactID and re-resolves it.
func (r *Resolver) SetOverride(ctx context.Context, ident identity.NormalizedIdentifier, contactID string) (*Record, error) {
	if r.deps.Overrides == nil {
		return nil, apperror.NewBusinessRule(apperror.CodeBusinessRule, "manual overrides are not configured")
	}
	if contactID == "" {
		return nil, apperror.NewValidation("target contact id is required")
	}

	var rec *Record
	err := r.deps.Tx.RunInTransaction(ctx, func(ctx context.Context) error {
		if err := r.deps.Overrides.Put(ctx, ManualOverride{
			ID:              id.New(),
			Kind:            ident.Kind,
			Identifier:      ident.Value,
			TargetContactID: contactID,
			CreatedBy:       appctx.GetSubject(ctx),
			CreatedAt:       r.deps.Clock.Now(),
			Active:          true,
		}); err != nil {
			return fmt.Errorf("store override: %w", err)
		}
		var err error
		rec, err = r.Resolve(ctx, ident)
		return err
	})
	if err != nil {
		return nil, err
	}
	r.log.WithContext(ctx).Infow("manual override set", "identifier", ident.String(), "contact_id", contactID)
	return rec, nil
}

// RevokeOverride removes the override and re-resolves through the automatic tiers.
func (r *Resolver) RevokeOverride(ctx context.Context, ident identity.NormalizedIdentifier) (*Record, error) {
	if r.deps.Overrides == nil {
		return nil, apperror.NewBusinessRule(apperror.CodeBusinessRule, "manual overrides are not configured")
	}

	var rec *Record
	err := r.deps.Tx.RunInTransaction(ctx, func(ctx context.Context) error {
		found, err := r.deps.Overrides.Revoke(ctx, ident)
		if err != nil {
			return fmt.Errorf("revoke override: %w", err)
		}
		if !found {
			return apperror.NewNotFound("manual override", ident.String())
		}
		rec, err = r.Resolve(ctx, ident)
		return err
	})
	if err != nil {
		return nil, err
	}
	r.log.WithContext(ctx).Infow("manual override revoked", "identifier", ident.String())
	return rec, nil
}

func elapsedSince(c clock.Clock, start time.Time) time.Duration {
	return c.Now().Sub(start)
}
