package provisioner

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/arenaforge/matchfleet/internal/store"
	"github.com/arenaforge/matchfleet/internal/workload"
	"github.com/arenaforge/matchfleet/pkg/metrics"
)

const matchIDPlaceholder = "{matchId}"

// Config carries the per-match provisioning parameters.
type Config struct {
	Namespace       string
	DomainTemplate  string
	SubpathTemplate string
	Image           string
	Port            int
}

// Provisioner turns a pair of users into a running match: cluster objects
// first, state records second. A crash between the two steps leaves an
// orphaned workload with no pointer, which the reconciler's label-based
// teardown bounds; the inverse ordering would let a player see a match with
// no compute behind it.
type Provisioner struct {
	workloads workload.Lifecycle
	records   store.Store
	cfg       Config
	logger    *zap.Logger

	// watchCtx bounds every detached readiness watch so process shutdown
	// cancels them all through a single path.
	watchCtx context.Context
}

// New creates a match provisioner. watchCtx should be the process-lifetime
// context; cancelling it aborts all in-flight readiness watches.
func New(watchCtx context.Context, workloads workload.Lifecycle, records store.Store, cfg Config, logger *zap.Logger) *Provisioner {
	return &Provisioner{
		workloads: workloads,
		records:   records,
		cfg:       cfg,
		logger:    logger,
		watchCtx:  watchCtx,
	}
}

// Provision creates the workload and records for a new match and returns as
// soon as both are in place; pod readiness is observed asynchronously for
// metrics only. On workload creation failure nothing is written to the store
// and any partially created objects get a best-effort teardown; a record or
// pointer write failure likewise unwinds whatever was already in place, with
// the reconciler as the backstop either way.
func (p *Provisioner) Provision(ctx context.Context, user1, user2 string, ranked bool) (*store.MatchRecord, error) {
	matchID := uuid.NewString()
	domain := strings.ReplaceAll(p.cfg.DomainTemplate, matchIDPlaceholder, matchID)
	subpath := strings.ReplaceAll(p.cfg.SubpathTemplate, matchIDPlaceholder, matchID)

	created := time.Now()
	handle, err := p.workloads.Create(ctx, workload.Params{
		MatchID:   matchID,
		Namespace: p.cfg.Namespace,
		Domain:    domain,
		Subpath:   subpath,
		Image:     p.cfg.Image,
		Port:      p.cfg.Port,
	})
	if err != nil {
		metrics.ProvisionFailures.WithLabelValues("create").Inc()
		if terr := p.workloads.Teardown(ctx, matchID, p.cfg.Namespace); terr != nil {
			p.logger.Warn("Best-effort teardown after failed create",
				zap.String("match_id", matchID), zap.Error(terr))
		}
		return nil, err
	}

	record := &store.MatchRecord{
		MatchID:   matchID,
		Namespace: p.cfg.Namespace,
		Domain:    domain,
		Subpath:   subpath,
		UserIDs:   [2]string{user1, user2},
		Ranked:    ranked,
	}
	if err := p.records.PutMatch(ctx, record); err != nil {
		metrics.ProvisionFailures.WithLabelValues("record").Inc()
		p.abandon(ctx, matchID, user1, user2)
		return nil, err
	}
	if err := p.records.PutUserPointer(ctx, user1, matchID); err != nil {
		metrics.ProvisionFailures.WithLabelValues("record").Inc()
		p.abandon(ctx, matchID, user1, user2)
		return nil, err
	}
	if err := p.records.PutUserPointer(ctx, user2, matchID); err != nil {
		metrics.ProvisionFailures.WithLabelValues("record").Inc()
		p.abandon(ctx, matchID, user1, user2)
		return nil, err
	}

	metrics.MatchesProvisioned.WithLabelValues(strconv.FormatBool(ranked)).Inc()
	metrics.ActiveMatches.Inc()
	p.logger.Info("Match provisioned",
		zap.String("match_id", matchID),
		zap.String("user1", user1),
		zap.String("user2", user2),
		zap.Bool("ranked", ranked))

	// Readiness is observed off the critical path. The match is already
	// recorded and the client contract is "poll until ready", so a failed
	// watch is metered and logged, never propagated.
	go p.watchReadiness(handle, created)

	return record, nil
}

// abandon undoes a half-provisioned match: the workload, the match record,
// and any user pointer already written. A dangling pointer in particular
// would send both players 404s until its TTL ran out. Every step is
// best-effort, with the reconciler behind it.
func (p *Provisioner) abandon(ctx context.Context, matchID, user1, user2 string) {
	if err := p.workloads.Teardown(ctx, matchID, p.cfg.Namespace); err != nil {
		p.logger.Warn("Best-effort teardown of abandoned match",
			zap.String("match_id", matchID), zap.Error(err))
	}
	if err := p.records.DeleteMatch(ctx, matchID); err != nil {
		p.logger.Warn("Best-effort record cleanup of abandoned match",
			zap.String("match_id", matchID), zap.Error(err))
	}
	for _, userID := range []string{user1, user2} {
		if err := p.records.DeleteUserPointer(ctx, userID); err != nil {
			p.logger.Warn("Best-effort pointer cleanup of abandoned match",
				zap.String("match_id", matchID),
				zap.String("user_id", userID),
				zap.Error(err))
		}
	}
}

func (p *Provisioner) watchReadiness(handle *workload.Handle, created time.Time) {
	if err := p.workloads.WaitReady(p.watchCtx, handle); err != nil {
		if p.watchCtx.Err() != nil {
			return // shutdown, not a workload failure
		}
		metrics.ProvisionFailures.WithLabelValues("readiness").Inc()
		p.logger.Warn("Match workload never became ready",
			zap.String("match_id", handle.MatchID), zap.Error(err))
		return
	}
	metrics.ProvisionDuration.Observe(time.Since(created).Seconds())
	p.logger.Info("Match workload ready",
		zap.String("match_id", handle.MatchID),
		zap.Duration("took", time.Since(created)))
}
