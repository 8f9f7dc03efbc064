// Package escalate advances open attendance sessions through a fixed
// ladder of time-threshold alerts. Each tier is a one-shot latch: the flag
// is set after the dispatch attempt whether or not delivery succeeded, so a
// tier fires at most once per session (duplicate-alert avoidance is chosen
// over guaranteed delivery).
package escalate

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/yitingw/shiftpulse/internal/db"
	"github.com/yitingw/shiftpulse/internal/metrics"
	"github.com/yitingw/shiftpulse/internal/push"
)

// ManagerPermissionKey marks the roles whose holders receive the 72h alert.
const ManagerPermissionKey = "back_view_all_clock_in"

// Tier identifies one escalation threshold.
type Tier string

const (
	Tier12h Tier = "12h"
	Tier48h Tier = "48h"
	Tier72h Tier = "72h"
)

// threshold is one rung of the escalation ladder.
type threshold struct {
	tier  Tier
	after time.Duration
	flag  db.AlertFlag
	fired func(*db.WorkSession) bool
}

// thresholds is evaluated in order against the same elapsed value on every
// scan, so a long-ignored session can fire several tiers in one pass.
var thresholds = []threshold{
	{Tier12h, 12 * time.Hour, db.AlertFlag12h, func(s *db.WorkSession) bool { return s.Alerted12h }},
	{Tier48h, 48 * time.Hour, db.AlertFlag48h, func(s *db.WorkSession) bool { return s.Alerted48h }},
	{Tier72h, 72 * time.Hour, db.AlertFlag72h, func(s *db.WorkSession) bool { return s.Alerted72h }},
}

// SessionStore is the attendance surface the engine reads and latches.
type SessionStore interface {
	ListOpenSessions(ctx context.Context) ([]*db.WorkSession, error)
	MarkAlerted(ctx context.Context, sessionID uuid.UUID, flag db.AlertFlag) error
}

// Directory resolves the 72h audience and employee display names.
type Directory interface {
	ListShopManagers(ctx context.Context, shopID uuid.UUID, permissionKey string) ([]uuid.UUID, error)
	GetUserName(ctx context.Context, userID uuid.UUID) (string, error)
}

// Dispatcher sends one notification event to a recipient set.
type Dispatcher interface {
	Dispatch(ctx context.Context, req push.Request) (*push.Report, error)
}

// ScanReport summarizes one scan pass.
type ScanReport struct {
	Sessions int `json:"sessions"`
	Fired    int `json:"fired"`
}

// Engine scans open sessions and fires escalation tiers.
type Engine struct {
	sessions   SessionStore
	directory  Directory
	dispatcher Dispatcher
	logger     *zap.Logger
	now        func() time.Time
}

// Option customizes an Engine.
type Option func(*Engine)

// WithClock overrides the engine clock (tests).
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an escalation engine.
func New(sessions SessionStore, directory Directory, dispatcher Dispatcher, logger *zap.Logger, opts ...Option) *Engine {
	e := &Engine{
		sessions:   sessions,
		directory:  directory,
		dispatcher: dispatcher,
		logger:     logger,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Scan loads every open session once and advances each through the
// escalation ladder. Sessions are processed concurrently; a failure in one
// never blocks the others. The per-session flag is committed only after
// that session's own dispatch attempt.
func (e *Engine) Scan(ctx context.Context) (*ScanReport, error) {
	sessions, err := e.sessions.ListOpenSessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list open sessions: %w", err)
	}

	report := &ScanReport{Sessions: len(sessions)}
	if len(sessions) == 0 {
		return report, nil
	}

	now := e.now()

	outcomes := push.Collect(ctx, sessions, func(ctx context.Context, s *db.WorkSession) (int, error) {
		return e.processSession(ctx, s, now), nil
	})

	for _, outcome := range outcomes {
		report.Fired += outcome.Value
	}

	e.logger.Info("escalation scan completed",
		zap.Int("sessions", report.Sessions),
		zap.Int("fired", report.Fired),
	)

	return report, nil
}

// processSession evaluates all three latches against the same elapsed value
// and returns the number of tiers fired.
func (e *Engine) processSession(ctx context.Context, s *db.WorkSession, now time.Time) int {
	if s.ShopID == uuid.Nil {
		return 0
	}

	elapsed := now.Sub(s.ClockIn)
	fired := 0

	for _, t := range thresholds {
		if elapsed < t.after || t.fired(s) {
			continue
		}

		e.fireTier(ctx, s, t.tier)

		// The latch is set regardless of dispatch outcome: a failed
		// delivery is dropped, not retried on the next scan.
		if err := e.sessions.MarkAlerted(ctx, s.ID, t.flag); err != nil {
			e.logger.Error("failed to latch escalation flag",
				zap.Error(err),
				zap.String("session_id", s.ID.String()),
				zap.String("flag", string(t.flag)),
			)
			continue
		}

		metrics.RecordEscalationFired(string(t.tier))
		fired++
	}

	return fired
}

// fireTier resolves the tier's audience and dispatches its alert. Errors
// are logged only; the caller latches the flag either way.
func (e *Engine) fireTier(ctx context.Context, s *db.WorkSession, tier Tier) {
	var req push.Request

	switch tier {
	case Tier12h:
		req = push.Request{
			Recipients: []uuid.UUID{s.UserID},
			Title:      "⏰ 打卡提醒",
			Body:       "您已上班超過 12 小時尚未打卡，請記得補打下班卡。",
			Route:      "/punchIn",
			ShopID:     s.ShopID,
			BadgeScope: &s.ShopID,
		}

	case Tier48h:
		req = push.Request{
			Recipients: []uuid.UUID{s.UserID},
			Title:      "⚠️ 考勤異常提醒",
			Body:       "您有超過 48 小時的未結案打卡紀錄，請盡速補單。",
			Route:      "/punchIn",
			ShopID:     s.ShopID,
			BadgeScope: &s.ShopID,
		}

	case Tier72h:
		managers, err := e.directory.ListShopManagers(ctx, s.ShopID, ManagerPermissionKey)
		if err != nil {
			e.logger.Error("failed to resolve escalation audience",
				zap.Error(err),
				zap.String("session_id", s.ID.String()),
				zap.String("shop_id", s.ShopID.String()),
			)
			return
		}

		// A shop with no configured managers consumes the escalation
		// silently instead of re-alerting forever.
		if len(managers) == 0 {
			e.logger.Info("no managers configured for shop, escalation consumed",
				zap.String("session_id", s.ID.String()),
				zap.String("shop_id", s.ShopID.String()),
			)
			return
		}

		name, err := e.directory.GetUserName(ctx, s.UserID)
		if err != nil || name == "" {
			name = "員工"
		}

		req = push.Request{
			Recipients: managers,
			Title:      "🚨 員工考勤異常",
			Body:       fmt.Sprintf("%s 已超過 72 小時未打下班卡，請協助手動結算。", name),
			Route:      "/clockInReport",
			ShopID:     s.ShopID,
			BadgeScope: &s.ShopID,
		}

	default:
		return
	}

	if _, err := e.dispatcher.Dispatch(ctx, req); err != nil {
		e.logger.Error("escalation dispatch failed",
			zap.Error(err),
			zap.String("session_id", s.ID.String()),
			zap.String("tier", string(tier)),
		)
	}
}

// Run scans on a fixed interval until the context is cancelled. Used by the
// escalator binary's loop mode; production deployments usually run one-shot
// scans from an external scheduler instead.
func (e *Engine) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("escalation engine stopping")
			return
		case <-ticker.C:
			if _, err := e.Scan(ctx); err != nil {
				e.logger.Error("escalation scan failed", zap.Error(err))
			}
		}
	}
}
