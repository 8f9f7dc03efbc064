// Package push fans one logical notification event out to every registered
// device of every target recipient: persist the audit rows, mint one bearer
// token for the batch, then deliver per device with partial-failure
// tolerance.
package push

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/yitingw/shiftpulse/internal/db"
	"github.com/yitingw/shiftpulse/internal/fcm"
	"github.com/yitingw/shiftpulse/internal/metrics"
)

// Failure reasons recorded per device in the dispatch report.
const (
	ReasonTokenRejected = "rejected"
	ReasonNetwork       = "network"
)

// Store is the notification persistence surface the dispatcher needs.
type Store interface {
	InsertNotifications(ctx context.Context, notifs []*db.Notification) error
	CountUnread(ctx context.Context, userID uuid.UUID, shopID *uuid.UUID) (int, error)
	ListDeviceTokens(ctx context.Context, userIDs []uuid.UUID) ([]db.DeviceToken, error)
}

// Minter mints one bearer token per dispatch invocation.
type Minter interface {
	Mint(ctx context.Context) (*fcm.Token, error)
}

// Sender performs one per-device delivery.
type Sender interface {
	Send(ctx context.Context, accessToken string, msg *fcm.Message) error
}

// Request is one logical notification event aimed at a recipient set.
type Request struct {
	Recipients []uuid.UUID
	Title      string
	Body       string
	Route      string

	// ShopID is recorded on every notification row.
	ShopID uuid.UUID

	// BadgeScope limits the unread count backing each device's badge to
	// one shop. Nil means the recipient's global unread count.
	BadgeScope *uuid.UUID
}

// Failure describes one device delivery that did not complete.
type Failure struct {
	Token  string
	UserID uuid.UUID
	Reason string
	Err    error
}

// Report tallies the outcome of one dispatch invocation.
type Report struct {
	Recipients int       `json:"recipients"`
	Devices    int       `json:"devices"`
	Delivered  int       `json:"delivered"`
	Failures   []Failure `json:"-"`
}

// Dispatcher fans a notification event out across recipients and devices.
type Dispatcher struct {
	store  Store
	minter Minter
	sender Sender
	logger *zap.Logger
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(store Store, minter Minter, sender Sender, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		store:  store,
		minter: minter,
		sender: sender,
		logger: logger,
	}
}

// Dispatch persists one notification row per recipient, resolves the
// recipients' device tokens, mints a single bearer token and delivers to
// every device concurrently. Individual delivery failures land in the
// report; only credential or token-exchange failures abort the call.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (*Report, error) {
	report := &Report{Recipients: len(req.Recipients)}

	if len(req.Recipients) == 0 {
		return report, nil
	}

	metrics.RecordDispatch()

	// Rows are written before the badge counts are read, so each badge
	// reflects the event being delivered (read-after-write policy). A
	// persistence failure is logged and delivery proceeds without the
	// audit trail.
	notifs := make([]*db.Notification, 0, len(req.Recipients))
	for _, userID := range req.Recipients {
		notifs = append(notifs, &db.Notification{
			ID:     uuid.New(),
			UserID: userID,
			ShopID: req.ShopID,
			Title:  req.Title,
			Body:   req.Body,
			Route:  req.Route,
			IsRead: false,
		})
	}

	if err := d.store.InsertNotifications(ctx, notifs); err != nil {
		d.logger.Error("failed to persist notifications, continuing with delivery",
			zap.Error(err),
			zap.Int("recipients", len(req.Recipients)),
			zap.String("shop_id", req.ShopID.String()),
		)
	}

	tokens, err := d.store.ListDeviceTokens(ctx, req.Recipients)
	if err != nil {
		d.logger.Error("failed to resolve device tokens",
			zap.Error(err),
			zap.Int("recipients", len(req.Recipients)),
		)
		return report, nil
	}

	if len(tokens) == 0 {
		d.logger.Info("no registered devices for recipients",
			zap.Int("recipients", len(req.Recipients)),
		)
		return report, nil
	}

	report.Devices = len(tokens)

	// One token for the whole batch. It lives only for this invocation.
	bearer, err := d.minter.Mint(ctx)
	if err != nil {
		return report, err
	}

	outcomes := Collect(ctx, tokens, func(ctx context.Context, t db.DeviceToken) (struct{}, error) {
		return struct{}{}, d.deliver(ctx, bearer.AccessToken, t, req)
	})

	for i, outcome := range outcomes {
		if outcome.Err == nil {
			report.Delivered++
			metrics.RecordPushSent("delivered")
			continue
		}

		reason := ReasonNetwork
		if errors.Is(outcome.Err, fcm.ErrTokenRejected) {
			reason = ReasonTokenRejected
		}
		metrics.RecordPushSent(reason)

		report.Failures = append(report.Failures, Failure{
			Token:  tokens[i].Token,
			UserID: tokens[i].UserID,
			Reason: reason,
			Err:    outcome.Err,
		})

		d.logger.Warn("device delivery failed",
			zap.String("user_id", tokens[i].UserID.String()),
			zap.String("reason", reason),
			zap.Error(outcome.Err),
		)
	}

	d.logger.Info("dispatch completed",
		zap.Int("recipients", report.Recipients),
		zap.Int("devices", report.Devices),
		zap.Int("delivered", report.Delivered),
		zap.Int("failed", len(report.Failures)),
	)

	return report, nil
}

func (d *Dispatcher) deliver(ctx context.Context, accessToken string, t db.DeviceToken, req Request) error {
	// Badge falls back to 1 when the count is unavailable so the device
	// still shows something sensible.
	badge := 1
	if count, err := d.store.CountUnread(ctx, t.UserID, req.BadgeScope); err != nil {
		d.logger.Warn("unread count unavailable, using fallback badge",
			zap.Error(err),
			zap.String("user_id", t.UserID.String()),
		)
	} else {
		badge = count
	}

	return d.sender.Send(ctx, accessToken, &fcm.Message{
		Token: t.Token,
		Title: req.Title,
		Body:  req.Body,
		Route: req.Route,
		Badge: badge,
	})
}
