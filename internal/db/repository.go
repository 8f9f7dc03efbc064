package db

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// AlertFlag names one of the monotonic escalation latches on work_sessions.
type AlertFlag string

const (
	AlertFlag12h AlertFlag = "alerted_12h"
	AlertFlag48h AlertFlag = "alerted_48h"
	AlertFlag72h AlertFlag = "alerted_72h"
)

// validAlertFlags whitelists the columns MarkAlerted may touch.
var validAlertFlags = map[AlertFlag]bool{
	AlertFlag12h: true,
	AlertFlag48h: true,
	AlertFlag72h: true,
}

// Repository handles database operations for notifications, device tokens
// and attendance sessions
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// NewRepository creates a new repository
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// InsertNotifications appends one row per outbound notification. The batch
// either inserts what it can or fails as a whole; callers treat failure as
// non-fatal and proceed with delivery.
func (r *Repository) InsertNotifications(ctx context.Context, notifs []*Notification) error {
	if len(notifs) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, n := range notifs {
		if n.ID == uuid.Nil {
			n.ID = uuid.New()
		}
		batch.Queue(`
			INSERT INTO notifications (id, user_id, shop_id, title, body, route, is_read)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, n.ID, n.UserID, n.ShopID, n.Title, n.Body, n.Route, n.IsRead)
	}

	results := r.db.Pool().SendBatch(ctx, batch)
	defer results.Close()

	for range notifs {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("insert notifications: %w", err)
		}
	}

	r.logger.Info("notifications inserted",
		zap.Int("count", len(notifs)),
		zap.String("shop_id", notifs[0].ShopID.String()),
	)

	return nil
}

// CountUnread returns the recipient's unread-notification count, optionally
// scoped to one shop. Reads see rows inserted earlier in the same
// invocation (read-after-write badge policy).
func (r *Repository) CountUnread(ctx context.Context, userID uuid.UUID, shopID *uuid.UUID) (int, error) {
	var count int
	var err error

	if shopID != nil {
		err = r.db.Pool().QueryRow(ctx, `
			SELECT COUNT(*) FROM notifications
			WHERE user_id = $1 AND shop_id = $2 AND is_read = FALSE
		`, userID, *shopID).Scan(&count)
	} else {
		err = r.db.Pool().QueryRow(ctx, `
			SELECT COUNT(*) FROM notifications
			WHERE user_id = $1 AND is_read = FALSE
		`, userID).Scan(&count)
	}

	if err != nil {
		return 0, fmt.Errorf("count unread notifications: %w", err)
	}

	return count, nil
}

// ListDeviceTokens returns every registered push token for the given users.
// Token registration is owned by the clients; this is read-only.
func (r *Repository) ListDeviceTokens(ctx context.Context, userIDs []uuid.UUID) ([]DeviceToken, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}

	rows, err := r.db.Pool().Query(ctx, `
		SELECT user_id, token FROM user_fcm_tokens
		WHERE user_id = ANY($1)
	`, userIDs)
	if err != nil {
		return nil, fmt.Errorf("query device tokens: %w", err)
	}
	defer rows.Close()

	var tokens []DeviceToken
	for rows.Next() {
		var t DeviceToken
		if err := rows.Scan(&t.UserID, &t.Token); err != nil {
			return nil, fmt.Errorf("scan device token: %w", err)
		}
		tokens = append(tokens, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return tokens, nil
}

// ListOpenSessions returns every work session that has not clocked out yet.
func (r *Repository) ListOpenSessions(ctx context.Context) ([]*WorkSession, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT id, user_id, shop_id, clock_in, clock_out,
		       alerted_12h, alerted_48h, alerted_72h
		FROM work_sessions
		WHERE clock_out IS NULL
	`)
	if err != nil {
		return nil, fmt.Errorf("query open sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*WorkSession
	for rows.Next() {
		var s WorkSession
		err := rows.Scan(
			&s.ID,
			&s.UserID,
			&s.ShopID,
			&s.ClockIn,
			&s.ClockOut,
			&s.Alerted12h,
			&s.Alerted48h,
			&s.Alerted72h,
		)
		if err != nil {
			return nil, fmt.Errorf("scan work session: %w", err)
		}
		sessions = append(sessions, &s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return sessions, nil
}

// MarkAlerted latches one escalation flag for a session. The flag only ever
// moves false -> true; there is no reset path.
func (r *Repository) MarkAlerted(ctx context.Context, sessionID uuid.UUID, flag AlertFlag) error {
	if !validAlertFlags[flag] {
		return fmt.Errorf("unknown alert flag: %s", flag)
	}

	query := fmt.Sprintf(`UPDATE work_sessions SET %s = TRUE WHERE id = $1`, flag)

	result, err := r.db.Pool().Exec(ctx, query, sessionID)
	if err != nil {
		return fmt.Errorf("mark %s: %w", flag, err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("work session not found: %s", sessionID)
	}

	r.logger.Info("escalation flag set",
		zap.String("session_id", sessionID.String()),
		zap.String("flag", string(flag)),
	)

	return nil
}

// ListShopManagers returns the users of a shop whose role carries the given
// permission key. Used to resolve the audience of the 72h escalation tier.
func (r *Repository) ListShopManagers(ctx context.Context, shopID uuid.UUID, permissionKey string) ([]uuid.UUID, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT m.user_id
		FROM user_shop_map m
		JOIN shop_role_permissions p ON p.role_id = m.role_id
		WHERE m.shop_id = $1 AND p.permission_key = $2
	`, shopID, permissionKey)
	if err != nil {
		return nil, fmt.Errorf("query shop managers: %w", err)
	}
	defer rows.Close()

	var userIDs []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan manager id: %w", err)
		}
		userIDs = append(userIDs, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return userIDs, nil
}

// GetUserName returns the display name for a user.
func (r *Repository) GetUserName(ctx context.Context, userID uuid.UUID) (string, error) {
	var name string
	err := r.db.Pool().QueryRow(ctx, `
		SELECT name FROM users WHERE user_id = $1
	`, userID).Scan(&name)

	if err == pgx.ErrNoRows {
		return "", fmt.Errorf("user not found: %s", userID)
	}

	if err != nil {
		return "", fmt.Errorf("query user name: %w", err)
	}

	return name, nil
}
