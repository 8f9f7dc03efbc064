package db

import (
	"time"

	"github.com/google/uuid"
)

// Notification is one outbound notification row, created per (recipient,
// event) before delivery is attempted. Rows are never deleted here; the
// recipient's client flips IsRead.
type Notification struct {
	ID        uuid.UUID `json:"id"`
	UserID    uuid.UUID `json:"user_id"`
	ShopID    uuid.UUID `json:"shop_id"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	Route     string    `json:"route"`
	IsRead    bool      `json:"is_read"`
	CreatedAt time.Time `json:"created_at"`
}

// DeviceToken maps a user to one registered push token. A user may have
// several devices. Registration is owned by the mobile client; this service
// only reads.
type DeviceToken struct {
	UserID uuid.UUID `json:"user_id"`
	Token  string    `json:"token"`
}

// WorkSession is an open or closed clock-in record. The three Alerted
// flags are one-shot latches: once true they are never reset for the
// lifetime of the session.
type WorkSession struct {
	ID         uuid.UUID  `json:"id"`
	UserID     uuid.UUID  `json:"user_id"`
	ShopID     uuid.UUID  `json:"shop_id"`
	ClockIn    time.Time  `json:"clock_in"`
	ClockOut   *time.Time `json:"clock_out,omitempty"`
	Alerted12h bool       `json:"alerted_12h"`
	Alerted48h bool       `json:"alerted_48h"`
	Alerted72h bool       `json:"alerted_72h"`
}
