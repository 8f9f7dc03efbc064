package push

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/yitingw/shiftpulse/internal/db"
	"github.com/yitingw/shiftpulse/internal/fcm"
)

// fakeStore is an in-memory notification store with synchronous
// read-after-write semantics.
type fakeStore struct {
	mu     sync.Mutex
	rows   []*db.Notification
	tokens []db.DeviceToken

	insertErr error
	listErr   error
	countErr  error

	insertCalls int
}

func (s *fakeStore) InsertNotifications(ctx context.Context, notifs []*db.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.insertCalls++
	if s.insertErr != nil {
		return s.insertErr
	}
	s.rows = append(s.rows, notifs...)
	return nil
}

func (s *fakeStore) CountUnread(ctx context.Context, userID uuid.UUID, shopID *uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.countErr != nil {
		return 0, s.countErr
	}
	count := 0
	for _, row := range s.rows {
		if row.UserID != userID || row.IsRead {
			continue
		}
		if shopID != nil && row.ShopID != *shopID {
			continue
		}
		count++
	}
	return count, nil
}

func (s *fakeStore) ListDeviceTokens(ctx context.Context, userIDs []uuid.UUID) ([]db.DeviceToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	want := map[uuid.UUID]bool{}
	for _, id := range userIDs {
		want[id] = true
	}
	var out []db.DeviceToken
	for _, t := range s.tokens {
		if want[t.UserID] {
			out = append(out, t)
		}
	}
	return out, nil
}

type fakeMinter struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (m *fakeMinter) Mint(ctx context.Context) (*fcm.Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	return &fcm.Token{AccessToken: fmt.Sprintf("tok-%d", m.calls)}, nil
}

type fakeSender struct {
	mu      sync.Mutex
	sent    []*fcm.Message
	bearers []string
	failFor map[string]error
}

func (s *fakeSender) Send(ctx context.Context, accessToken string, msg *fcm.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, msg)
	s.bearers = append(s.bearers, accessToken)
	if err, ok := s.failFor[msg.Token]; ok {
		return err
	}
	return nil
}

func newTestDispatcher(store *fakeStore, minter *fakeMinter, sender *fakeSender) *Dispatcher {
	return NewDispatcher(store, minter, sender, zap.NewNop())
}

func TestDispatch_EmptyRecipients(t *testing.T) {
	store := &fakeStore{}
	minter := &fakeMinter{}
	sender := &fakeSender{}
	d := newTestDispatcher(store, minter, sender)

	report, err := d.Dispatch(context.Background(), Request{Recipients: nil})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Devices != 0 || report.Delivered != 0 {
		t.Errorf("expected empty report, got %+v", report)
	}
	if store.insertCalls != 0 {
		t.Error("no persistence expected for empty recipient set")
	}
	if minter.calls != 0 {
		t.Error("no token must be minted for empty recipient set")
	}
}

func TestDispatch_NoDevices(t *testing.T) {
	user := uuid.New()
	store := &fakeStore{}
	minter := &fakeMinter{}
	sender := &fakeSender{}
	d := newTestDispatcher(store, minter, sender)

	report, err := d.Dispatch(context.Background(), Request{
		Recipients: []uuid.UUID{user},
		Title:      "t",
		ShopID:     uuid.New(),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Devices != 0 {
		t.Errorf("expected zero devices, got %d", report.Devices)
	}
	if len(store.rows) != 1 {
		t.Errorf("notification row must still be persisted, got %d rows", len(store.rows))
	}
	if minter.calls != 0 {
		t.Error("no token must be minted when there are no devices")
	}
}

func TestDispatch_BadgeReflectsNewRow(t *testing.T) {
	user := uuid.New()
	shop := uuid.New()

	store := &fakeStore{
		tokens: []db.DeviceToken{{UserID: user, Token: "dev-1"}},
	}
	// Three pre-existing unread rows for the recipient.
	for i := 0; i < 3; i++ {
		store.rows = append(store.rows, &db.Notification{UserID: user, ShopID: shop})
	}

	sender := &fakeSender{}
	d := newTestDispatcher(store, &fakeMinter{}, sender)

	_, err := d.Dispatch(context.Background(), Request{
		Recipients: []uuid.UUID{user},
		Title:      "t",
		ShopID:     shop,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(sender.sent) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(sender.sent))
	}
	if sender.sent[0].Badge != 4 {
		t.Errorf("expected badge 4 (3 unread + 1 new), got %d", sender.sent[0].Badge)
	}
}

func TestDispatch_BadgeScopedToShop(t *testing.T) {
	user := uuid.New()
	shopA := uuid.New()
	shopB := uuid.New()

	store := &fakeStore{
		tokens: []db.DeviceToken{{UserID: user, Token: "dev-1"}},
		rows: []*db.Notification{
			{UserID: user, ShopID: shopA},
			{UserID: user, ShopID: shopB},
			{UserID: user, ShopID: shopB},
		},
	}

	sender := &fakeSender{}
	d := newTestDispatcher(store, &fakeMinter{}, sender)

	_, err := d.Dispatch(context.Background(), Request{
		Recipients: []uuid.UUID{user},
		ShopID:     shopA,
		BadgeScope: &shopA,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// 1 pre-existing unread in shop A + the new row; shop B rows excluded.
	if sender.sent[0].Badge != 2 {
		t.Errorf("expected shop-scoped badge 2, got %d", sender.sent[0].Badge)
	}
}

func TestDispatch_PartialFailure(t *testing.T) {
	userA := uuid.New()
	userB := uuid.New()

	store := &fakeStore{
		tokens: []db.DeviceToken{
			{UserID: userA, Token: "dev-a"},
			{UserID: userB, Token: "dev-b"},
		},
	}
	sender := &fakeSender{
		failFor: map[string]error{"dev-a": errors.New("connection reset")},
	}
	d := newTestDispatcher(store, &fakeMinter{}, sender)

	report, err := d.Dispatch(context.Background(), Request{
		Recipients: []uuid.UUID{userA, userB},
		ShopID:     uuid.New(),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(sender.sent) != 2 {
		t.Fatalf("both devices must be attempted, got %d", len(sender.sent))
	}
	if report.Devices != 2 || report.Delivered != 1 {
		t.Errorf("expected 2 attempted / 1 delivered, got %+v", report)
	}
	if len(report.Failures) != 1 {
		t.Fatalf("expected 1 failure, got %d", len(report.Failures))
	}
	if report.Failures[0].Reason != ReasonNetwork {
		t.Errorf("expected network failure, got %s", report.Failures[0].Reason)
	}
}

func TestDispatch_RejectedTokenClassified(t *testing.T) {
	user := uuid.New()
	store := &fakeStore{
		tokens: []db.DeviceToken{{UserID: user, Token: "stale"}},
	}
	sender := &fakeSender{
		failFor: map[string]error{"stale": fmt.Errorf("%w: status 404", fcm.ErrTokenRejected)},
	}
	d := newTestDispatcher(store, &fakeMinter{}, sender)

	report, err := d.Dispatch(context.Background(), Request{
		Recipients: []uuid.UUID{user},
		ShopID:     uuid.New(),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(report.Failures) != 1 || report.Failures[0].Reason != ReasonTokenRejected {
		t.Fatalf("expected a rejected-token failure, got %+v", report.Failures)
	}

	// The stale token stays registered; removal belongs elsewhere.
	if len(store.tokens) != 1 {
		t.Error("dispatcher must never mutate device registrations")
	}
}

func TestDispatch_PersistenceFailureTolerated(t *testing.T) {
	user := uuid.New()
	store := &fakeStore{
		tokens:    []db.DeviceToken{{UserID: user, Token: "dev-1"}},
		insertErr: errors.New("disk full"),
	}
	sender := &fakeSender{}
	d := newTestDispatcher(store, &fakeMinter{}, sender)

	report, err := d.Dispatch(context.Background(), Request{
		Recipients: []uuid.UUID{user},
		ShopID:     uuid.New(),
	})
	if err != nil {
		t.Fatalf("persistence failure must not abort delivery: %v", err)
	}
	if report.Delivered != 1 {
		t.Errorf("expected delivery despite failed audit write, got %+v", report)
	}
}

func TestDispatch_TokenLookupFailureTolerated(t *testing.T) {
	user := uuid.New()
	store := &fakeStore{listErr: errors.New("timeout")}
	minter := &fakeMinter{}
	sender := &fakeSender{}
	d := newTestDispatcher(store, minter, sender)

	report, err := d.Dispatch(context.Background(), Request{
		Recipients: []uuid.UUID{user},
		ShopID:     uuid.New(),
	})
	if err != nil {
		t.Fatalf("token lookup failure must not surface as an error: %v", err)
	}
	if report.Devices != 0 || report.Delivered != 0 {
		t.Errorf("expected empty delivery section, got %+v", report)
	}
	if minter.calls != 0 {
		t.Error("no token must be minted without devices")
	}
}

func TestDispatch_MintFailureIsFatal(t *testing.T) {
	user := uuid.New()
	store := &fakeStore{
		tokens: []db.DeviceToken{{UserID: user, Token: "dev-1"}},
	}
	minter := &fakeMinter{err: fmt.Errorf("%w: invalid_grant", fcm.ErrAuthExchange)}
	sender := &fakeSender{}
	d := newTestDispatcher(store, minter, sender)

	_, err := d.Dispatch(context.Background(), Request{
		Recipients: []uuid.UUID{user},
		ShopID:     uuid.New(),
	})
	if !errors.Is(err, fcm.ErrAuthExchange) {
		t.Fatalf("expected auth exchange error, got %v", err)
	}
	if len(sender.sent) != 0 {
		t.Error("nothing may be sent without a bearer token")
	}
}

func TestDispatch_OneMintPerInvocation(t *testing.T) {
	userA := uuid.New()
	userB := uuid.New()
	store := &fakeStore{
		tokens: []db.DeviceToken{
			{UserID: userA, Token: "dev-a1"},
			{UserID: userA, Token: "dev-a2"},
			{UserID: userB, Token: "dev-b"},
		},
	}
	minter := &fakeMinter{}
	sender := &fakeSender{}
	d := newTestDispatcher(store, minter, sender)

	req := Request{Recipients: []uuid.UUID{userA, userB}, ShopID: uuid.New()}

	if _, err := d.Dispatch(context.Background(), req); err != nil {
		t.Fatalf("first dispatch: %v", err)
	}
	if minter.calls != 1 {
		t.Fatalf("expected a single mint for the whole batch, got %d", minter.calls)
	}

	// A second invocation mints its own token; no cross-invocation reuse.
	if _, err := d.Dispatch(context.Background(), req); err != nil {
		t.Fatalf("second dispatch: %v", err)
	}
	if minter.calls != 2 {
		t.Errorf("expected a fresh token per invocation, got %d mints", minter.calls)
	}

	for _, bearer := range sender.bearers[:3] {
		if bearer != "tok-1" {
			t.Errorf("first invocation must reuse tok-1, saw %s", bearer)
		}
	}
	for _, bearer := range sender.bearers[3:] {
		if bearer != "tok-2" {
			t.Errorf("second invocation must use tok-2, saw %s", bearer)
		}
	}
}

func TestDispatch_DuplicateTokensDeliveredIndependently(t *testing.T) {
	user := uuid.New()
	store := &fakeStore{
		tokens: []db.DeviceToken{
			{UserID: user, Token: "dup"},
			{UserID: user, Token: "dup"},
		},
	}
	sender := &fakeSender{}
	d := newTestDispatcher(store, &fakeMinter{}, sender)

	report, err := d.Dispatch(context.Background(), Request{
		Recipients: []uuid.UUID{user},
		ShopID:     uuid.New(),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Devices != 2 || len(sender.sent) != 2 {
		t.Errorf("duplicates are not deduplicated: %+v", report)
	}
}
