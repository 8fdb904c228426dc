package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/ngapox/malenga-knowledge-clinic/internal/db/dbtest"
	"github.com/ngapox/malenga-knowledge-clinic/internal/models"
	"github.com/ngapox/malenga-knowledge-clinic/internal/ws"
)

// recorder 记录发布的事件，同时转发给本地 Hub。
type recorder struct {
	hub *ws.Hub
	mu  sync.Mutex
	evs []ws.Event
}

func (r *recorder) Publish(ctx context.Context, ev ws.Event) error {
	r.mu.Lock()
	r.evs = append(r.evs, ev)
	r.mu.Unlock()
	return r.hub.Publish(ctx, ev)
}

func (r *recorder) events(typ string) []ws.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []ws.Event
	for _, ev := range r.evs {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

// fakeClock 是可手动推进的时钟。
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	db        *gorm.DB
	hub       *ws.Hub
	pub       *recorder
	clock     *fakeClock
	tallies   *TallyCache
	rooms     *RoomService
	messages  *MessageService
	reactions *ReactionService
	invites   *InviteService
	mentions  *MentionService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gdb := dbtest.Open(t)
	hub := ws.NewHub()
	t.Cleanup(hub.Close)
	pub := &recorder{hub: hub}
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	tallies := NewTallyCache(64)
	rooms := NewRoomService(gdb, hub, pub, tallies)
	return &fixture{
		db:        gdb,
		hub:       hub,
		pub:       pub,
		clock:     clock,
		tallies:   tallies,
		rooms:     rooms,
		messages:  NewMessageService(gdb, rooms, pub, tallies).WithClock(clock.Now),
		reactions: NewReactionService(gdb, rooms, pub, tallies),
		invites:   NewInviteService(gdb, rooms).WithClock(clock.Now),
		mentions:  NewMentionService(rooms, 0),
	}
}

func (f *fixture) user(t *testing.T, username, displayName string, admin bool) *Identity {
	t.Helper()
	u := models.User{Username: username, PasswordHash: "x", DisplayName: displayName, IsAdmin: admin}
	require.NoError(t, f.db.Create(&u).Error)
	return IdentityOf(&u)
}

func (f *fixture) room(t *testing.T, admin *Identity, name string, public bool) uint {
	t.Helper()
	r, err := f.rooms.CreateRoom(context.Background(), admin, name, public)
	require.NoError(t, err)
	return r.ID
}

func (f *fixture) join(t *testing.T, roomID uint, u *Identity) {
	t.Helper()
	_, err := f.rooms.AddMember(context.Background(), roomID, u.ID)
	require.NoError(t, err)
}

func ptr[T any](v T) *T { return &v }

func timeout() <-chan time.Time { return time.After(2 * time.Second) }

func waitEvent(t *testing.T, ch <-chan ws.Event) ws.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-timeout():
		t.Fatal("timed out waiting for event")
		return ws.Event{}
	}
}
