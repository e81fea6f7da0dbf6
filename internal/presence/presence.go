// Package presence holds the ephemeral per-room presence counts and typing
// indicators. Neither type is safe for concurrent use: both are owned by the
// connection registry goroutine.
package presence

import (
	"sort"
	"time"
)

// Key identifies a user within a room.
type Key struct {
	Room string
	User string
}

// Entry is the presence of one user in one room.
type Entry struct {
	UserID       string    `json:"user_id"`
	Connections  int       `json:"connections"`
	LastActivity time.Time `json:"last_activity"`
}

// Tracker counts subscribed connections per (room, user).
type Tracker struct {
	rooms map[string]map[string]*Entry
}

func NewTracker() *Tracker {
	return &Tracker{rooms: make(map[string]map[string]*Entry)}
}

// Join adds one connection and reports whether it is the user's first in
// the room.
func (t *Tracker) Join(room, user string, now time.Time) bool {
	users := t.rooms[room]
	if users == nil {
		users = make(map[string]*Entry)
		t.rooms[room] = users
	}
	e := users[user]
	if e == nil {
		e = &Entry{UserID: user}
		users[user] = e
	}
	e.Connections++
	e.LastActivity = now
	return e.Connections == 1
}

// Leave removes one connection and reports whether it was the user's last
// in the room. Leaving an absent entry is a no-op.
func (t *Tracker) Leave(room, user string) bool {
	users := t.rooms[room]
	e := users[user]
	if e == nil {
		return false
	}
	e.Connections--
	if e.Connections > 0 {
		return false
	}
	delete(users, user)
	if len(users) == 0 {
		delete(t.rooms, room)
	}
	return true
}

// Touch records activity for an existing entry.
func (t *Tracker) Touch(room, user string, now time.Time) {
	if e := t.rooms[room][user]; e != nil && now.After(e.LastActivity) {
		e.LastActivity = now
	}
}

// Count returns the number of connections user has subscribed to room.
func (t *Tracker) Count(room, user string) int {
	if e := t.rooms[room][user]; e != nil {
		return e.Connections
	}
	return 0
}

// Users returns the room's entries ordered by user id.
func (t *Tracker) Users(room string) []Entry {
	users := t.rooms[room]
	out := make([]Entry, 0, len(users))
	for _, e := range users {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Typing tracks typing indicators with a fixed time to live.
type Typing struct {
	ttl     time.Duration
	expires map[Key]time.Time
}

func NewTyping(ttl time.Duration) *Typing {
	return &Typing{ttl: ttl, expires: make(map[Key]time.Time)}
}

// Start sets or refreshes the indicator and reports whether it was newly
// started. A refresh only extends the expiry.
func (t *Typing) Start(room, user string, now time.Time) bool {
	k := Key{Room: room, User: user}
	_, active := t.expires[k]
	t.expires[k] = now.Add(t.ttl)
	return !active
}

// Stop clears the indicator and reports whether one was active.
func (t *Typing) Stop(room, user string) bool {
	k := Key{Room: room, User: user}
	if _, ok := t.expires[k]; !ok {
		return false
	}
	delete(t.expires, k)
	return true
}

// NextExpiry returns the earliest expiry among active indicators.
func (t *Typing) NextExpiry() (time.Time, bool) {
	var next time.Time
	for _, at := range t.expires {
		if next.IsZero() || at.Before(next) {
			next = at
		}
	}
	return next, !next.IsZero()
}

// Active reports whether user is typing in room.
func (t *Typing) Active(room, user string) bool {
	_, ok := t.expires[Key{Room: room, User: user}]
	return ok
}

// Expire clears every indicator whose expiry is not after now and returns
// their keys in a stable order.
func (t *Typing) Expire(now time.Time) []Key {
	var out []Key
	for k, at := range t.expires {
		if !at.After(now) {
			out = append(out, k)
			delete(t.expires, k)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Room != out[j].Room {
			return out[i].Room < out[j].Room
		}
		return out[i].User < out[j].User
	})
	return out
}
