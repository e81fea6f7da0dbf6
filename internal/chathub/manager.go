package chathub

import (
	"context"
	"errors"
	"fmt"
	"time"

	"roomchat/backend/internal/chaterr"
	"roomchat/backend/internal/clock"
	"roomchat/backend/internal/config"
	"roomchat/backend/internal/metrics"
	"roomchat/backend/internal/models"
	"roomchat/backend/internal/presence"
	"roomchat/backend/internal/storage"

	"github.com/rs/zerolog"
)

// Eviction reasons, also used as metric labels.
const (
	ReasonDisconnect       = "disconnect"
	ReasonSlowConsumer     = "slow_consumer"
	ReasonCatchupOverflow  = "catchup_overflow"
	ReasonHeartbeatTimeout = "heartbeat_timeout"
	ReasonShutdown         = "shutdown"
)

// CatchupSource reads missed messages for resumed subscriptions.
type CatchupSource interface {
	Room(ctx context.Context, roomID string, after uint64) (models.CatchupBatch, error)
	Resume(ctx context.Context, userID string, cursors map[string]uint64) (map[string]models.CatchupBatch, error)
}

// Options tunes the registry.
type Options struct {
	MaxPendingEvents      int
	HeartbeatTimeout      time.Duration
	PresenceSweepInterval time.Duration
	TypingTTL             time.Duration
	TypingSweepInterval   time.Duration
	Clock                 clock.Clock
}

func (o *Options) setDefaults() {
	if o.MaxPendingEvents <= 0 {
		o.MaxPendingEvents = config.DefaultMaxPendingEvents
	}
	if o.HeartbeatTimeout <= 0 {
		o.HeartbeatTimeout = config.DefaultHeartbeatTimeout
	}
	if o.PresenceSweepInterval <= 0 {
		o.PresenceSweepInterval = config.DefaultPresenceSweepInterval
	}
	if o.TypingTTL <= 0 {
		o.TypingTTL = config.DefaultTypingTTL
	}
	if o.TypingSweepInterval <= 0 {
		o.TypingSweepInterval = config.DefaultTypingSweepInterval
	}
	if o.Clock == nil {
		o.Clock = clock.Real()
	}
}

type registration struct {
	client Client
	rooms  map[string]*uint64
	done   chan error
}

type unregistration struct {
	connID string
	reason string
}

type subscription struct {
	connID string
	room   string
	cursor *uint64
	done   chan error
}

type roomEvent struct {
	room  string
	event models.Event
}

type directEvent struct {
	connID string
	event  models.Event
}

type typingCmd struct {
	room   string
	userID string
	start  bool
}

type catchupResult struct {
	connID string
	room   string
	cursor uint64
	batch  models.CatchupBatch
	err    error
}

// roomSub is one connection's subscription to one room. While buffering,
// live events are held in pending until the catch-up batch is delivered.
type roomSub struct {
	buffering bool
	pending   []models.Event
}

type connection struct {
	client   Client
	id       string
	userID   string
	state    State
	rooms    map[string]*roomSub
	lastSeen time.Time
}

func (c *connection) transition(next State) error {
	if !c.state.CanTransition(next) {
		return fmt.Errorf("connection %s: invalid transition %s -> %s", c.id, c.state, next)
	}
	c.state = next
	return nil
}

// ManagerService is the connection registry. Its Run goroutine exclusively
// owns the connection table, the room index and the presence and typing
// state; every other goroutine goes through the command channels.
//
// Control commands (register, unregister, subscribe, typing, touch) use
// unbuffered channels, so a command returns only once the registry has taken
// it and later commands from the same caller observe its effect. Broadcasts
// are buffered and dispatched in FIFO order.
type ManagerService struct {
	registerCh    chan registration
	unregisterCh  chan unregistration
	subscribeCh   chan subscription
	unsubscribeCh chan subscription
	broadcastCh   chan roomEvent
	sendCh        chan directEvent
	typingCh      chan typingCmd
	touchCh       chan string
	catchupCh     chan catchupResult
	inspectCh     chan func()
	sweepCh       chan chan struct{}
	done          chan struct{}

	directory storage.RoomDirectory
	catchup   CatchupSource
	opts      Options
	log       zerolog.Logger

	runCtx   context.Context
	conns    map[string]*connection
	rooms    map[string]map[string]*connection
	presence *presence.Tracker
	typing   *presence.Typing
	// typingDue fires at the earliest typing expiry.
	typingDue *time.Timer
}

// NewManagerService creates the registry. directory may be nil to admit
// everyone; catchup may be nil to make every subscription live-only.
func NewManagerService(directory storage.RoomDirectory, catchup CatchupSource, opts Options, log zerolog.Logger) *ManagerService {
	opts.setDefaults()
	typingDue := time.NewTimer(time.Hour)
	typingDue.Stop()
	return &ManagerService{
		registerCh:    make(chan registration),
		unregisterCh:  make(chan unregistration),
		subscribeCh:   make(chan subscription),
		unsubscribeCh: make(chan subscription),
		broadcastCh:   make(chan roomEvent, 1024),
		sendCh:        make(chan directEvent, 256),
		typingCh:      make(chan typingCmd),
		touchCh:       make(chan string),
		catchupCh:     make(chan catchupResult, 64),
		inspectCh:     make(chan func()),
		sweepCh:       make(chan chan struct{}),
		done:          make(chan struct{}),

		directory: directory,
		catchup:   catchup,
		opts:      opts,
		log:       log.With().Str("component", "chathub").Logger(),

		conns:    make(map[string]*connection),
		rooms:    make(map[string]map[string]*connection),
		presence: presence.NewTracker(),
		typing:   presence.NewTyping(opts.TypingTTL),

		typingDue: typingDue,
	}
}

// Run processes registry commands until ctx is done, then drains every
// connection.
func (m *ManagerService) Run(ctx context.Context) {
	m.runCtx = ctx
	presenceTick := time.NewTicker(m.opts.PresenceSweepInterval)
	typingTick := time.NewTicker(m.opts.TypingSweepInterval)
	defer func() {
		presenceTick.Stop()
		typingTick.Stop()
		m.typingDue.Stop()
		m.shutdown()
		close(m.done)
	}()

	m.log.Info().Msg("connection registry started")
	for {
		select {
		case <-ctx.Done():
			return
		case r := <-m.registerCh:
			r.done <- m.handleRegister(r)
		case u := <-m.unregisterCh:
			if conn := m.conns[u.connID]; conn != nil {
				m.evict(conn, u.reason, true)
			}
		case s := <-m.subscribeCh:
			s.done <- m.handleSubscribe(s)
		case s := <-m.unsubscribeCh:
			s.done <- m.handleUnsubscribe(s)
		case e := <-m.broadcastCh:
			m.broadcast(e.room, e.event)
		case d := <-m.sendCh:
			if conn := m.conns[d.connID]; conn != nil && !m.deliver(conn, d.event) {
				m.evict(conn, ReasonSlowConsumer, true)
			}
		case t := <-m.typingCh:
			m.handleTyping(t)
		case id := <-m.touchCh:
			m.handleTouch(id)
		case res := <-m.catchupCh:
			m.handleCatchup(res)
		case fn := <-m.inspectCh:
			fn()
		case reply := <-m.sweepCh:
			now := m.opts.Clock.Now()
			m.sweepPresence(now)
			m.sweepTyping(now)
			close(reply)
		case <-presenceTick.C:
			m.sweepPresence(m.opts.Clock.Now())
		case <-typingTick.C:
			m.sweepTyping(m.opts.Clock.Now())
		case <-m.typingDue.C:
			m.sweepTyping(m.opts.Clock.Now())
		}
	}
}

// Done is closed once Run has returned and every connection was drained.
func (m *ManagerService) Done() <-chan struct{} { return m.done }

func enqueue[T any](m *ManagerService, ch chan T, v T) error {
	select {
	case <-m.done:
		return chaterr.ErrClosed
	default:
	}
	select {
	case ch <- v:
		return nil
	case <-m.done:
		return chaterr.ErrClosed
	}
}

func (m *ManagerService) await(ctx context.Context, done chan error) error {
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-m.done:
		return chaterr.ErrClosed
	}
}

// Register activates an authenticated client and rejoins the rooms in
// resume. A room with a cursor (last seen sequence id) replays what was
// missed before going live; a nil cursor joins live-only. Rooms the user may
// not join are reported to the client as error events and skipped.
func (m *ManagerService) Register(ctx context.Context, client Client, resume map[string]*uint64) error {
	allowed := make(map[string]*uint64, len(resume))
	var denied []string
	for room, cursor := range resume {
		ok, err := m.isMember(ctx, room, client.GetUserID())
		if err != nil {
			return err
		}
		if !ok {
			denied = append(denied, room)
			continue
		}
		allowed[room] = cursor
	}

	r := registration{client: client, rooms: allowed, done: make(chan error, 1)}
	if err := enqueue(m, m.registerCh, r); err != nil {
		return err
	}
	if err := m.await(ctx, r.done); err != nil {
		return err
	}
	for _, room := range denied {
		_ = m.SendTo(client.GetConnID(), errorEvent(room, chaterr.ErrForbidden, "not a member of this room"))
	}
	return nil
}

// Unregister drains and closes the connection. Unknown ids are ignored.
func (m *ManagerService) Unregister(connID, reason string) {
	_ = enqueue(m, m.unregisterCh, unregistration{connID: connID, reason: reason})
}

// Subscribe adds the connection to room. With a cursor, messages after it
// are replayed before any live event of the room is delivered.
func (m *ManagerService) Subscribe(ctx context.Context, client Client, room string, cursor *uint64) error {
	ok, err := m.isMember(ctx, room, client.GetUserID())
	if err != nil {
		return err
	}
	if !ok {
		return chaterr.ErrForbidden
	}
	s := subscription{connID: client.GetConnID(), room: room, cursor: cursor, done: make(chan error, 1)}
	if err := enqueue(m, m.subscribeCh, s); err != nil {
		return err
	}
	return m.await(ctx, s.done)
}

// Unsubscribe removes the connection from room.
func (m *ManagerService) Unsubscribe(ctx context.Context, client Client, room string) error {
	s := subscription{connID: client.GetConnID(), room: room, done: make(chan error, 1)}
	if err := enqueue(m, m.unsubscribeCh, s); err != nil {
		return err
	}
	return m.await(ctx, s.done)
}

// Broadcast queues event for every connection subscribed to room at dispatch
// time. Events are dispatched in the order Broadcast is called.
func (m *ManagerService) Broadcast(room string, event models.Event) error {
	event.RoomID = room
	return enqueue(m, m.broadcastCh, roomEvent{room: room, event: event})
}

// SendTo queues event for one connection.
func (m *ManagerService) SendTo(connID string, event models.Event) error {
	return enqueue(m, m.sendCh, directEvent{connID: connID, event: event})
}

// Touch records activity on a connection.
func (m *ManagerService) Touch(connID string) {
	_ = enqueue(m, m.touchCh, connID)
}

// StartTyping marks userID as typing in room and announces it once.
func (m *ManagerService) StartTyping(room, userID string) error {
	return enqueue(m, m.typingCh, typingCmd{room: room, userID: userID, start: true})
}

// StopTyping clears the indicator, announcing it if one was active.
func (m *ManagerService) StopTyping(room, userID string) error {
	return enqueue(m, m.typingCh, typingCmd{room: room, userID: userID})
}

// Presence returns the users present in room.
func (m *ManagerService) Presence(ctx context.Context, room string) ([]presence.Entry, error) {
	var out []presence.Entry
	err := m.inspect(ctx, func() { out = m.presence.Users(room) })
	return out, err
}

// ConnectionCount returns the number of registered connections.
func (m *ManagerService) ConnectionCount(ctx context.Context) (int, error) {
	var n int
	err := m.inspect(ctx, func() { n = len(m.conns) })
	return n, err
}

// ConnectionState returns the state of connID, StateClosed when unknown.
func (m *ManagerService) ConnectionState(ctx context.Context, connID string) (State, error) {
	state := StateClosed
	err := m.inspect(ctx, func() {
		if conn := m.conns[connID]; conn != nil {
			state = conn.state
		}
	})
	return state, err
}

// Sweep runs the presence and typing sweeps now.
func (m *ManagerService) Sweep(ctx context.Context) error {
	reply := make(chan struct{})
	select {
	case m.sweepCh <- reply:
	case <-ctx.Done():
		return ctx.Err()
	case <-m.done:
		return chaterr.ErrClosed
	}
	select {
	case <-reply:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *ManagerService) inspect(ctx context.Context, fn func()) error {
	done := make(chan error, 1)
	wrapped := func() {
		fn()
		done <- nil
	}
	select {
	case m.inspectCh <- wrapped:
	case <-ctx.Done():
		return ctx.Err()
	case <-m.done:
		return chaterr.ErrClosed
	}
	return m.await(ctx, done)
}

func (m *ManagerService) isMember(ctx context.Context, room, userID string) (bool, error) {
	if m.directory == nil {
		return true, nil
	}
	return m.directory.IsMember(ctx, room, userID)
}

// --- owned by Run ---

func (m *ManagerService) handleRegister(r registration) error {
	id := r.client.GetConnID()
	if _, exists := m.conns[id]; exists {
		return fmt.Errorf("connection %s already registered", id)
	}
	conn := &connection{
		client:   r.client,
		id:       id,
		userID:   r.client.GetUserID(),
		state:    StateAuthenticated,
		rooms:    make(map[string]*roomSub),
		lastSeen: m.opts.Clock.Now(),
	}
	if err := conn.transition(StateActive); err != nil {
		return err
	}
	m.conns[id] = conn
	metrics.ActiveConnections.Inc()

	cursors := make(map[string]uint64, len(r.rooms))
	for room, cursor := range r.rooms {
		buffering := cursor != nil && m.catchup != nil
		m.addSubscription(conn, room, buffering)
		if buffering {
			cursors[room] = *cursor
		}
	}
	if len(cursors) > 0 {
		m.startResume(conn, cursors)
	}
	m.log.Debug().Str("conn_id", id).Str("user_id", conn.userID).Int("rooms", len(r.rooms)).Msg("connection registered")
	return nil
}

func (m *ManagerService) handleSubscribe(s subscription) error {
	conn := m.conns[s.connID]
	if conn == nil || conn.state != StateActive {
		return chaterr.ErrConnectionLost
	}
	if _, ok := conn.rooms[s.room]; ok {
		return nil
	}
	buffering := s.cursor != nil && m.catchup != nil
	m.addSubscription(conn, s.room, buffering)
	if buffering {
		m.startRoomCatchup(conn, s.room, *s.cursor)
	}
	return nil
}

func (m *ManagerService) handleUnsubscribe(s subscription) error {
	conn := m.conns[s.connID]
	if conn == nil {
		return chaterr.ErrConnectionLost
	}
	if _, ok := conn.rooms[s.room]; !ok {
		return nil
	}
	m.removeSubscription(conn, s.room, true)
	return nil
}

func (m *ManagerService) addSubscription(conn *connection, room string, buffering bool) {
	if _, ok := conn.rooms[room]; ok {
		return
	}
	conn.rooms[room] = &roomSub{buffering: buffering}
	members := m.rooms[room]
	if members == nil {
		members = make(map[string]*connection)
		m.rooms[room] = members
	}
	members[conn.id] = conn

	if m.presence.Join(room, conn.userID, m.opts.Clock.Now()) {
		m.broadcast(room, models.Event{Type: models.EventUserJoined, RoomID: room, UserID: conn.userID})
	}
}

func (m *ManagerService) removeSubscription(conn *connection, room string, announce bool) {
	delete(conn.rooms, room)
	if members := m.rooms[room]; members != nil {
		delete(members, conn.id)
		if len(members) == 0 {
			delete(m.rooms, room)
		}
	}

	if !m.presence.Leave(room, conn.userID) {
		return
	}
	stoppedTyping := m.typing.Stop(room, conn.userID)
	if !announce {
		return
	}
	if stoppedTyping {
		m.broadcast(room, models.Event{Type: models.EventTypingStop, RoomID: room, UserID: conn.userID})
	}
	m.broadcast(room, models.Event{Type: models.EventUserLeft, RoomID: room, UserID: conn.userID})
}

// evict moves conn through Draining to Closed. Its buffered events are still
// flushed by the write pump.
func (m *ManagerService) evict(conn *connection, reason string, announce bool) {
	if err := conn.transition(StateDraining); err != nil {
		return
	}
	delete(m.conns, conn.id)
	for room := range conn.rooms {
		m.removeSubscription(conn, room, announce)
	}
	conn.client.Close()
	_ = conn.transition(StateClosed)

	metrics.ActiveConnections.Dec()
	metrics.Evictions.WithLabelValues(reason).Inc()
	ev := m.log.Debug()
	if reason != ReasonDisconnect && reason != ReasonShutdown {
		ev = m.log.Warn()
	}
	ev.Str("conn_id", conn.id).Str("user_id", conn.userID).Str("reason", reason).Msg("connection closed")
}

func (m *ManagerService) broadcast(room string, event models.Event) {
	var victims []*connection
	var overflowed []*connection
	for _, conn := range m.rooms[room] {
		if conn.state != StateActive {
			continue
		}
		sub := conn.rooms[room]
		if sub.buffering {
			if len(sub.pending) >= m.opts.MaxPendingEvents {
				overflowed = append(overflowed, conn)
				continue
			}
			sub.pending = append(sub.pending, event)
			continue
		}
		if !m.deliver(conn, event) {
			victims = append(victims, conn)
		}
	}
	for _, conn := range victims {
		m.evict(conn, ReasonSlowConsumer, true)
	}
	for _, conn := range overflowed {
		m.evict(conn, ReasonCatchupOverflow, true)
	}
}

// deliver never blocks. False means the outbound buffer is full.
func (m *ManagerService) deliver(conn *connection, event models.Event) bool {
	select {
	case conn.client.GetSendChannel() <- event:
		metrics.BroadcastsDelivered.Inc()
		return true
	default:
		return false
	}
}

func (m *ManagerService) handleTyping(t typingCmd) {
	if t.start {
		if m.presence.Count(t.room, t.userID) == 0 {
			return
		}
		if m.typing.Start(t.room, t.userID, m.opts.Clock.Now()) {
			m.broadcast(t.room, models.Event{Type: models.EventTypingStart, RoomID: t.room, UserID: t.userID})
		}
		m.armTyping()
		return
	}
	if m.typing.Stop(t.room, t.userID) {
		m.broadcast(t.room, models.Event{Type: models.EventTypingStop, RoomID: t.room, UserID: t.userID})
	}
}

func (m *ManagerService) handleTouch(connID string) {
	conn := m.conns[connID]
	if conn == nil {
		return
	}
	now := m.opts.Clock.Now()
	conn.lastSeen = now
	for room := range conn.rooms {
		m.presence.Touch(room, conn.userID, now)
	}
}

func (m *ManagerService) sweepPresence(now time.Time) {
	for _, conn := range m.conns {
		if now.Sub(conn.lastSeen) > m.opts.HeartbeatTimeout {
			m.evict(conn, ReasonHeartbeatTimeout, true)
		}
	}
}

func (m *ManagerService) sweepTyping(now time.Time) {
	for _, k := range m.typing.Expire(now) {
		m.broadcast(k.Room, models.Event{Type: models.EventTypingStop, RoomID: k.Room, UserID: k.User})
	}
	m.armTyping()
}

// armTyping points typingDue at the earliest active indicator. The periodic
// sweep stays as a backstop.
func (m *ManagerService) armTyping() {
	next, ok := m.typing.NextExpiry()
	if !ok {
		return
	}
	m.typingDue.Reset(max(next.Sub(m.opts.Clock.Now()), 0))
}

func (m *ManagerService) startRoomCatchup(conn *connection, room string, cursor uint64) {
	ctx, connID := m.runCtx, conn.id
	go func() {
		batch, err := m.catchup.Room(ctx, room, cursor)
		m.finishCatchup(catchupResult{connID: connID, room: room, cursor: cursor, batch: batch, err: err})
	}()
}

func (m *ManagerService) startResume(conn *connection, cursors map[string]uint64) {
	ctx, connID, userID := m.runCtx, conn.id, conn.userID
	go func() {
		batches, err := m.catchup.Resume(ctx, userID, cursors)
		for room, cursor := range cursors {
			res := catchupResult{connID: connID, room: room, cursor: cursor}
			if b, ok := batches[room]; ok {
				res.batch = b
			} else {
				res.err = err
				if res.err == nil {
					res.err = errors.New("catch-up batch missing")
				}
			}
			m.finishCatchup(res)
		}
	}()
}

func (m *ManagerService) finishCatchup(res catchupResult) {
	select {
	case m.catchupCh <- res:
	case <-m.done:
	}
}

// handleCatchup delivers one replay page. While more pages follow, live
// events stay held and the next page is read from the batch's LastSeq.
// After the last page the held events the replay did not cover are flushed
// and the room switches to live delivery.
func (m *ManagerService) handleCatchup(res catchupResult) {
	conn := m.conns[res.connID]
	if conn == nil {
		return
	}
	sub := conn.rooms[res.room]
	if sub == nil || !sub.buffering {
		return
	}

	lastSeq := res.cursor
	var ok bool
	if res.err != nil {
		m.log.Warn().Err(res.err).Str("conn_id", conn.id).Str("room_id", res.room).Msg("catch-up failed")
		ok = m.deliver(conn, models.Event{
			Type:   models.EventError,
			RoomID: res.room,
			Code:   "catchup_failed",
			Error:  "missed messages could not be loaded, fetch history instead",
		})
	} else {
		batch := res.batch
		lastSeq = batch.LastSeq
		ok = m.deliver(conn, models.Event{Type: models.EventCatchup, RoomID: res.room, Catchup: &batch})
		if ok && batch.Truncated && batch.LastSeq > res.cursor {
			sub.pending = dropReplayed(sub.pending, lastSeq)
			m.startRoomCatchup(conn, res.room, lastSeq)
			return
		}
	}

	pending := dropReplayed(sub.pending, lastSeq)
	sub.pending = nil
	sub.buffering = false
	for _, ev := range pending {
		if !ok {
			break
		}
		ok = m.deliver(conn, ev)
	}
	if !ok {
		m.evict(conn, ReasonSlowConsumer, true)
	}
}

// dropReplayed removes held message.created events already covered by a
// replay that reached lastSeq.
func dropReplayed(pending []models.Event, lastSeq uint64) []models.Event {
	out := pending[:0]
	for _, ev := range pending {
		if ev.Type == models.EventMessageCreated && ev.Seq() <= lastSeq {
			continue
		}
		out = append(out, ev)
	}
	return out
}

func (m *ManagerService) shutdown() {
	for _, conn := range m.conns {
		m.evict(conn, ReasonShutdown, false)
	}
	m.log.Info().Msg("connection registry stopped")
}

func errorEvent(room string, err error, msg string) models.Event {
	return models.Event{Type: models.EventError, RoomID: room, Code: chaterr.Code(err), Error: msg}
}
