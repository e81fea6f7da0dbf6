// Package pipeline is the entry point for message writes: it validates,
// deduplicates and hands operations to the write serializer, then fans
// committed changes out to the index, the registry, the relay and the
// notifier in commit order.
package pipeline

import (
	"context"
	"errors"
	"strings"
	"time"

	"roomchat/backend/internal/chaterr"
	"roomchat/backend/internal/clock"
	"roomchat/backend/internal/metrics"
	"roomchat/backend/internal/models"
	"roomchat/backend/internal/notify"
	"roomchat/backend/internal/richtext"
	"roomchat/backend/internal/serializer"
	"roomchat/backend/internal/storage"

	"github.com/lib/pq"
	"github.com/rs/zerolog"
)

const maxClientTokenLength = 128

// Writer is the write serializer.
type Writer interface {
	Submit(ctx context.Context, roomID, actorID string, op serializer.Op) (serializer.Result, error)
}

// Broadcaster is the connection registry.
type Broadcaster interface {
	Broadcast(room string, event models.Event) error
	StopTyping(room, userID string) error
}

// Indexer is the search index lane.
type Indexer interface {
	Enqueue(c serializer.Commit)
}

// Publisher forwards events to other processes.
type Publisher interface {
	Publish(ctx context.Context, event models.Event) error
}

// SubmitRequest creates a message. ClientToken makes the call idempotent
// within the room.
type SubmitRequest struct {
	RoomID      string `json:"room_id"`
	AuthorID    string `json:"-"`
	Body        string `json:"body"`
	ClientToken string `json:"client_token"`
}

type EditRequest struct {
	MessageID uint64 `json:"message_id"`
	RoomID    string `json:"room_id"`
	EditorID  string `json:"-"`
	Body      string `json:"body"`
}

type DeleteRequest struct {
	MessageID uint64 `json:"message_id"`
	RoomID    string `json:"room_id"`
	ActorID   string `json:"-"`
}

// Receipt is the result of Submit. Duplicate is set when the token was
// already committed; Message is then the original message.
type Receipt struct {
	Message   models.Message `json:"message"`
	Duplicate bool           `json:"duplicate"`
}

// Deps are the collaborators of a Service. Publisher and Notifier are
// optional.
type Deps struct {
	Store       storage.Reader
	Writer      Writer
	Sanitizer   *richtext.Sanitizer
	Broadcaster Broadcaster
	Indexer     Indexer
	Publisher   Publisher
	Notifier    notify.Notifier
	Clock       clock.Clock
	LaneSize    int
}

// Service implements submit, edit and delete.
type Service struct {
	store       storage.Reader
	writer      Writer
	sanitizer   *richtext.Sanitizer
	broadcaster Broadcaster
	indexer     Indexer
	publisher   Publisher
	notifier    notify.Notifier
	clock       clock.Clock
	log         zerolog.Logger

	lane    chan serializer.Commit
	stopped chan struct{}
}

func New(deps Deps, log zerolog.Logger) *Service {
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if deps.LaneSize <= 0 {
		deps.LaneSize = 1
	}
	return &Service{
		store:       deps.Store,
		writer:      deps.Writer,
		sanitizer:   deps.Sanitizer,
		broadcaster: deps.Broadcaster,
		indexer:     deps.Indexer,
		publisher:   deps.Publisher,
		notifier:    deps.Notifier,
		clock:       deps.Clock,
		log:         log.With().Str("component", "pipeline").Logger(),
		lane:        make(chan serializer.Commit, deps.LaneSize),
		stopped:     make(chan struct{}),
	}
}

// Submit validates and creates a message, or returns the message already
// committed under the same (room, client token).
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (Receipt, error) {
	token := strings.TrimSpace(req.ClientToken)
	switch {
	case req.RoomID == "":
		return Receipt{}, s.reject(chaterr.Validation("room_id", "required"))
	case req.AuthorID == "":
		return Receipt{}, s.reject(chaterr.Validation("author_id", "required"))
	case token == "":
		return Receipt{}, s.reject(chaterr.Validation("client_token", "required"))
	case len(token) > maxClientTokenLength:
		return Receipt{}, s.reject(chaterr.Validation("client_token", "too long"))
	}
	rendered, err := s.sanitizer.Render(req.Body)
	if err != nil {
		return Receipt{}, s.reject(err)
	}

	existing, err := s.store.FindByClientToken(ctx, req.RoomID, token)
	if err != nil {
		return Receipt{}, err
	}
	if existing != nil {
		metrics.DedupHits.WithLabelValues("read_path").Inc()
		return Receipt{Message: *existing, Duplicate: true}, nil
	}

	op := func(w storage.Writer) (serializer.Outcome, error) {
		prior, err := w.FindByClientToken(req.RoomID, token)
		if err != nil {
			return serializer.Outcome{}, err
		}
		if prior != nil {
			return serializer.Outcome{Message: prior, Kind: serializer.KindCreated}, nil
		}
		msg := &models.Message{
			RoomID:      req.RoomID,
			AuthorID:    req.AuthorID,
			ClientToken: token,
			Body:        rendered.HTML,
			PlainText:   rendered.PlainText,
			Mentions:    pq.StringArray(rendered.Mentions),
			Version:     1,
			CreatedAt:   s.clock.Now().UTC(),
		}
		if err := w.InsertMessage(msg); err != nil {
			return serializer.Outcome{}, err
		}
		return serializer.Outcome{Message: msg, Kind: serializer.KindCreated, Mutated: true}, nil
	}

	res, err := s.writer.Submit(ctx, req.RoomID, req.AuthorID, op)
	if errors.Is(err, chaterr.ErrDuplicate) {
		// The unique index caught a writer outside this process.
		if existing, rerr := s.store.FindByClientToken(ctx, req.RoomID, token); rerr == nil && existing != nil {
			metrics.DedupHits.WithLabelValues("constraint").Inc()
			return Receipt{Message: *existing, Duplicate: true}, nil
		}
	}
	if err != nil {
		return Receipt{}, err
	}
	if !res.Mutated {
		metrics.DedupHits.WithLabelValues("write_lane").Inc()
		return Receipt{Message: *res.Message, Duplicate: true}, nil
	}
	return Receipt{Message: *res.Message}, nil
}

// Edit replaces the body of a message. Only the author may edit, and
// deleted messages cannot be edited. Concurrent edits are applied in
// serializer order; the last one committed wins.
func (s *Service) Edit(ctx context.Context, req EditRequest) (models.Message, error) {
	if req.MessageID == 0 {
		return models.Message{}, s.reject(chaterr.Validation("message_id", "required"))
	}
	rendered, err := s.sanitizer.Render(req.Body)
	if err != nil {
		return models.Message{}, s.reject(err)
	}

	op := func(w storage.Writer) (serializer.Outcome, error) {
		cur, err := s.owned(w, req.MessageID, req.RoomID, req.EditorID)
		if err != nil {
			return serializer.Outcome{}, err
		}
		if cur.Deleted() {
			return serializer.Outcome{}, chaterr.ErrNotFound
		}
		now := s.clock.Now().UTC()
		cur.Body = rendered.HTML
		cur.PlainText = rendered.PlainText
		cur.Mentions = pq.StringArray(rendered.Mentions)
		cur.Version++
		cur.EditedAt = &now
		if err := w.SaveMessage(cur); err != nil {
			return serializer.Outcome{}, err
		}
		return serializer.Outcome{Message: cur, Kind: serializer.KindEdited, Mutated: true}, nil
	}

	res, err := s.writer.Submit(ctx, req.RoomID, req.EditorID, op)
	if err != nil {
		return models.Message{}, err
	}
	return *res.Message, nil
}

// Delete tombstones a message. The id and sequence position are kept, the
// body is cleared. Deleting a deleted message is a no-op.
func (s *Service) Delete(ctx context.Context, req DeleteRequest) (models.Message, error) {
	if req.MessageID == 0 {
		return models.Message{}, s.reject(chaterr.Validation("message_id", "required"))
	}

	op := func(w storage.Writer) (serializer.Outcome, error) {
		cur, err := s.owned(w, req.MessageID, req.RoomID, req.ActorID)
		if err != nil {
			return serializer.Outcome{}, err
		}
		if cur.Deleted() {
			return serializer.Outcome{Message: cur, Kind: serializer.KindDeleted}, nil
		}
		now := s.clock.Now().UTC()
		cur.Body = ""
		cur.PlainText = ""
		cur.Mentions = nil
		cur.Version++
		cur.DeletedAt = &now
		if err := w.SaveMessage(cur); err != nil {
			return serializer.Outcome{}, err
		}
		return serializer.Outcome{Message: cur, Kind: serializer.KindDeleted, Mutated: true}, nil
	}

	res, err := s.writer.Submit(ctx, req.RoomID, req.ActorID, op)
	if err != nil {
		return models.Message{}, err
	}
	return *res.Message, nil
}

// owned loads the committed row and checks it belongs to roomID (when
// given) and was written by actorID.
func (s *Service) owned(w storage.Writer, id uint64, roomID, actorID string) (*models.Message, error) {
	cur, err := w.GetMessage(id)
	if err != nil {
		return nil, err
	}
	if roomID != "" && cur.RoomID != roomID {
		return nil, chaterr.ErrNotFound
	}
	if cur.AuthorID != actorID {
		return nil, chaterr.ErrForbidden
	}
	return cur, nil
}

func (s *Service) reject(err error) error {
	metrics.ValidationRejects.Inc()
	return err
}

// OnCommit is installed as the serializer commit hook. It runs on the
// serializer goroutine: the index lane never blocks, the dispatch lane
// blocks only while it is full.
func (s *Service) OnCommit(c serializer.Commit) {
	if s.indexer != nil {
		s.indexer.Enqueue(c)
	}
	select {
	case s.lane <- c:
	case <-s.stopped:
		s.log.Warn().Uint64("message_id", c.Message.ID).Msg("dispatch stopped, commit not broadcast")
	}
}

// Run dispatches committed changes in commit order until ctx is done, then
// flushes what is already queued.
func (s *Service) Run(ctx context.Context) {
	defer close(s.stopped)
	for {
		select {
		case c := <-s.lane:
			s.dispatch(c)
		case <-ctx.Done():
			for {
				select {
				case c := <-s.lane:
					s.dispatch(c)
				default:
					return
				}
			}
		}
	}
}

func eventType(kind serializer.Kind) models.EventType {
	switch kind {
	case serializer.KindEdited:
		return models.EventMessageEdited
	case serializer.KindDeleted:
		return models.EventMessageDeleted
	default:
		return models.EventMessageCreated
	}
}

func (s *Service) dispatch(c serializer.Commit) {
	msg := c.Message
	event := models.Event{
		Type:    eventType(c.Kind),
		RoomID:  msg.RoomID,
		UserID:  msg.AuthorID,
		Message: &msg,
	}

	if err := s.broadcaster.Broadcast(msg.RoomID, event); err != nil {
		s.log.Warn().Err(err).Uint64("message_id", msg.ID).Msg("broadcast failed")
	}
	if c.Kind == serializer.KindCreated {
		if err := s.broadcaster.StopTyping(msg.RoomID, msg.AuthorID); err != nil {
			s.log.Debug().Err(err).Msg("typing stop failed")
		}
		if s.notifier != nil {
			go s.notify(msg)
		}
	}
	if s.publisher != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := s.publisher.Publish(ctx, event); err != nil {
			s.log.Warn().Err(err).Uint64("message_id", msg.ID).Msg("relay publish failed")
		}
		cancel()
	}
}

func (s *Service) notify(msg models.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if name, args := richtext.Command(msg.PlainText); name != "" {
		if err := s.notifier.NotifyCommand(ctx, notify.Command{Name: name, Args: args}, msg); err != nil {
			s.log.Warn().Err(err).Str("command", name).Msg("command notification failed")
		}
	}
	if len(msg.Mentions) == 0 {
		return
	}
	users, err := s.store.FindUsersByHandles(ctx, msg.Mentions)
	if err != nil {
		s.log.Warn().Err(err).Uint64("message_id", msg.ID).Msg("mention lookup failed")
		return
	}
	for _, u := range users {
		if u.ID == msg.AuthorID {
			continue
		}
		if err := s.notifier.NotifyMention(ctx, u, msg); err != nil {
			s.log.Warn().Err(err).Str("recipient", u.ID).Msg("mention notification failed")
		}
	}
}
