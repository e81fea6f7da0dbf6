package handler

import (
	"context"
	"errors"

	"roomchat/backend/internal/chaterr"
	"roomchat/backend/internal/chathub"
	"roomchat/backend/internal/models"
	"roomchat/backend/internal/pipeline"
)

var errUnknownFrame = chaterr.Validation("type", "unknown frame type")

// frameHandler serves the websocket protocol. Replies go through the hub so
// they are ordered with the room events of the same connection.
type frameHandler struct {
	h *Handler
}

func (f *frameHandler) HandleFrame(ctx context.Context, c chathub.Client, frame models.ClientFrame) {
	h := f.h
	user := c.GetUserID()

	switch frame.Type {
	case models.FrameSubmit:
		if err := h.requireMember(ctx, frame.RoomID, user); err != nil {
			f.fail(c, frame, err)
			return
		}
		if !h.Gate.Allow(user) {
			f.fail(c, frame, errRateLimited)
			return
		}
		rec, err := h.Messages.Submit(ctx, pipeline.SubmitRequest{
			RoomID:      frame.RoomID,
			AuthorID:    user,
			Body:        frame.Body,
			ClientToken: frame.ClientToken,
		})
		if err != nil {
			f.fail(c, frame, err)
			return
		}
		f.ack(c, frame, &rec.Message, rec.Duplicate)

	case models.FrameEdit:
		msg, err := h.Messages.Edit(ctx, pipeline.EditRequest{
			MessageID: frame.MessageID,
			RoomID:    frame.RoomID,
			EditorID:  user,
			Body:      frame.Body,
		})
		if err != nil {
			f.fail(c, frame, err)
			return
		}
		f.ack(c, frame, &msg, false)

	case models.FrameDelete:
		msg, err := h.Messages.Delete(ctx, pipeline.DeleteRequest{
			MessageID: frame.MessageID,
			RoomID:    frame.RoomID,
			ActorID:   user,
		})
		if err != nil {
			f.fail(c, frame, err)
			return
		}
		f.ack(c, frame, &msg, false)

	case models.FrameSubscribe:
		if frame.RoomID == "" {
			f.fail(c, frame, chaterr.Validation("room_id", "required"))
			return
		}
		if err := h.Hub.Subscribe(ctx, c, frame.RoomID, frame.Cursor); err != nil {
			f.fail(c, frame, err)
			return
		}
		f.ack(c, frame, nil, false)

	case models.FrameUnsubscribe:
		if err := h.Hub.Unsubscribe(ctx, c, frame.RoomID); err != nil {
			f.fail(c, frame, err)
			return
		}
		f.ack(c, frame, nil, false)

	case models.FrameTypingStart:
		if err := h.Hub.StartTyping(frame.RoomID, user); err != nil {
			f.fail(c, frame, err)
		}

	case models.FrameTypingStop:
		if err := h.Hub.StopTyping(frame.RoomID, user); err != nil {
			f.fail(c, frame, err)
		}

	case models.FrameHeartbeat:
		f.ack(c, frame, nil, false)

	default:
		f.fail(c, frame, errUnknownFrame)
	}
}

func (f *frameHandler) ack(c chathub.Client, frame models.ClientFrame, msg *models.Message, duplicate bool) {
	f.send(c, models.Event{
		Type:      models.EventAck,
		RoomID:    frame.RoomID,
		Ref:       frame.Ref,
		Message:   msg,
		Duplicate: duplicate,
	})
}

func (f *frameHandler) fail(c chathub.Client, frame models.ClientFrame, err error) {
	if statusOf(err) >= 500 {
		f.h.log.Error().Err(err).Str("frame", string(frame.Type)).Msg("frame failed")
	}
	f.send(c, models.Event{
		Type:   models.EventError,
		RoomID: frame.RoomID,
		Ref:    frame.Ref,
		Code:   chaterr.Code(err),
		Error:  publicMessage(err),
	})
}

func (f *frameHandler) send(c chathub.Client, event models.Event) {
	if err := f.h.Hub.SendTo(c.GetConnID(), event); err != nil && !errors.Is(err, chaterr.ErrClosed) {
		f.h.log.Debug().Err(err).Str("conn_id", c.GetConnID()).Msg("reply dropped")
	}
}
