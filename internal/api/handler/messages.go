package handler

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"roomchat/backend/internal/chaterr"
	"roomchat/backend/internal/config"
	"roomchat/backend/internal/models"
	"roomchat/backend/internal/pipeline"
	"roomchat/backend/internal/search"

	"github.com/gin-gonic/gin"
)

const (
	defaultSearchLimit = 20
	maxSearchLimit     = 100
)

var errRateLimited = fmt.Errorf("%w: rate limited", chaterr.ErrBackpressure)

type postMessageRequest struct {
	Body        string `json:"body"`
	ClientToken string `json:"client_token"`
}

type historyResponse struct {
	Messages  []models.Message `json:"messages"`
	NextAfter uint64           `json:"next_after"`
}

type searchResponse struct {
	Messages   []models.Message `json:"messages"`
	NextCursor string           `json:"next_cursor,omitempty"`
}

func (h *Handler) requireMember(ctx context.Context, room, userID string) error {
	ok, err := h.Directory.IsMember(ctx, room, userID)
	if err != nil {
		return err
	}
	if !ok {
		return chaterr.ErrForbidden
	}
	return nil
}

// PostMessage submits a message over HTTP. A repeated client token answers
// 200 with the original message instead of 201.
func (h *Handler) PostMessage(c *gin.Context) {
	room, user := c.Param("id"), currentUser(c)
	var req postMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, chaterr.Validation("body", "malformed json"))
		return
	}
	if err := h.requireMember(c.Request.Context(), room, user); err != nil {
		h.fail(c, err)
		return
	}
	if !h.Gate.Allow(user) {
		h.fail(c, errRateLimited)
		return
	}

	rec, err := h.Messages.Submit(c.Request.Context(), pipeline.SubmitRequest{
		RoomID:      room,
		AuthorID:    user,
		Body:        req.Body,
		ClientToken: req.ClientToken,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	status := http.StatusCreated
	if rec.Duplicate {
		status = http.StatusOK
	}
	c.JSON(status, rec)
}

func (h *Handler) EditMessage(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("msg"), 10, 64)
	if err != nil {
		h.fail(c, chaterr.Validation("message_id", "not a number"))
		return
	}
	var req postMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, chaterr.Validation("body", "malformed json"))
		return
	}
	msg, err := h.Messages.Edit(c.Request.Context(), pipeline.EditRequest{
		MessageID: id,
		RoomID:    c.Param("id"),
		EditorID:  currentUser(c),
		Body:      req.Body,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, msg)
}

func (h *Handler) DeleteMessage(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("msg"), 10, 64)
	if err != nil {
		h.fail(c, chaterr.Validation("message_id", "not a number"))
		return
	}
	msg, err := h.Messages.Delete(c.Request.Context(), pipeline.DeleteRequest{
		MessageID: id,
		RoomID:    c.Param("id"),
		ActorID:   currentUser(c),
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, msg)
}

// History pages through a room oldest first. Tombstones are included so
// clients can drop messages they already show.
func (h *Handler) History(c *gin.Context) {
	room := c.Param("id")
	after, err := queryUint(c, "after", 0)
	if err != nil {
		h.fail(c, err)
		return
	}
	limit, err := queryUint(c, "limit", config.DefaultHistoryPageSize)
	if err != nil {
		h.fail(c, err)
		return
	}
	switch {
	case limit == 0:
		limit = config.DefaultHistoryPageSize
	case limit > config.MaxHistoryPageSize:
		limit = config.MaxHistoryPageSize
	}
	if err := h.requireMember(c.Request.Context(), room, currentUser(c)); err != nil {
		h.fail(c, err)
		return
	}

	msgs, err := h.Store.MessagesAfter(c.Request.Context(), room, after, int(limit))
	if err != nil {
		h.fail(c, err)
		return
	}
	next := after
	if len(msgs) > 0 {
		next = msgs[len(msgs)-1].ID
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	c.JSON(http.StatusOK, historyResponse{Messages: msgs, NextAfter: next})
}

// SearchMessages searches the rooms listed in ?rooms= that the caller
// belongs to. Rooms the caller is not a member of are silently dropped.
func (h *Handler) SearchMessages(c *gin.Context) {
	text := c.Query("q")
	if strings.TrimSpace(text) == "" {
		h.fail(c, chaterr.Validation("q", "required"))
		return
	}
	limit, err := queryUint(c, "limit", defaultSearchLimit)
	if err != nil {
		h.fail(c, err)
		return
	}
	switch {
	case limit == 0:
		limit = defaultSearchLimit
	case limit > maxSearchLimit:
		limit = maxSearchLimit
	}

	var rooms []string
	for _, room := range strings.Split(c.Query("rooms"), ",") {
		room = strings.TrimSpace(room)
		if room == "" {
			continue
		}
		ok, err := h.Directory.IsMember(c.Request.Context(), room, currentUser(c))
		if err != nil {
			h.fail(c, err)
			return
		}
		if ok {
			rooms = append(rooms, room)
		}
	}

	res, err := h.Search.Search(c.Request.Context(), search.Query{
		Text:   text,
		Rooms:  rooms,
		Cursor: c.Query("cursor"),
		Limit:  int(limit),
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	if res.Messages == nil {
		res.Messages = []models.Message{}
	}
	c.JSON(http.StatusOK, searchResponse{Messages: res.Messages, NextCursor: res.NextCursor})
}

func (h *Handler) RoomPresence(c *gin.Context) {
	room := c.Param("id")
	if err := h.requireMember(c.Request.Context(), room, currentUser(c)); err != nil {
		h.fail(c, err)
		return
	}
	entries, err := h.Hub.Presence(c.Request.Context(), room)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"room_id": room, "users": entries})
}

func queryUint(c *gin.Context, key string, def uint64) (uint64, error) {
	raw := c.Query(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, chaterr.Validation(key, "not a number")
	}
	return v, nil
}
