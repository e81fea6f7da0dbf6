// Package handler exposes the chat core over HTTP and websocket.
package handler

import (
	"context"
	"errors"
	"net/http"

	"roomchat/backend/internal/auth"
	"roomchat/backend/internal/chaterr"
	"roomchat/backend/internal/chathub"
	"roomchat/backend/internal/config"
	"roomchat/backend/internal/models"
	"roomchat/backend/internal/pipeline"
	"roomchat/backend/internal/search"
	"roomchat/backend/internal/storage"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Messages is the write side of the message pipeline.
type Messages interface {
	Submit(ctx context.Context, req pipeline.SubmitRequest) (pipeline.Receipt, error)
	Edit(ctx context.Context, req pipeline.EditRequest) (models.Message, error)
	Delete(ctx context.Context, req pipeline.DeleteRequest) (models.Message, error)
}

type Searcher interface {
	Search(ctx context.Context, q search.Query) (search.Results, error)
}

// RateGate decides whether userID may submit now. The policy lives outside
// the core.
type RateGate interface {
	Allow(userID string) bool
}

type AllowAll struct{}

func (AllowAll) Allow(string) bool { return true }

// Deps wires a Handler. Directory and Gate default to allow-all, Issuer is
// only needed for the development token route.
type Deps struct {
	Hub       *chathub.ManagerService
	Messages  Messages
	Search    Searcher
	Store     storage.Reader
	Directory storage.RoomDirectory
	Auth      auth.Validator
	Issuer    Issuer
	Gate      RateGate

	OutboundBuffer int
	MaxFrameBytes  int64
}

// Handler holds the collaborators of every route.
type Handler struct {
	Hub       *chathub.ManagerService
	Messages  Messages
	Search    Searcher
	Store     storage.Reader
	Directory storage.RoomDirectory
	Auth      auth.Validator
	Issuer    Issuer
	Gate      RateGate

	outbound      int
	maxFrameBytes int64
	log           zerolog.Logger
}

func NewHandler(deps Deps, log zerolog.Logger) *Handler {
	if deps.Directory == nil {
		deps.Directory = storage.OpenDirectory{}
	}
	if deps.Gate == nil {
		deps.Gate = AllowAll{}
	}
	if deps.OutboundBuffer <= 0 {
		deps.OutboundBuffer = config.DefaultOutboundBuffer
	}
	if deps.MaxFrameBytes <= 0 {
		deps.MaxFrameBytes = config.DefaultMaxFrameBytes
	}
	return &Handler{
		Hub:           deps.Hub,
		Messages:      deps.Messages,
		Search:        deps.Search,
		Store:         deps.Store,
		Directory:     deps.Directory,
		Auth:          deps.Auth,
		Issuer:        deps.Issuer,
		Gate:          deps.Gate,
		outbound:      deps.OutboundBuffer,
		maxFrameBytes: deps.MaxFrameBytes,
		log:           log.With().Str("component", "http").Logger(),
	}
}

// Router builds the gin engine. withDevRoutes adds the anonymous token route.
func (h *Handler) Router(withDevRoutes bool) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), h.requestLogger())

	r.GET("/healthz", h.Health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	if withDevRoutes && h.Issuer != nil {
		r.GET("/anonid", h.GetAnonID)
	}

	authed := r.Group("/", h.authenticate())
	authed.GET("/ws", h.ServeWebSocket)
	authed.GET("/search", h.SearchMessages)
	authed.GET("/rooms/:id/messages", h.History)
	authed.POST("/rooms/:id/messages", h.PostMessage)
	authed.PATCH("/rooms/:id/messages/:msg", h.EditMessage)
	authed.DELETE("/rooms/:id/messages/:msg", h.DeleteMessage)
	authed.GET("/rooms/:id/presence", h.RoomPresence)
	return r
}

func (h *Handler) Health(c *gin.Context) {
	n, err := h.Hub.ConnectionCount(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "stopping"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "connections": n})
}

func (h *Handler) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		ev := h.log.Debug()
		if c.Writer.Status() >= http.StatusInternalServerError {
			ev = h.log.Warn()
		}
		ev.Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Msg("request")
	}
}

// statusOf maps the error taxonomy onto HTTP.
func statusOf(err error) int {
	switch {
	case chaterr.IsValidation(err):
		return http.StatusBadRequest
	case errors.Is(err, auth.ErrInvalidToken):
		return http.StatusUnauthorized
	case errors.Is(err, chaterr.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, chaterr.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, chaterr.ErrBackpressure):
		return http.StatusTooManyRequests
	case errors.Is(err, chaterr.ErrStorageTransient), errors.Is(err, chaterr.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// publicMessage hides internal failure detail from clients.
func publicMessage(err error) string {
	if statusOf(err) == http.StatusInternalServerError {
		return "internal error"
	}
	return err.Error()
}

func (h *Handler) fail(c *gin.Context, err error) {
	status := statusOf(err)
	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
	}
	if status == http.StatusTooManyRequests {
		c.Header("Retry-After", "1")
	}
	c.AbortWithStatusJSON(status, gin.H{"error": publicMessage(err), "code": chaterr.Code(err)})
}
