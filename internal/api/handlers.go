package api

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/MichaelRobotics/Hustler-sub012/internal/conversation"
	"github.com/MichaelRobotics/Hustler-sub012/internal/store"
)

// joinRequest is the "user joined" trigger payload.
type joinRequest struct {
	ExternalUserID string `json:"external_user_id"`
	ExperienceID   string `json:"experience_id"`
}

type conversationResponse struct {
	ID             string     `json:"id"`
	ExternalUserID string     `json:"external_user_id"`
	ExperienceID   string     `json:"experience_id"`
	ScriptID       string     `json:"script_id"`
	Kind           string     `json:"kind"`
	Status         string     `json:"status"`
	CurrentNodeID  string     `json:"current_node_id"`
	Path           []string   `json:"path"`
	InvalidCount   int        `json:"invalid_count"`
	ResumeLink     *string    `json:"resume_link,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	PollerRunning  bool       `json:"poller_running"`
	PollerLastTick *time.Time `json:"poller_last_tick,omitempty"`
}

func (s *Server) toResponse(c *conversation.Conversation) conversationResponse {
	resp := conversationResponse{
		ID:             c.ID,
		ExternalUserID: c.ExternalUserID,
		ExperienceID:   c.ExperienceID,
		ScriptID:       c.ScriptID,
		Kind:           string(c.Kind),
		Status:         string(c.Status),
		CurrentNodeID:  c.CurrentNodeID,
		Path:           c.Path,
		InvalidCount:   c.InvalidCount,
		ResumeLink:     c.ResumeLink,
		CreatedAt:      c.CreatedAt,
		UpdatedAt:      c.UpdatedAt,
	}
	st := s.opts.Registry.Status(c.ID)
	resp.PollerRunning = st.Running
	if !st.LastTick.IsZero() {
		t := st.LastTick
		resp.PollerLastTick = &t
	}
	return resp
}

// handleJoin creates the initial conversation, sends the welcome message and
// starts polling.
func (s *Server) handleJoin(c echo.Context) error {
	if c.Request().Header.Get("X-Webhook-Secret") != s.opts.WebhookSecret {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid webhook secret")
	}

	var req joinRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid payload")
	}
	if req.ExternalUserID == "" || req.ExperienceID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "external_user_id and experience_id are required")
	}

	ctx := c.Request().Context()
	now := time.Now()
	entry := s.opts.MainScript.EntryNodeID
	conv := &conversation.Conversation{
		ID:             uuid.NewString(),
		ExternalUserID: req.ExternalUserID,
		ExperienceID:   req.ExperienceID,
		ScriptID:       s.opts.MainScript.ID,
		Kind:           conversation.KindExternal,
		Status:         conversation.StatusActive,
		CurrentNodeID:  entry,
		Path:           []string{entry},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.opts.Store.CreateConversation(ctx, conv); err != nil {
		s.opts.Logger.Error().Err(err).Msg("failed to create conversation")
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to create conversation")
	}

	// The conversation outlives the webhook call: once the row is committed,
	// a client disconnect must not cancel the welcome send or the nudge
	// schedule.
	postCtx := context.WithoutCancel(ctx)

	if err := s.opts.Navigator.SendNode(postCtx, conv, s.opts.MainScript, entry); err != nil {
		// The poller retries nothing here; the user can still reply to a
		// missing welcome, so surface the failure but keep the conversation.
		s.opts.Logger.Error().Err(err).Str("conversation_id", conv.ID).Msg("failed to send welcome message")
	}

	if s.opts.Nudges != nil {
		if err := s.opts.Nudges.ScheduleNudges(postCtx, conv.ID, now); err != nil {
			s.opts.Logger.Warn().Err(err).Str("conversation_id", conv.ID).Msg("failed to schedule nudges")
		}
	}

	s.opts.Registry.Start(conv.ID)

	return c.JSON(http.StatusCreated, s.toResponse(conv))
}

func (s *Server) listConversations(c echo.Context) error {
	status := conversation.Status(c.QueryParam("status"))
	kind := conversation.Kind(c.QueryParam("kind"))

	convs, err := s.opts.Store.ListConversations(c.Request().Context(), status, kind, 100)
	if err != nil {
		s.opts.Logger.Error().Err(err).Msg("failed to list conversations")
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list conversations")
	}

	out := make([]conversationResponse, 0, len(convs))
	for _, conv := range convs {
		out = append(out, s.toResponse(conv))
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) getConversation(c echo.Context) error {
	conv, err := s.opts.Store.GetConversation(c.Request().Context(), c.Param("id"))
	if err == store.ErrNotFound {
		return echo.NewHTTPError(http.StatusNotFound, "conversation not found")
	}
	if err != nil {
		s.opts.Logger.Error().Err(err).Msg("failed to get conversation")
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to get conversation")
	}
	return c.JSON(http.StatusOK, s.toResponse(conv))
}

// startPolling is the operator override to resume polling a conversation.
func (s *Server) startPolling(c echo.Context) error {
	conv, err := s.opts.Store.GetConversation(c.Request().Context(), c.Param("id"))
	if err == store.ErrNotFound {
		return echo.NewHTTPError(http.StatusNotFound, "conversation not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to get conversation")
	}
	if conv.Kind != conversation.KindExternal || conv.Terminal() {
		return echo.NewHTTPError(http.StatusConflict, "conversation is not pollable")
	}
	s.opts.Registry.Start(conv.ID)
	return c.JSON(http.StatusOK, s.opts.Registry.Status(conv.ID))
}

// stopPolling is the operator override to halt a conversation's poller.
func (s *Server) stopPolling(c echo.Context) error {
	if err := s.opts.Registry.Stop(c.Request().Context(), c.Param("id")); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, s.opts.Registry.Status(c.Param("id")))
}

type messageResponse struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

type resumeResponse struct {
	Conversation conversationResponse `json:"conversation"`
	Messages     []messageResponse    `json:"messages"`
}

// handleResume resolves a resumable link into the internal conversation and
// its replayed history.
func (s *Server) handleResume(c echo.Context) error {
	conversationID, err := s.opts.Links.Resolve(c.Param("token"))
	if err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid resume link")
	}

	ctx := c.Request().Context()
	conv, err := s.opts.Store.GetConversation(ctx, conversationID)
	if err == store.ErrNotFound {
		return echo.NewHTTPError(http.StatusNotFound, "conversation not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to get conversation")
	}

	msgs, err := s.opts.Store.ListMessages(ctx, conversationID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load history")
	}

	resp := resumeResponse{Conversation: s.toResponse(conv)}
	for _, m := range msgs {
		resp.Messages = append(resp.Messages, messageResponse{
			ID:        m.ID,
			Kind:      string(m.Kind),
			Body:      m.Body,
			CreatedAt: m.CreatedAt,
		})
	}
	return c.JSON(http.StatusOK, resp)
}
