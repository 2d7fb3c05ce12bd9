// Package server exposes the engine to a local UI process over HTTP: state
// reads, mutation endpoints backed by the pipeline, bundle export and import,
// and a server-sent event stream of committed changes.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/TaleweaverLabs/taleweaver/engine/internal/bundle"
	"github.com/TaleweaverLabs/taleweaver/engine/internal/database"
	"github.com/TaleweaverLabs/taleweaver/engine/internal/entity"
	"github.com/TaleweaverLabs/taleweaver/engine/internal/pipeline"
	"github.com/TaleweaverLabs/taleweaver/engine/internal/store"
	"github.com/TaleweaverLabs/taleweaver/engine/internal/syncer"
)

const (
	defaultFeedLimit = 25
	maxFeedLimit     = 100
)

var (
	errMissingEntityStore = errors.New("entity store dependency required")
	errMissingPipeline    = errors.New("pipeline dependency required")
)

// Dependencies wires the facade to the engine internals. Feed, Importer,
// Dispatcher and Session are optional; the routes needing them return 503
// when absent.
type Dependencies struct {
	Store      *store.Store
	Pipeline   *pipeline.Pipeline
	Feed       *database.FeedIndex
	Importer   *bundle.Importer
	Dispatcher *store.ChangeDispatcher
	Session    *syncer.Session
	Clock      func() time.Time
	Logger     *zap.Logger
}

// NewHTTPHandler builds the gin router serving the local facade.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Store == nil {
		return nil, errMissingEntityStore
	}
	if deps.Pipeline == nil {
		return nil, errMissingPipeline
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		store:      deps.Store,
		pipeline:   deps.Pipeline,
		feed:       deps.Feed,
		importer:   deps.Importer,
		dispatcher: deps.Dispatcher,
		session:    deps.Session,
		clock:      clock,
		logger:     logger,
	}

	router.GET("/healthz", handler.handleHealth)

	router.GET("/scenarios", handler.handleListScenarios)
	router.POST("/scenarios", handler.handleUpsertScenario)
	router.DELETE("/scenarios/:scenarioId", handler.handleDeleteScenario)
	router.POST("/scenarios/:scenarioId/join", handler.handleJoinScenario)
	router.POST("/scenarios/:scenarioId/leave", handler.handleLeaveScenario)
	router.POST("/scenarios/:scenarioId/transfer", handler.handleTransferOwnership)
	router.PUT("/scenarios/:scenarioId/tags", handler.handleSetTags)
	router.PUT("/scenarios/:scenarioId/notifications", handler.handleSetNotificationPrefs)
	router.GET("/scenarios/:scenarioId/feed", handler.handleFeed)
	router.GET("/scenarios/:scenarioId/export", handler.handleExport)
	router.GET("/scenarios/:scenarioId/events", handler.handleEvents)

	router.POST("/scenarios/:scenarioId/profiles", handler.handleUpsertProfile)
	router.DELETE("/scenarios/:scenarioId/profiles/:profileId", handler.handleDeleteProfile)
	router.POST("/scenarios/:scenarioId/profiles/:profileId/select", handler.handleSelectProfile)

	router.POST("/scenarios/:scenarioId/posts", handler.handleCreatePost)
	router.DELETE("/scenarios/:scenarioId/posts/:postId", handler.handleDeletePost)
	router.POST("/scenarios/:scenarioId/posts/:postId/pin", handler.handlePinPost)

	router.POST("/posts/:postId/repost", handler.handleToggleRepost)
	router.POST("/posts/:postId/like", handler.handleToggleLike)

	router.POST("/scenarios/:scenarioId/conversations", handler.handleCreateConversation)
	router.POST("/conversations/:conversationId/messages", handler.handleSendMessage)
	router.POST("/messages/:messageId/resend", handler.handleResendMessage)

	router.POST("/sheets", handler.handleUpsertSheet)
	router.DELETE("/sheets/:profileId", handler.handleDeleteSheet)

	router.POST("/import", handler.handleImport)
	router.POST("/session/viewing", handler.handleSetViewing)

	return router, nil
}

type httpHandler struct {
	store      *store.Store
	pipeline   *pipeline.Pipeline
	feed       *database.FeedIndex
	importer   *bundle.Importer
	dispatcher *store.ChangeDispatcher
	session    *syncer.Session
	clock      func() time.Time
	logger     *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleListScenarios(c *gin.Context) {
	snapshot := h.store.Read()
	scenarios := make([]entity.Scenario, 0, len(snapshot.Scenarios))
	for _, scenario := range snapshot.Scenarios {
		scenarios = append(scenarios, scenario)
	}
	sort.Slice(scenarios, func(i, j int) bool {
		if scenarios[i].CreatedAt != scenarios[j].CreatedAt {
			return scenarios[i].CreatedAt > scenarios[j].CreatedAt
		}
		return scenarios[i].ID < scenarios[j].ID
	})
	c.JSON(http.StatusOK, gin.H{"scenarios": scenarios})
}

func (h *httpHandler) handleUpsertScenario(c *gin.Context) {
	var scenario entity.Scenario
	if err := c.ShouldBindJSON(&scenario); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	saved, err := h.pipeline.UpsertScenario(c.Request.Context(), scenario)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, saved)
}

func (h *httpHandler) handleDeleteScenario(c *gin.Context) {
	if err := h.pipeline.DeleteScenario(c.Request.Context(), c.Param("scenarioId")); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleJoinScenario(c *gin.Context) {
	scenario, err := h.pipeline.JoinScenario(c.Request.Context(), c.Param("scenarioId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, scenario)
}

func (h *httpHandler) handleLeaveScenario(c *gin.Context) {
	if err := h.pipeline.LeaveScenario(c.Request.Context(), c.Param("scenarioId")); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleTransferOwnership(c *gin.Context) {
	var request struct {
		NewOwnerUserID string `json:"newOwnerUserId"`
	}
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.NewOwnerUserID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	scenario, err := h.pipeline.TransferOwnership(c.Request.Context(), c.Param("scenarioId"), request.NewOwnerUserID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, scenario)
}

func (h *httpHandler) handleSetTags(c *gin.Context) {
	var request struct {
		Tags []entity.GlobalTag `json:"tags"`
	}
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	scenario, err := h.pipeline.SetScenarioTags(c.Param("scenarioId"), request.Tags)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, scenario)
}

func (h *httpHandler) handleSetNotificationPrefs(c *gin.Context) {
	var prefs entity.NotificationPrefs
	if err := c.ShouldBindJSON(&prefs); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if err := h.pipeline.SetNotificationPrefs(c.Request.Context(), c.Param("scenarioId"), prefs); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type feedResponsePayload struct {
	Posts   []entity.Post `json:"posts"`
	HasMore bool          `json:"hasMore"`
}

func (h *httpHandler) handleFeed(c *gin.Context) {
	if h.feed == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "feed_index_unavailable"})
		return
	}
	offset := queryInt(c, "offset", 0)
	limit := queryInt(c, "limit", defaultFeedLimit)
	if limit <= 0 || limit > maxFeedLimit {
		limit = defaultFeedLimit
	}
	page, err := h.feed.ListFeed(c.Param("scenarioId"), offset, limit)
	if err != nil {
		h.logger.Error("feed query failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "feed_failed"})
		return
	}
	snapshot := h.store.Read()
	response := feedResponsePayload{Posts: make([]entity.Post, 0, len(page.PostIDs)), HasMore: page.HasMore}
	for _, postID := range page.PostIDs {
		if post, ok := snapshot.Posts[postID]; ok {
			response.Posts = append(response.Posts, post)
		}
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleUpsertProfile(c *gin.Context) {
	var profile entity.Profile
	if err := c.ShouldBindJSON(&profile); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	profile.ScenarioID = c.Param("scenarioId")
	saved, err := h.pipeline.UpsertProfile(c.Request.Context(), profile)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, saved)
}

func (h *httpHandler) handleDeleteProfile(c *gin.Context) {
	if err := h.pipeline.DeleteProfile(c.Request.Context(), c.Param("scenarioId"), c.Param("profileId")); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleSelectProfile(c *gin.Context) {
	if err := h.pipeline.SelectProfile(c.Param("scenarioId"), c.Param("profileId")); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleCreatePost(c *gin.Context) {
	var post entity.Post
	if err := c.ShouldBindJSON(&post); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	post.ScenarioID = c.Param("scenarioId")
	saved, err := h.pipeline.CreatePost(c.Request.Context(), post)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, saved)
}

func (h *httpHandler) handleDeletePost(c *gin.Context) {
	if err := h.pipeline.DeletePost(c.Request.Context(), c.Param("scenarioId"), c.Param("postId")); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handlePinPost(c *gin.Context) {
	var request struct {
		Pinned   bool `json:"pinned"`
		PinOrder int  `json:"pinOrder"`
	}
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	post, err := h.pipeline.PinPost(c.Request.Context(), c.Param("scenarioId"), c.Param("postId"), request.Pinned, request.PinOrder)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, post)
}

type togglePayload struct {
	ProfileID string `json:"profileId"`
}

func (h *httpHandler) handleToggleRepost(c *gin.Context) {
	var request togglePayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.ProfileID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	state, err := h.pipeline.ToggleRepost(c.Request.Context(), request.ProfileID, c.Param("postId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"active": state.Active, "count": state.Count})
}

func (h *httpHandler) handleToggleLike(c *gin.Context) {
	var request togglePayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.ProfileID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	state, err := h.pipeline.ToggleLike(c.Request.Context(), request.ProfileID, c.Param("postId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"active": state.Active, "count": state.Count})
}

func (h *httpHandler) handleCreateConversation(c *gin.Context) {
	var request struct {
		ParticipantProfileIDs []string `json:"participantProfileIds"`
	}
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	conversation, err := h.pipeline.CreateConversation(c.Request.Context(), c.Param("scenarioId"), request.ParticipantProfileIDs)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, conversation)
}

func (h *httpHandler) handleSendMessage(c *gin.Context) {
	var request struct {
		SenderProfileID string   `json:"senderProfileId"`
		Text            string   `json:"text"`
		ImageURLs       []string `json:"imageUrls"`
	}
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	message, err := h.pipeline.SendMessage(c.Request.Context(), c.Param("conversationId"), request.SenderProfileID, request.Text, request.ImageURLs)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, message)
}

func (h *httpHandler) handleResendMessage(c *gin.Context) {
	message, err := h.pipeline.ResendMessage(c.Request.Context(), c.Param("messageId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, message)
}

func (h *httpHandler) handleUpsertSheet(c *gin.Context) {
	var sheet entity.CharacterSheet
	if err := c.ShouldBindJSON(&sheet); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	saved, err := h.pipeline.UpsertCharacterSheet(c.Request.Context(), sheet)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, saved)
}

func (h *httpHandler) handleDeleteSheet(c *gin.Context) {
	if err := h.pipeline.DeleteCharacterSheet(c.Request.Context(), c.Param("profileId")); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleExport(c *gin.Context) {
	scope := bundle.FullScope()
	if raw, ok := c.GetQuery("scope"); ok {
		scope = parseScope(raw)
	}
	doc, err := bundle.Export(h.store.Read(), c.Param("scenarioId"), scope, h.clock())
	if err != nil {
		if errors.Is(err, bundle.ErrScenarioNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "scenario_not_found"})
			return
		}
		h.logger.Error("export failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "export_failed"})
		return
	}
	c.JSON(http.StatusOK, doc)
}

func (h *httpHandler) handleImport(c *gin.Context) {
	if h.importer == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "importer_unavailable"})
		return
	}
	var doc bundle.Document
	if err := c.ShouldBindJSON(&doc); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	result, err := h.importer.Import(c.Request.Context(), doc)
	if err != nil {
		if errors.Is(err, bundle.ErrInvalidDocument) {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
			return
		}
		h.logger.Error("import failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "import_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"scenarioId":      result.ScenarioID,
		"renamedHandles":  result.RenamedHandles,
		"skippedProfiles": result.SkippedProfiles,
		"droppedPosts":    result.DroppedPosts,
		"droppedReposts":  result.DroppedReposts,
		"droppedSheets":   result.DroppedSheets,
		"droppedLikes":    result.DroppedLikes,
	})
}

type eventPayload struct {
	ScenarioID string   `json:"scenarioId"`
	EntityIDs  []string `json:"entityIds,omitempty"`
	Timestamp  int64    `json:"timestamp"`
}

func (h *httpHandler) handleEvents(c *gin.Context) {
	if h.dispatcher == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "events_unavailable"})
		return
	}
	events, cancel := h.dispatcher.Subscribe(c.Request.Context(), c.Param("scenarioId"))
	defer cancel()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Flush()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(eventPayload{
				ScenarioID: event.ScenarioID,
				EntityIDs:  event.EntityIDs,
				Timestamp:  event.Timestamp.Unix(),
			})
			if err != nil {
				continue
			}
			fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", event.Kind, data)
			c.Writer.Flush()
		}
	}
}

func (h *httpHandler) handleSetViewing(c *gin.Context) {
	if h.session == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "session_unavailable"})
		return
	}
	var request struct {
		ScenarioID     string `json:"scenarioId"`
		ConversationID string `json:"conversationId"`
	}
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	h.session.SetViewingScenario(request.ScenarioID)
	if request.ConversationID != "" {
		h.session.SetViewingConversation(request.ConversationID)
	}
	c.Status(http.StatusNoContent)
}

// respondError maps pipeline failures onto HTTP statuses using the dotted
// operation code's reason segment.
func (h *httpHandler) respondError(c *gin.Context, err error) {
	var serviceErr *pipeline.ServiceError
	if !errors.As(err, &serviceErr) {
		h.logger.Error("operation failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	code := serviceErr.Code()
	reason := code
	if i := strings.LastIndex(code, "."); i >= 0 {
		reason = code[i+1:]
	}
	status := http.StatusInternalServerError
	switch {
	case strings.HasSuffix(reason, "not_found"), reason == "stale_reference":
		status = http.StatusNotFound
	case reason == "handle_taken":
		status = http.StatusConflict
	case strings.HasPrefix(reason, "invalid"), strings.HasPrefix(reason, "missing"),
		strings.HasPrefix(reason, "empty"), reason == "bad_reference",
		reason == "scenario_mismatch", reason == "too_few_participants", reason == "not_failed":
		status = http.StatusBadRequest
	case reason == "not_owner", reason == "not_owned", reason == "not_a_player",
		reason == "not_participant", reason == "owner_must_transfer",
		reason == "owner_not_player", reason == "new_owner_not_player":
		status = http.StatusForbidden
	case reason == "remote_failed":
		status = http.StatusBadGateway
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("operation failed", zap.String("code", code), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": code})
}

func queryInt(c *gin.Context, name string, fallback int) int {
	raw, ok := c.GetQuery(name)
	if !ok {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return fallback
	}
	return value
}

// parseScope interprets a comma-separated category list, e.g.
// "profiles,posts".
func parseScope(raw string) bundle.ExportScope {
	scope := bundle.ExportScope{}
	for _, part := range strings.Split(raw, ",") {
		switch strings.TrimSpace(strings.ToLower(part)) {
		case "profiles":
			scope.Profiles = true
		case "posts":
			scope.Posts = true
		case "reposts":
			scope.Reposts = true
		case "sheets":
			scope.Sheets = true
		}
	}
	return scope
}
