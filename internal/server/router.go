package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/shinnkura/donezo/internal/auth"
	"github.com/shinnkura/donezo/internal/conflict"
	"github.com/shinnkura/donezo/internal/engine"
	"github.com/shinnkura/donezo/internal/record"
	"github.com/shinnkura/donezo/internal/store"
)

const ownerIDContextKey = "donezo_owner_id"

var (
	errMissingExchanger     = errors.New("api key exchanger dependency required")
	errMissingTokenManager  = errors.New("token manager dependency required")
	errMissingStoreService  = errors.New("store service dependency required")
	errMissingSyncEngine    = errors.New("sync engine dependency required")
	errMissingConflicts     = errors.New("conflict service dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// TokenManager validates bearer tokens on the protected surface.
type TokenManager interface {
	ValidateToken(token string) (string, error)
}

// SyncRequester schedules reconciliation passes outside the request path.
type SyncRequester interface {
	RequestSync()
}

// Dependencies carries everything the HTTP surface needs.
type Dependencies struct {
	Exchanger    *auth.APIKeyExchanger
	TokenManager TokenManager
	Store        *store.Service
	Engine       *engine.Engine
	Conflicts    *conflict.Service
	Requester    SyncRequester
	Dispatcher   *EventDispatcher
	Logger       *zap.Logger
}

// NewHTTPHandler wires the daemon's local API routes.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Exchanger == nil {
		return nil, errMissingExchanger
	}
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.Store == nil {
		return nil, errMissingStoreService
	}
	if deps.Engine == nil {
		return nil, errMissingSyncEngine
	}
	if deps.Conflicts == nil {
		return nil, errMissingConflicts
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		exchanger:  deps.Exchanger,
		tokens:     deps.TokenManager,
		store:      deps.Store,
		engine:     deps.Engine,
		conflicts:  deps.Conflicts,
		requester:  deps.Requester,
		dispatcher: deps.Dispatcher,
		logger:     logger,
	}

	router.POST("/auth/token", handler.handleTokenExchange)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/records/:table", handler.handleListRecords)
	protected.POST("/records/:table", handler.handleCreateRecord)
	protected.GET("/records/:table/:id", handler.handleGetRecord)
	protected.PATCH("/records/:table/:id", handler.handleUpdateRecord)
	protected.DELETE("/records/:table/:id", handler.handleDeleteRecord)
	protected.GET("/sync/status", handler.handleSyncStatus)
	protected.POST("/sync/trigger", handler.handleSyncTrigger)
	protected.POST("/sync/force", handler.handleSyncForce)
	protected.POST("/sync/offline", handler.handleOfflineOverride)
	protected.GET("/sync/events", handler.handleSyncEvents)
	protected.GET("/conflicts", handler.handleListConflicts)
	protected.POST("/conflicts/:id/resolve", handler.handleResolveConflict)

	return router, nil
}

type httpHandler struct {
	exchanger  *auth.APIKeyExchanger
	tokens     TokenManager
	store      *store.Service
	engine     *engine.Engine
	conflicts  *conflict.Service
	requester  SyncRequester
	dispatcher *EventDispatcher
	logger     *zap.Logger
}

type tokenRequestPayload struct {
	APIKey string `json:"api_key"`
}

type tokenResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

func (h *httpHandler) handleTokenExchange(c *gin.Context) {
	var request tokenRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.APIKey) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	token, expiresIn, err := h.exchanger.Exchange(c.Request.Context(), request.APIKey)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidAPIKey) {
			h.logger.Warn("api key rejected")
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		h.logger.Error("failed to issue token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.JSON(http.StatusOK, tokenResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
	})
}

type recordPayload struct {
	ID               string          `json:"id"`
	OwnerID          string          `json:"owner_id"`
	Table            string          `json:"table"`
	Payload          json.RawMessage `json:"payload"`
	CreatedAtSeconds int64           `json:"created_at_s"`
	UpdatedAtSeconds int64           `json:"updated_at_s"`
	IsDirty          bool            `json:"is_dirty"`
	IsDeleted        bool            `json:"is_deleted"`
	LastSyncedAtS    *int64          `json:"last_synced_at_s,omitempty"`
}

func presentRecord(row record.Record) recordPayload {
	payload := json.RawMessage(nil)
	if row.PayloadJSON != "" {
		payload = json.RawMessage(row.PayloadJSON)
	}
	return recordPayload{
		ID:               row.RecordID,
		OwnerID:          row.OwnerID,
		Table:            row.TableKey,
		Payload:          payload,
		CreatedAtSeconds: row.CreatedAtSeconds,
		UpdatedAtSeconds: row.UpdatedAtSeconds,
		IsDirty:          row.IsDirty,
		IsDeleted:        row.IsDeleted,
		LastSyncedAtS:    row.LastSyncedAtSeconds,
	}
}

func (h *httpHandler) handleListRecords(c *gin.Context) {
	table, ok := h.bindTable(c)
	if !ok {
		return
	}
	ownerID := h.engine.OwnerID()

	if c.Query("dirty") == "true" {
		rows, err := h.store.ListDirty(c.Request.Context(), ownerID, table)
		if err != nil {
			h.logger.Error("failed to list dirty records", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"records": presentRecords(rows)})
		return
	}

	opts := store.QueryOptions{IncludeDeleted: c.Query("include_deleted") == "true"}
	rows, err := h.store.Query(c.Request.Context(), ownerID, table, opts)
	if err != nil {
		h.logger.Error("failed to list records", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": presentRecords(rows)})
}

func presentRecords(rows []record.Record) []recordPayload {
	out := make([]recordPayload, 0, len(rows))
	for _, row := range rows {
		out = append(out, presentRecord(row))
	}
	return out
}

type createRecordPayload struct {
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload"`
}

func (h *httpHandler) handleCreateRecord(c *gin.Context) {
	table, ok := h.bindTable(c)
	if !ok {
		return
	}

	var request createRecordPayload
	if err := c.ShouldBindJSON(&request); err != nil || len(request.Payload) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	row, err := h.store.CreateRecord(c.Request.Context(), h.engine.OwnerID(), table, request.ID, string(request.Payload))
	if err != nil {
		if errors.Is(err, store.ErrRecordExists) {
			c.JSON(http.StatusConflict, gin.H{"error": "record_exists"})
			return
		}
		if errors.Is(err, store.ErrInvalidPayload) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_payload"})
			return
		}
		h.logger.Error("failed to create record", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create_failed"})
		return
	}
	c.JSON(http.StatusCreated, presentRecord(row))
}

func (h *httpHandler) handleGetRecord(c *gin.Context) {
	table, recordID, ok := h.bindRecordKey(c)
	if !ok {
		return
	}

	row, err := h.store.Get(c.Request.Context(), table, recordID, c.Query("include_deleted") == "true")
	if err != nil {
		h.logger.Error("failed to load record", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "get_failed"})
		return
	}
	if row == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "record_not_found"})
		return
	}
	c.JSON(http.StatusOK, presentRecord(*row))
}

func (h *httpHandler) handleUpdateRecord(c *gin.Context) {
	table, recordID, ok := h.bindRecordKey(c)
	if !ok {
		return
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil || len(body) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	row, err := h.store.UpdateRecord(c.Request.Context(), table, recordID, string(body))
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "record_not_found"})
			return
		}
		if errors.Is(err, store.ErrInvalidPayload) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_payload"})
			return
		}
		h.logger.Error("failed to update record", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "update_failed"})
		return
	}
	c.JSON(http.StatusOK, presentRecord(row))
}

func (h *httpHandler) handleDeleteRecord(c *gin.Context) {
	table, recordID, ok := h.bindRecordKey(c)
	if !ok {
		return
	}

	deleted, err := h.store.SoftDeleteRecord(c.Request.Context(), table, recordID)
	if err != nil {
		h.logger.Error("failed to delete record", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete_failed"})
		return
	}
	if !deleted {
		c.JSON(http.StatusNotFound, gin.H{"error": "record_not_found"})
		return
	}
	c.Status(http.StatusNoContent)
}

type syncStatusPayload struct {
	IsOnline            bool             `json:"is_online"`
	IsSyncing           bool             `json:"is_syncing"`
	Phase               string           `json:"phase"`
	WatermarkSeconds    *int64           `json:"watermark_s"`
	PendingCount        int64            `json:"pending_count"`
	RecordCounts        map[string]int64 `json:"record_counts"`
	LastFailure         string           `json:"last_failure,omitempty"`
	LastFailureTerminal bool             `json:"last_failure_terminal,omitempty"`
	LastFailureSeconds  int64            `json:"last_failure_s,omitempty"`
}

func (h *httpHandler) handleSyncStatus(c *gin.Context) {
	status, err := h.engine.Status(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to load sync status", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "status_failed"})
		return
	}
	c.JSON(http.StatusOK, syncStatusPayload{
		IsOnline:            status.IsOnline,
		IsSyncing:           status.IsSyncing,
		Phase:               string(status.Phase),
		WatermarkSeconds:    status.WatermarkSeconds,
		PendingCount:        status.PendingCount,
		RecordCounts:        status.RecordCounts,
		LastFailure:         status.LastFailure,
		LastFailureTerminal: status.LastFailureTerminal,
		LastFailureSeconds:  status.LastFailureSeconds,
	})
}

func (h *httpHandler) handleSyncTrigger(c *gin.Context) {
	if h.requester != nil {
		h.requester.RequestSync()
		c.JSON(http.StatusAccepted, gin.H{"status": "scheduled"})
		return
	}
	h.runPassNow(c, h.engine.RunPass)
}

func (h *httpHandler) handleSyncForce(c *gin.Context) {
	h.runPassNow(c, h.engine.ForceSync)
}

func (h *httpHandler) runPassNow(c *gin.Context, pass func(context.Context) (engine.PassResult, error)) {
	result, err := pass(c.Request.Context())
	if err != nil {
		switch {
		case errors.Is(err, engine.ErrPassInFlight):
			c.JSON(http.StatusConflict, gin.H{"error": "pass_in_flight"})
		case errors.Is(err, engine.ErrOffline):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "offline"})
		default:
			h.logger.Error("sync pass failed", zap.Error(err))
			c.JSON(http.StatusBadGateway, gin.H{"error": "sync_failed"})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"pushed":      result.Pushed,
		"push_failed": result.PushFailed,
		"dropped":     result.Dropped,
		"pulled":      result.Pulled,
		"conflicts":   result.Conflicts,
		"full_sync":   result.FullSync,
		"watermark_s": result.WatermarkSeconds,
	})
}

type offlineOverridePayload struct {
	Offline *bool `json:"offline"`
}

func (h *httpHandler) handleOfflineOverride(c *gin.Context) {
	var request offlineOverridePayload
	if err := c.ShouldBindJSON(&request); err != nil || request.Offline == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	h.engine.SetOfflineOverride(*request.Offline)
	c.JSON(http.StatusOK, gin.H{"offline": *request.Offline})
}

func (h *httpHandler) handleSyncEvents(c *gin.Context) {
	if h.dispatcher == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "events_unavailable"})
		return
	}

	stream, cleanup := h.dispatcher.Subscribe(c.Request.Context())
	defer cleanup()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Flush()

	heartbeat := time.NewTicker(25 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(c.Writer, ": heartbeat\n\n")
			c.Writer.Flush()
		case event, ok := <-stream:
			if !ok {
				return
			}
			body, err := json.Marshal(gin.H{
				"owner_id":      event.OwnerID,
				"detail":        event.Detail,
				"occurred_at_s": event.OccurredAtSecond,
			})
			if err != nil {
				continue
			}
			fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", event.Type, body)
			c.Writer.Flush()
		}
	}
}

type conflictPayload struct {
	ID                string          `json:"id"`
	Table             string          `json:"table"`
	RecordID          string          `json:"record_id"`
	LocalPayload      json.RawMessage `json:"local_payload"`
	RemotePayload     json.RawMessage `json:"remote_payload"`
	LocalUpdatedAtS   int64           `json:"local_updated_at_s"`
	RemoteUpdatedAtS  int64           `json:"remote_updated_at_s"`
	LocalDeleted      bool            `json:"local_deleted"`
	RemoteDeleted     bool            `json:"remote_deleted"`
	ConflictFields    json.RawMessage `json:"conflict_fields"`
	DetectedAtSeconds int64           `json:"detected_at_s"`
}

func (h *httpHandler) handleListConflicts(c *gin.Context) {
	rows, err := h.conflicts.List(c.Request.Context(), h.engine.OwnerID())
	if err != nil {
		h.logger.Error("failed to list conflicts", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed"})
		return
	}

	out := make([]conflictPayload, 0, len(rows))
	for _, row := range rows {
		out = append(out, conflictPayload{
			ID:                row.ConflictID,
			Table:             row.TableKey,
			RecordID:          row.RecordID,
			LocalPayload:      rawOrNil(row.LocalJSON),
			RemotePayload:     rawOrNil(row.RemoteJSON),
			LocalUpdatedAtS:   row.LocalUpdatedAtSeconds,
			RemoteUpdatedAtS:  row.RemoteUpdatedAtSeconds,
			LocalDeleted:      row.LocalDeleted,
			RemoteDeleted:     row.RemoteDeleted,
			ConflictFields:    rawOrNil(row.ConflictFieldsJSON),
			DetectedAtSeconds: row.DetectedAtSeconds,
		})
	}
	c.JSON(http.StatusOK, gin.H{"conflicts": out})
}

func rawOrNil(value string) json.RawMessage {
	if value == "" {
		return nil
	}
	return json.RawMessage(value)
}

type resolveConflictPayload struct {
	Strategy      string          `json:"strategy"`
	MergedPayload json.RawMessage `json:"merged_payload"`
}

func (h *httpHandler) handleResolveConflict(c *gin.Context) {
	conflictID := strings.TrimSpace(c.Param("id"))
	if conflictID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	var request resolveConflictPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Strategy) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	strategy, err := conflict.ParseStrategy(request.Strategy, string(request.MergedPayload))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_strategy"})
		return
	}

	row, err := h.engine.ResolveConflict(c.Request.Context(), conflictID, strategy)
	if err != nil {
		if errors.Is(err, conflict.ErrConflictNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "conflict_not_found"})
			return
		}
		h.logger.Error("failed to resolve conflict", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "resolve_failed"})
		return
	}
	c.JSON(http.StatusOK, presentRecord(row))
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(ownerIDContextKey, subject)
	c.Next()
}

func (h *httpHandler) bindTable(c *gin.Context) (record.Table, bool) {
	table, err := record.ParseTable(c.Param("table"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown_table"})
		return "", false
	}
	return table, true
}

func (h *httpHandler) bindRecordKey(c *gin.Context) (record.Table, record.RecordID, bool) {
	table, ok := h.bindTable(c)
	if !ok {
		return "", "", false
	}
	recordID, err := record.NewRecordID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_record_id"})
		return "", "", false
	}
	return table, recordID, true
}
