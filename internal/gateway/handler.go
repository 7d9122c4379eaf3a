package gateway

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"

	"github.com/vendra/field-sales/erp-orchestrator/internal/auth"
	"github.com/vendra/field-sales/erp-orchestrator/internal/models"
	"github.com/vendra/field-sales/erp-orchestrator/internal/opqueue"
	"github.com/vendra/field-sales/erp-orchestrator/internal/persistence"
	"github.com/vendra/field-sales/erp-orchestrator/internal/syncorch"
)

// OperationService is the slice of the operation queue the handler needs.
type OperationService interface {
	Submit(op models.Operation) (*opqueue.Status, error)
	Status(id string) (*opqueue.Status, error)
	Cancel(id string) error
}

// SyncService is the slice of the sync orchestrator the handler needs.
type SyncService interface {
	RequestWithPriority(t models.SyncType, mode models.SyncMode, priority int, payload map[string]interface{}) (syncorch.RequestOutcome, error)
	Status() syncorch.StatusReport
	ForegroundEnter(agentID string)
	ForegroundExit(agentID string)
}

// SyncHistory is the slice of the persistence layer the handler needs to
// report last runs that predate this process.
type SyncHistory interface {
	LastSyncRuns(ctx context.Context) (map[models.SyncType]persistence.SyncRun, error)
}

// Handler handles HTTP requests for the gateway layer
type Handler struct {
	operations OperationService
	syncs      SyncService
	history    SyncHistory
	jwtManager *auth.JWTManager
	pool       *pgxpool.Pool
}

// NewHandler creates a new gateway handler
func NewHandler(operations OperationService, syncs SyncService, history SyncHistory, jwtManager *auth.JWTManager, pool *pgxpool.Pool) *Handler {
	return &Handler{
		operations: operations,
		syncs:      syncs,
		history:    history,
		jwtManager: jwtManager,
		pool:       pool,
	}
}

func errorJSON(c *gin.Context, status int, code, message string) {
	c.JSON(status, models.ErrorResponse{Error: message, Code: code})
}

// LoginRequest represents a login request
type LoginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

// LoginResponse represents a login response
type LoginResponse struct {
	Token  string `json:"token"`
	UserID string `json:"user_id"`
}

// Login authenticates a user and returns a JWT token.
func (h *Handler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorJSON(c, http.StatusBadRequest, models.ErrCodeInvalidRequest, "Invalid request")
		return
	}

	var userID string
	var hashedPassword string
	var roles []string
	err := h.pool.QueryRow(c.Request.Context(),
		`SELECT id, hashed_password, roles FROM users WHERE email = $1`,
		req.Email,
	).Scan(&userID, &hashedPassword, &roles)

	if err != nil {
		log.Printf(`{"level":"warn","message":"User not found","email":"%s"}`, req.Email)
		errorJSON(c, http.StatusUnauthorized, models.ErrCodeUnauthorized, "Invalid email or password")
		return
	}

	if err := bcrypt.CompareHashAndPassword([]byte(hashedPassword), []byte(req.Password)); err != nil {
		log.Printf(`{"level":"warn","message":"Invalid password","email":"%s"}`, req.Email)
		errorJSON(c, http.StatusUnauthorized, models.ErrCodeUnauthorized, "Invalid email or password")
		return
	}

	token, err := h.jwtManager.GenerateToken(
		c.Request.Context(),
		userID,
		req.Email,
		roles,
		24*time.Hour,
	)
	if err != nil {
		errorJSON(c, http.StatusInternalServerError, models.ErrCodeInternalError, "Failed to generate token")
		return
	}

	c.JSON(http.StatusOK, LoginResponse{
		Token:  token,
		UserID: userID,
	})
}

// SubmitOperationRequest represents an operation submission
type SubmitOperationRequest struct {
	OperationID string                 `json:"operation_id"`
	AgentID     string                 `json:"agent_id" binding:"required"`
	Type        string                 `json:"type" binding:"required"`
	Payload     map[string]interface{} `json:"payload"`
	TimeoutSec  int                    `json:"timeout_sec"`
}

// SubmitOperationResponse represents the accepted operation
type SubmitOperationResponse struct {
	OperationID string `json:"operation_id"`
	State       string `json:"state"`
}

// SubmitOperation admits an operation to the queue. The client may supply its
// own operation_id as an idempotency key; one is generated otherwise.
func (h *Handler) SubmitOperation(c *gin.Context) {
	var req SubmitOperationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorJSON(c, http.StatusBadRequest, models.ErrCodeInvalidRequest, "Invalid request")
		return
	}
	if req.OperationID == "" {
		req.OperationID = uuid.New().String()
	}

	op := models.Operation{
		ID:      req.OperationID,
		AgentID: req.AgentID,
		Type:    models.OperationType(req.Type),
		Payload: req.Payload,
	}
	if req.TimeoutSec > 0 {
		op.Timeout = time.Duration(req.TimeoutSec) * time.Second
	}

	snap, err := h.operations.Submit(op)
	switch {
	case errors.Is(err, opqueue.ErrDuplicate):
		c.JSON(http.StatusConflict, models.ErrorResponse{
			Error:   "Operation with this id is already active",
			Code:    models.ErrCodeDuplicate,
			Details: map[string]string{"operation_id": snap.Operation.ID, "state": string(snap.State)},
		})
		return
	case errors.Is(err, opqueue.ErrQueueClosed):
		errorJSON(c, http.StatusServiceUnavailable, models.ErrCodeResourceExhausted, "Service is shutting down")
		return
	case err != nil:
		errorJSON(c, http.StatusBadRequest, models.ErrCodeInvalidRequest, err.Error())
		return
	}

	c.JSON(http.StatusAccepted, SubmitOperationResponse{
		OperationID: snap.Operation.ID,
		State:       string(snap.State),
	})
}

// OperationStatus returns the operation's current snapshot.
func (h *Handler) OperationStatus(c *gin.Context) {
	snap, err := h.operations.Status(c.Param("id"))
	if err != nil {
		errorJSON(c, http.StatusNotFound, models.ErrCodeNotFound, "Operation not found")
		return
	}
	c.JSON(http.StatusOK, snap)
}

// CancelOperation withdraws a queued operation or asks a running one to stop.
func (h *Handler) CancelOperation(c *gin.Context) {
	err := h.operations.Cancel(c.Param("id"))
	switch {
	case errors.Is(err, opqueue.ErrNotFound):
		errorJSON(c, http.StatusNotFound, models.ErrCodeNotFound, "Operation not found")
		return
	case errors.Is(err, opqueue.ErrTerminal):
		errorJSON(c, http.StatusConflict, models.ErrCodeInvalidRequest, "Operation already finished")
		return
	case err != nil:
		errorJSON(c, http.StatusInternalServerError, models.ErrCodeInternalError, err.Error())
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"operation_id": c.Param("id"), "state": "cancelling"})
}

// RequestSyncResponse reports how a manual sync request was handled.
type RequestSyncResponse struct {
	SyncType string `json:"sync_type"`
	Outcome  string `json:"outcome"`
}

// RequestSync queues a manual sync of the given type. An optional ?priority=
// query overrides the type's configured default.
func (h *Handler) RequestSync(c *gin.Context) {
	syncType, err := models.ParseSyncType(c.Param("type"))
	if err != nil {
		errorJSON(c, http.StatusBadRequest, models.ErrCodeInvalidRequest, err.Error())
		return
	}

	priority := 0
	if raw := c.Query("priority"); raw != "" {
		priority, err = strconv.Atoi(raw)
		if err != nil || priority <= 0 {
			errorJSON(c, http.StatusBadRequest, models.ErrCodeInvalidRequest, "priority must be a positive integer")
			return
		}
	}

	outcome, err := h.syncs.RequestWithPriority(syncType, models.SyncModeManual, priority, nil)
	if err != nil {
		errorJSON(c, http.StatusServiceUnavailable, models.ErrCodeResourceExhausted, err.Error())
		return
	}

	c.JSON(http.StatusAccepted, RequestSyncResponse{
		SyncType: string(syncType),
		Outcome:  string(outcome),
	})
}

// SyncStatus returns the orchestrator snapshot plus the last recorded run per
// type from the database. The in-memory counters reset on restart, so types
// that have not run in this process are backfilled from sync_runs.
func (h *Handler) SyncStatus(c *gin.Context) {
	report := h.syncs.Status()
	if h.history != nil {
		runs, err := h.history.LastSyncRuns(c.Request.Context())
		if err != nil {
			log.Printf(`{"level":"warn","message":"Failed to load sync run history","error":"%s"}`, err)
		}
		for i, ts := range report.Types {
			if ts.Runs > 0 {
				continue
			}
			run, ok := runs[ts.Type]
			if !ok {
				continue
			}
			report.Types[i].LastRunAt = run.StartedAt
			report.Types[i].LastDuration = run.Duration
			report.Types[i].LastRecords = run.Records
			if !run.Success {
				report.Types[i].LastError = run.Error
			}
		}
	}
	c.JSON(http.StatusOK, report)
}

// ForegroundRequest identifies the agent entering or leaving order composition.
type ForegroundRequest struct {
	AgentID string `json:"agent_id" binding:"required"`
}

// ForegroundEnter suppresses background syncs for the agent's session.
func (h *Handler) ForegroundEnter(c *gin.Context) {
	var req ForegroundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorJSON(c, http.StatusBadRequest, models.ErrCodeInvalidRequest, "Invalid request")
		return
	}
	h.syncs.ForegroundEnter(req.AgentID)
	c.JSON(http.StatusOK, gin.H{"agent_id": req.AgentID, "foreground": true})
}

// ForegroundExit lifts the agent's suppression.
func (h *Handler) ForegroundExit(c *gin.Context) {
	var req ForegroundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorJSON(c, http.StatusBadRequest, models.ErrCodeInvalidRequest, "Invalid request")
		return
	}
	h.syncs.ForegroundExit(req.AgentID)
	c.JSON(http.StatusOK, gin.H{"agent_id": req.AgentID, "foreground": false})
}

// Health is the liveness endpoint.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
