package job

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/musebot/muse/internal/validation"
)

// Event kinds dispatched through the ingestion queue.
const (
	KindConfirm = "job.confirm"
	KindResult  = "provider.result"
	KindStatus  = "job.status"
)

// ConfirmPayload is the queued payload for a job.confirm event.
type ConfirmPayload struct {
	JobID string `json:"jobId"`
}

// ResultPayload is the queued payload for a provider.result event. Ref is a
// job id or a provider task id.
type ResultPayload struct {
	Ref     string `json:"ref"`
	Success bool   `json:"success"`
	Result  string `json:"result,omitempty"`
	Error   string `json:"error,omitempty"`
}

// StatusPayload is the queued payload for a job.status event: a progress
// notification with no state change. Status events are read-only, so a
// follower may process them. Ref is a job id or a provider task id.
type StatusPayload struct {
	Ref string `json:"ref"`
}

// Enqueuer is the slice of the ingestion queue the handlers need: hand the
// event off and report whether it was accepted. The handlers ack the HTTP
// caller on acceptance, before any processing happens.
type Enqueuer interface {
	Enqueue(id, kind string, payload []byte) bool
}

// Handler provides HTTP endpoints for job operations.
type Handler struct {
	coordinator *Coordinator
	queue       Enqueuer
}

// NewHandler creates a new job handler.
func NewHandler(coordinator *Coordinator, queue Enqueuer) *Handler {
	return &Handler{coordinator: coordinator, queue: queue}
}

// RegisterRoutes sets up job routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/requests", h.CreateRequest)
	r.GET("/jobs/:id", h.GetJob)
	r.POST("/jobs/:id/confirm", h.ConfirmJob)
	r.POST("/jobs/:id/cancel", h.CancelJob)
	r.POST("/provider/callback", h.ProviderCallback)
}

// CreateRequestBody is the body for POST /v1/requests.
type CreateRequestBody struct {
	OwnerID    int64  `json:"ownerId" binding:"required"`
	Descriptor string `json:"descriptor" binding:"required"`
	Price      int64  `json:"price" binding:"required"`
}

// CreateRequest handles POST /v1/requests. Creation is synchronous (it is a
// single insert); repeated submissions with the same idempotency key return
// the same job.
func (h *Handler) CreateRequest(c *gin.Context) {
	var req CreateRequestBody
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	// Sanitize before fingerprinting so whitespace variants of the same
	// request share an idempotency key.
	req.Descriptor = validation.SanitizeString(req.Descriptor, validation.MaxDescriptorLength)
	if err := validation.ValidDescriptor(req.Descriptor); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_descriptor",
			"message": err.Error(),
		})
		return
	}

	idemKey := c.GetHeader("Idempotency-Key")
	if idemKey == "" {
		idemKey = requestFingerprint(req)
	}

	j, err := h.coordinator.CreateJob(c.Request.Context(), req.OwnerID, req.Descriptor, req.Price, idemKey)
	if err != nil {
		if errors.Is(err, ErrInvalidPrice) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_price",
				"message": "Price must be a positive number of credits",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "create_failed",
			"message": "Failed to create job",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"job": j})
}

// GetJob handles GET /v1/jobs/:id
func (h *Handler) GetJob(c *gin.Context) {
	j, err := h.coordinator.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Job not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"job": j})
}

// ConfirmJob handles POST /v1/jobs/:id/confirm. Fast-ack: the confirmation
// is queued and the caller gets 202 immediately; the worker runs
// ConfirmAndQueue and the provider submission.
func (h *Handler) ConfirmJob(c *gin.Context) {
	jobID := c.Param("id")
	payload, _ := json.Marshal(ConfirmPayload{JobID: jobID})

	if !h.queue.Enqueue("confirm:"+jobID, KindConfirm, payload) {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "queue_full",
			"message": "Server is busy, retry shortly",
		})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"status": "accepted", "jobId": jobID})
}

// CancelJob handles POST /v1/jobs/:id/cancel. Cancellation is synchronous:
// it only applies to jobs that have not started running.
func (h *Handler) CancelJob(c *gin.Context) {
	j, err := h.coordinator.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		switch {
		case errors.Is(err, ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Job not found",
			})
		case errors.Is(err, ErrInvalidTransition):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "not_cancelable",
				"message": "Job has already started or finished",
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": err.Error(),
			})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"job": j})
}

// ProviderCallbackBody is the body for POST /v1/provider/callback. Status
// distinguishes a progress ping (pending, running) from a final result; a
// final callback leaves it empty or terminal and carries Success.
type ProviderCallbackBody struct {
	EventID string `json:"eventId"`
	TaskID  string `json:"taskId"`
	JobID   string `json:"jobId"`
	Status  string `json:"status,omitempty"`
	Success bool   `json:"success"`
	Result  string `json:"result,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ProviderCallback handles POST /v1/provider/callback. Fast-ack: the
// provider gets its 2xx before any processing, so a slow database never
// makes the provider's webhook time out and re-fire.
func (h *Handler) ProviderCallback(c *gin.Context) {
	var req ProviderCallbackBody
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	ref := req.JobID
	if ref == "" {
		ref = req.TaskID
	}
	if ref == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "taskId or jobId is required",
		})
		return
	}

	// Progress pings broadcast the current job state to stream watchers.
	// They carry no result and are not deduplicated: a repeated ping is
	// harmless and the next one should not be suppressed.
	if req.Status == "pending" || req.Status == "running" {
		payload, _ := json.Marshal(StatusPayload{Ref: ref})
		h.queue.Enqueue("", KindStatus, payload)
		c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
		return
	}

	eventID := req.EventID
	if eventID == "" {
		eventID = "result:" + ref
	}

	payload, _ := json.Marshal(ResultPayload{
		Ref:     ref,
		Success: req.Success,
		Result:  req.Result,
		Error:   req.Error,
	})

	if !h.queue.Enqueue(eventID, KindResult, payload) {
		// Dropped under pressure. The fallback poller will pick the result
		// up on its next pass, so this is still a 2xx to the provider.
		c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

func requestFingerprint(req CreateRequestBody) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d|%s|%d", req.OwnerID, req.Descriptor, req.Price)))
	return hex.EncodeToString(sum[:8])
}
