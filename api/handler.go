package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"bgtask/config"
	"bgtask/task"
	"bgtask/tools"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

type Handler struct {
	dispatcher *tools.Dispatcher
	registry   *task.Registry
	cfg        *config.Config
	logger     logrus.FieldLogger
}

func NewHandler(d *tools.Dispatcher, cfg *config.Config, logger logrus.FieldLogger) *Handler {
	return &Handler{
		dispatcher: d,
		registry:   d.Registry(),
		cfg:        cfg,
		logger:     logger,
	}
}

// CallRequest names a tool either directly with arguments or as a command
// string such as `slow_calculation n=5`.
type CallRequest struct {
	Tool      string         `json:"tool" form:"tool"`
	Arguments map[string]any `json:"arguments"`
	Command   string         `json:"command" form:"command"`
	Mode      string         `json:"mode" form:"mode"`
}

func (r CallRequest) resolve() (string, map[string]any, error) {
	switch {
	case r.Command != "" && r.Tool != "":
		return "", nil, errors.New("set either tool or command, not both")
	case r.Command != "":
		return tools.ParseCommand(r.Command)
	case r.Tool != "":
		return r.Tool, r.Arguments, nil
	}
	return "", nil, errors.New("tool or command is required")
}

// SubmitResponse is returned with 202 Accepted for background calls.
type SubmitResponse struct {
	TaskID    string     `json:"taskId"`
	Status    task.State `json:"status"`
	StatusURL string     `json:"statusUrl"`
	ResultURL string     `json:"resultUrl"`
}

// CallResponse is returned for synchronous calls.
type CallResponse struct {
	Tool   string          `json:"tool"`
	Result json.RawMessage `json:"result"`
}

// ResultResponse is returned by the result endpoint. Result is set only for
// completed tasks, Failure only for failed ones.
type ResultResponse struct {
	TaskID  string          `json:"taskId"`
	Status  task.State      `json:"status"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
	Failure *task.Failure   `json:"failure,omitempty"`
}

// statusFor maps engine and dispatch errors onto HTTP status codes.
func statusFor(err error) int {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, task.ErrNotFound), errors.Is(err, tools.ErrUnknownTool):
		return http.StatusNotFound
	case errors.Is(err, tools.ErrInvalidArguments), errors.Is(err, tools.ErrTaskUnsupported), errors.Is(err, tools.ErrInvalidMode):
		return http.StatusBadRequest
	case errors.Is(err, task.ErrQueueFull), errors.Is(err, task.ErrRegistryClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, task.ErrTimeout):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func (h *Handler) abort(c *gin.Context, status int, err error) {
	_ = c.Error(err)
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}

// baseURL is the configured public base URL or one derived from the request.
func (h *Handler) baseURL(c *gin.Context) string {
	base := h.cfg.BaseURL
	if base == "" {
		scheme := "http"
		if c.Request.TLS != nil {
			scheme = "https"
		}
		base = fmt.Sprintf("%s://%s", scheme, c.Request.Host)
	}
	return strings.TrimSuffix(base, "/")
}

func (h *Handler) accepted(c *gin.Context, id string) {
	base := fmt.Sprintf("%s/api/v1/tasks/%s", h.baseURL(c), id)
	c.JSON(http.StatusAccepted, SubmitResponse{
		TaskID:    id,
		Status:    task.StatePending,
		StatusURL: base,
		ResultURL: base + "/result",
	})
}

func (h *Handler) bindCall(c *gin.Context) (CallRequest, string, map[string]any, bool) {
	var req CallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			status = http.StatusBadRequest
		}
		h.abort(c, status, fmt.Errorf("invalid request body: %w", err))
		return req, "", nil, false
	}
	name, args, err := req.resolve()
	if err != nil {
		h.abort(c, http.StatusBadRequest, err)
		return req, "", nil, false
	}
	return req, name, args, true
}

// handleCreateTask submits a background task.
func (h *Handler) handleCreateTask(c *gin.Context) {
	_, name, args, ok := h.bindCall(c)
	if !ok {
		return
	}

	handle, err := h.dispatcher.Submit(c.Request.Context(), name, args)
	if err != nil {
		h.abort(c, statusFor(err), err)
		return
	}
	h.logger.WithFields(logrus.Fields{"task_id": handle.ID(), "tool": name}).Info("Task accepted")
	h.accepted(c, handle.ID())
}

// handleCall runs a tool synchronously, or as a task when mode is background.
func (h *Handler) handleCall(c *gin.Context) {
	req, name, args, ok := h.bindCall(c)
	if !ok {
		return
	}
	mode, err := tools.ParseMode(req.Mode, tools.ModeSynchronous)
	if err != nil {
		h.abort(c, http.StatusBadRequest, err)
		return
	}

	out, err := h.dispatcher.Dispatch(c.Request.Context(), mode, name, args)
	if err != nil {
		status := statusFor(err)
		if mode == tools.ModeSynchronous && status == http.StatusInternalServerError {
			// The tool itself failed.
			status = http.StatusUnprocessableEntity
		}
		h.abort(c, status, err)
		return
	}
	if out.Handle != nil {
		h.accepted(c, out.Handle.ID())
		return
	}
	c.JSON(http.StatusOK, CallResponse{Tool: name, Result: out.Result})
}

func (h *Handler) handleListTools(c *gin.Context) {
	c.JSON(http.StatusOK, h.dispatcher.Catalog().List())
}

// handleListTasks lists all live tasks.
func (h *Handler) handleListTasks(c *gin.Context) {
	c.JSON(http.StatusOK, h.registry.List())
}

// handleGetTaskStatus returns the record of a single task.
func (h *Handler) handleGetTaskStatus(c *gin.Context) {
	rec, err := h.registry.Get(c.Request.Context(), c.Param("taskId"))
	if err != nil {
		h.abort(c, statusFor(err), err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

// handleGetTaskResult returns the outcome of a task. With ?wait=<duration>
// it first waits, up to DEFAULT_WAIT_TIMEOUT, for a terminal state.
func (h *Handler) handleGetTaskResult(c *gin.Context) {
	id := c.Param("taskId")

	var wait time.Duration
	if raw := c.Query("wait"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d < 0 {
			h.abort(c, http.StatusBadRequest, fmt.Errorf("invalid wait duration: %q", raw))
			return
		}
		wait = min(d, h.cfg.DefaultWaitTimeout)
	}

	var (
		rec task.Record
		err error
	)
	if wait > 0 {
		rec, err = h.registry.Handle(id).Wait(c.Request.Context(), wait)
		if errors.Is(err, task.ErrTimeout) {
			rec, err = h.registry.Get(c.Request.Context(), id)
		}
	} else {
		rec, err = h.registry.Get(c.Request.Context(), id)
	}
	if err != nil {
		h.abort(c, statusFor(err), err)
		return
	}

	resp := ResultResponse{TaskID: rec.ID, Status: rec.State}
	result, err := rec.Outcome()
	switch {
	case err == nil:
		resp.Result = result
		c.JSON(http.StatusOK, resp)
	case errors.Is(err, task.ErrNotReady):
		resp.Error = err.Error()
		c.JSON(http.StatusAccepted, resp)
	case errors.Is(err, task.ErrCancelled):
		resp.Error = err.Error()
		c.JSON(http.StatusConflict, resp)
	default:
		resp.Error = err.Error()
		resp.Failure = rec.Error
		c.JSON(http.StatusUnprocessableEntity, resp)
	}
}

// handleCancelTask requests cancellation. Cancelling a finished task is a
// no-op and still succeeds.
func (h *Handler) handleCancelTask(c *gin.Context) {
	id := c.Param("taskId")
	if err := h.registry.Cancel(c.Request.Context(), id); err != nil {
		h.abort(c, statusFor(err), err)
		return
	}
	rec, err := h.registry.Get(c.Request.Context(), id)
	if err != nil {
		h.abort(c, statusFor(err), err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Task cancellation requested", "taskId": id, "status": rec.State})
}
