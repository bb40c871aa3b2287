package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"bgtask/config"
	"bgtask/task"
	"bgtask/tools"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failArgs struct {
	Reason string `json:"reason"`
}

func setupTestRouter(t *testing.T) (*gin.Engine, *config.Config, *tools.Dispatcher) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := config.Default()
	cfg.PollInterval = 10 * time.Millisecond
	cfg.MaxPollInterval = 20 * time.Millisecond
	cfg.DefaultWaitTimeout = 5 * time.Second
	logger, _ := test.NewNullLogger()

	reg, err := task.NewRegistry(cfg, task.WithLogger(logger))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	reg.Start(ctx)

	catalog := tools.NewCatalog()
	catalog.MustRegister(tools.Demo{Unit: 10 * time.Millisecond}.Tools()...)
	catalog.MustRegister(tools.NewTool("fail", "always fails", true, func(ctx context.Context, a failArgs) (any, error) {
		return nil, errors.New(a.Reason)
	}))
	d := tools.NewDispatcher(catalog, reg)
	return SetupRouter(d, cfg, logger), cfg, d
}

func do(router *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	var req *http.Request
	if body != "" {
		req, _ = http.NewRequest(method, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req, _ = http.NewRequest(method, path, nil)
	}
	router.ServeHTTP(w, req)
	return w
}

func submit(t *testing.T, router *gin.Engine, body string) SubmitResponse {
	t.Helper()
	w := do(router, "POST", "/api/v1/tasks", body)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	var resp SubmitResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.TaskID)
	return resp
}

func decodeResult(t *testing.T, w *httptest.ResponseRecorder) ResultResponse {
	t.Helper()
	var resp ResultResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return resp
}

func TestHandleCreateTask(t *testing.T) {
	router, _, d := setupTestRouter(t)

	resp := submit(t, router, `{"tool": "slow_calculation", "arguments": {"n": 3}}`)
	assert.Equal(t, task.StatePending, resp.Status)
	assert.True(t, strings.HasSuffix(resp.ResultURL, "/api/v1/tasks/"+resp.TaskID+"/result"))

	_, err := d.Registry().Get(context.Background(), resp.TaskID)
	assert.NoError(t, err)

	w := do(router, "GET", "/api/v1/tasks/"+resp.TaskID+"/result?wait=2s", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	result := decodeResult(t, w)
	assert.Equal(t, task.StateCompleted, result.Status)
	var calc tools.SlowCalculationResult
	require.NoError(t, json.Unmarshal(result.Result, &calc))
	assert.Equal(t, 9, calc.Result)
}

func TestHandleCreateTask_Command(t *testing.T) {
	router, _, _ := setupTestRouter(t)
	resp := submit(t, router, `{"command": "long_running_task duration=1 task_name='from command'"}`)

	w := do(router, "GET", "/api/v1/tasks/"+resp.TaskID+"/result?wait=2s", "")
	require.Equal(t, http.StatusOK, w.Code)
	var res tools.LongRunningResult
	require.NoError(t, json.Unmarshal(decodeResult(t, w).Result, &res))
	assert.Equal(t, "from command", res.TaskName)
}

func TestHandleCreateTask_Rejections(t *testing.T) {
	router, _, d := setupTestRouter(t)

	cases := []struct {
		name string
		body string
		code int
	}{
		{"empty body", "", http.StatusBadRequest},
		{"malformed json", `{"tool":`, http.StatusBadRequest},
		{"no tool", `{}`, http.StatusBadRequest},
		{"tool and command", `{"tool": "quick_task", "command": "quick_task message=hi"}`, http.StatusBadRequest},
		{"bad command", `{"command": "slow_calculation 5"}`, http.StatusBadRequest},
		{"unknown tool", `{"tool": "nope"}`, http.StatusNotFound},
		{"not task-enabled", `{"tool": "quick_task", "arguments": {"message": "hi"}}`, http.StatusBadRequest},
		{"invalid arguments", `{"tool": "fetch_data", "arguments": {"delay": 1}}`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := do(router, "POST", "/api/v1/tasks", tc.body)
			assert.Equal(t, tc.code, w.Code, w.Body.String())
		})
	}
	assert.Empty(t, d.Registry().List(), "rejected calls leave no records")
}

func TestHandleCall(t *testing.T) {
	router, _, _ := setupTestRouter(t)

	t.Run("synchronous", func(t *testing.T) {
		w := do(router, "POST", "/api/v1/call", `{"tool": "quick_task", "arguments": {"message": "hello"}}`)
		require.Equal(t, http.StatusOK, w.Code)
		var resp CallResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, "quick_task", resp.Tool)
		assert.Contains(t, string(resp.Result), "hello")
	})

	t.Run("background mode", func(t *testing.T) {
		w := do(router, "POST", "/api/v1/call", `{"tool": "slow_calculation", "arguments": {"n": 1}, "mode": "background"}`)
		assert.Equal(t, http.StatusAccepted, w.Code)
	})

	t.Run("background mode on a non-task tool", func(t *testing.T) {
		w := do(router, "POST", "/api/v1/call", `{"tool": "instant_tool", "arguments": {"message": "x"}, "mode": "background"}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, w.Body.String(), "does not support background execution")
	})

	t.Run("tool failure", func(t *testing.T) {
		w := do(router, "POST", "/api/v1/call", `{"tool": "fail", "arguments": {"reason": "no luck"}}`)
		assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
		assert.Contains(t, w.Body.String(), "no luck")
	})

	t.Run("invalid mode", func(t *testing.T) {
		w := do(router, "POST", "/api/v1/call", `{"tool": "quick_task", "mode": "eventually"}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestHandleGetTaskStatus(t *testing.T) {
	router, _, _ := setupTestRouter(t)
	resp := submit(t, router, `{"tool": "slow_calculation", "arguments": {"n": 1}}`)

	w := do(router, "GET", "/api/v1/tasks/"+resp.TaskID, "")
	require.Equal(t, http.StatusOK, w.Code)
	var rec task.Record
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rec))
	assert.Equal(t, resp.TaskID, rec.ID)
	assert.Equal(t, "slow_calculation", rec.Name)
	assert.True(t, rec.State.Valid())

	// Test Not Found
	for _, path := range []string{"/api/v1/tasks/nonexistent", "/api/v1/tasks/nonexistent/result"} {
		w = do(router, "GET", path, "")
		assert.Equal(t, http.StatusNotFound, w.Code, path)
	}
	w = do(router, "POST", "/api/v1/tasks/nonexistent/cancel", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleGetTaskResult_States(t *testing.T) {
	router, _, _ := setupTestRouter(t)

	t.Run("not ready then cancelled", func(t *testing.T) {
		resp := submit(t, router, `{"tool": "slow_calculation", "arguments": {"n": 1000}}`)

		w := do(router, "GET", "/api/v1/tasks/"+resp.TaskID+"/result", "")
		assert.Equal(t, http.StatusAccepted, w.Code)
		assert.Contains(t, []task.State{task.StatePending, task.StateRunning}, decodeResult(t, w).Status)

		// A short wait that expires still reports NotReady.
		w = do(router, "GET", "/api/v1/tasks/"+resp.TaskID+"/result?wait=20ms", "")
		assert.Equal(t, http.StatusAccepted, w.Code)

		w = do(router, "POST", "/api/v1/tasks/"+resp.TaskID+"/cancel", "")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"status":"cancelled"`)

		w = do(router, "GET", "/api/v1/tasks/"+resp.TaskID+"/result", "")
		assert.Equal(t, http.StatusConflict, w.Code)
		assert.Equal(t, task.StateCancelled, decodeResult(t, w).Status)

		// Cancelling again is a no-op.
		w = do(router, "POST", "/api/v1/tasks/"+resp.TaskID+"/cancel", "")
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("failed", func(t *testing.T) {
		resp := submit(t, router, `{"tool": "fail", "arguments": {"reason": "disk on fire"}}`)
		w := do(router, "GET", "/api/v1/tasks/"+resp.TaskID+"/result?wait=2s", "")
		require.Equal(t, http.StatusUnprocessableEntity, w.Code)
		result := decodeResult(t, w)
		assert.Equal(t, task.StateFailed, result.Status)
		require.NotNil(t, result.Failure)
		assert.Equal(t, task.FailureError, result.Failure.Kind)
		assert.Equal(t, "disk on fire", result.Failure.Message)
		assert.Empty(t, result.Result)
	})

	t.Run("repeatable", func(t *testing.T) {
		resp := submit(t, router, `{"tool": "slow_calculation", "arguments": {"n": 2}}`)
		first := do(router, "GET", "/api/v1/tasks/"+resp.TaskID+"/result?wait=2s", "")
		second := do(router, "GET", "/api/v1/tasks/"+resp.TaskID+"/result", "")
		require.Equal(t, http.StatusOK, first.Code)
		assert.Equal(t, first.Body.String(), second.Body.String())
	})

	t.Run("invalid wait", func(t *testing.T) {
		resp := submit(t, router, `{"tool": "slow_calculation", "arguments": {"n": 1}}`)
		w := do(router, "GET", "/api/v1/tasks/"+resp.TaskID+"/result?wait=soon", "")
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestHandleListTasksAndTools(t *testing.T) {
	router, _, _ := setupTestRouter(t)
	submit(t, router, `{"tool": "slow_calculation", "arguments": {"n": 1}}`)
	submit(t, router, `{"tool": "fetch_data", "arguments": {"source": "api", "delay": 1}}`)

	w := do(router, "GET", "/api/v1/tasks", "")
	require.Equal(t, http.StatusOK, w.Code)
	var recs []task.Record
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &recs))
	assert.Len(t, recs, 2)

	w = do(router, "GET", "/api/v1/tools", "")
	require.Equal(t, http.StatusOK, w.Code)
	var list []tools.Tool
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	names := make([]string, len(list))
	for i, tl := range list {
		names[i] = tl.Name
	}
	assert.Contains(t, names, "slow_calculation")
	assert.Contains(t, names, "instant_tool")
}

func TestHealthAndMetrics(t *testing.T) {
	router, _, _ := setupTestRouter(t)
	w := do(router, "GET", "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(router, "GET", "/metrics", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "bgtask_http_requests_total")
}

func TestBodyLimit(t *testing.T) {
	router, cfg, _ := setupTestRouter(t)
	cfg.MaxRequestSize = 64

	body := `{"tool": "quick_task", "arguments": {"message": "` + strings.Repeat("x", 200) + `"}}`
	w := do(router, "POST", "/api/v1/call", body)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestAuthMiddleware(t *testing.T) {
	router, cfg, _ := setupTestRouter(t)

	t.Run("Auth disabled", func(t *testing.T) {
		cfg.AuthEnable = false
		w := httptest.NewRecorder()
		req, _ := http.NewRequest("GET", "/api/v1/tasks", nil)
		router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("Auth enabled, no token", func(t *testing.T) {
		cfg.AuthEnable = true
		cfg.AuthKey = "secret"
		w := httptest.NewRecorder()
		req, _ := http.NewRequest("GET", "/api/v1/tasks", nil)
		router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("Auth enabled, wrong token", func(t *testing.T) {
		cfg.AuthEnable = true
		cfg.AuthKey = "secret"
		w := httptest.NewRecorder()
		req, _ := http.NewRequest("GET", "/api/v1/tasks", nil)
		req.Header.Set("Authorization", "Bearer wrong-key")
		router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("Auth enabled, correct token", func(t *testing.T) {
		cfg.AuthEnable = true
		cfg.AuthKey = "secret"
		w := httptest.NewRecorder()
		req, _ := http.NewRequest("GET", "/api/v1/tasks", nil)
		req.Header.Set("Authorization", "Bearer secret")
		router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("Health stays open", func(t *testing.T) {
		cfg.AuthEnable = true
		w := httptest.NewRecorder()
		req, _ := http.NewRequest("GET", "/health", nil)
		router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code)
	})
}
