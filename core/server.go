package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"seqthink/stream"
	"seqthink/thinking"
	localtools "seqthink/tools"
)

const (
	busyMessage        = "Another thought is currently being processed. Please wait for it to finish."
	interruptedMessage = "The thought step was interrupted. Reset the thought process and try again."
	resetMessage       = "Thought process reset."
)

type Server struct {
	orchestrator  *thinking.Orchestrator
	tool          *localtools.SequentialThinkingTool
	streams       *stream.Client
	memoryStore   *MemoryStore
	cancelManager *CancelManager
	relaySlots    *semaphore.Weighted
	config        *Config
	logger        *logrus.Logger
	started       time.Time
}

// NewServer creates a server with the generator selected by config.
func NewServer(ctx context.Context, config *Config, logger *logrus.Logger) (*Server, error) {
	logger.Info("Starting server initialization")

	streams := newStreamClient(config, logger)
	gen, err := NewGenerator(ctx, config, streams, logger)
	if err != nil {
		logger.WithError(err).Error("Failed to initialize thought generator")
		return nil, fmt.Errorf("failed to initialize thought generator: %w", err)
	}
	return newServer(config, logger, gen, streams)
}

// NewServerWithGenerator creates a server around an existing generator.
func NewServerWithGenerator(config *Config, logger *logrus.Logger, gen thinking.Generator) (*Server, error) {
	return newServer(config, logger, gen, newStreamClient(config, logger))
}

func newServer(config *Config, logger *logrus.Logger, gen thinking.Generator, streams *stream.Client) (*Server, error) {
	gate, err := thinking.NewGate(config.ThoughtEchoPattern)
	if err != nil {
		return nil, err
	}

	orchestrator, err := thinking.New(gen, gate, config.ThinkingOptions(), logger.WithField("component", "thinking"))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize orchestrator: %w", err)
	}

	tool, err := localtools.NewSequentialThinkingTool(orchestrator)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize sequentialthinking tool: %w", err)
	}

	memoryStore := NewMemoryStore(config.SessionMaxAge, config.CleanupInterval, logger.WithField("component", "memory"))
	logger.WithField("sessionMaxAge", config.SessionMaxAge).Info("Relay session store initialized")

	logger.Info("Server initialization completed successfully")
	return &Server{
		orchestrator:  orchestrator,
		tool:          tool,
		streams:       streams,
		memoryStore:   memoryStore,
		cancelManager: NewCancelManager(),
		relaySlots:    semaphore.NewWeighted(int64(config.MaxConcurrentStreams)),
		config:        config,
		logger:        logger,
		started:       time.Now(),
	}, nil
}

func newStreamClient(config *Config, logger *logrus.Logger) *stream.Client {
	return stream.NewClient(
		stream.WithTimeout(config.StreamTimeout),
		stream.WithLogger(logger.WithField("component", "stream")),
		stream.WithOutcomeHook(observeStreamOutcome),
	)
}

// Close cancels running executions and stops background work.
func (s *Server) Close() {
	cancelled := s.cancelManager.CancelAll()
	s.memoryStore.Close()
	s.logger.WithField("cancelledExecutions", cancelled).Info("Server closed")
}

// Orchestrator returns the server's orchestrator.
func (s *Server) Orchestrator() *thinking.Orchestrator {
	return s.orchestrator
}

type requestValidator struct {
	validate *validator.Validate
}

func (v *requestValidator) Validate(i any) error {
	return v.validate.Struct(i)
}

func (s *Server) requestLogger(c echo.Context, endpoint string) *logrus.Entry {
	requestID := c.Request().Header.Get(echo.HeaderXRequestID)
	if requestID == "" {
		requestID = "req_" + uuid.NewString()
	}
	return s.logger.WithFields(logrus.Fields{
		"requestId": requestID,
		"endpoint":  endpoint,
		"method":    c.Request().Method,
		"clientIP":  c.RealIP(),
	})
}

func (s *Server) handleCallTool(c echo.Context) error {
	requestLogger := s.requestLogger(c, "/call-tool")

	var req stream.ToolCallBody
	if err := c.Bind(&req); err != nil {
		requestLogger.WithError(err).Error("Failed to parse tool call body")
		return s.writeToolResponse(c, http.StatusBadRequest, errorToolResponse(StatusError, "Invalid request"))
	}
	if err := c.Validate(&req); err != nil {
		requestLogger.WithError(err).Warn("Tool call failed validation")
		return s.writeToolResponse(c, http.StatusBadRequest, errorToolResponse(StatusError, "Tool name is required"))
	}

	requestLogger = requestLogger.WithField("tool", req.Params.Name)
	if req.Params.Name != localtools.SequentialThinkingName {
		requestLogger.Warn("Unknown tool requested")
		return s.writeToolResponse(c, http.StatusNotFound, errorToolResponse(StatusError, fmt.Sprintf("Unknown tool: %s", req.Params.Name)))
	}

	result, err := s.tool.Invoke(c.Request().Context(), req.Params.Arguments)
	if err != nil {
		code, status, message := s.classifyStepError(err)
		requestLogger.WithError(err).WithField("status", status).Warn("Thought step not committed")
		return s.writeToolResponse(c, code, errorToolResponse(status, message))
	}
	observeThought(result)

	payload, err := json.Marshal(result)
	if err != nil {
		return s.writeToolResponse(c, http.StatusInternalServerError, errorToolResponse(StatusError, "Failed to encode thought"))
	}

	requestLogger.WithFields(logrus.Fields{
		"thoughtNumber": result.ThoughtNumber,
		"continue":      result.Continue,
		"fallback":      result.Fallback,
	}).Info("Thought step completed")
	return s.writeToolResponse(c, http.StatusOK, ToolResponse{
		Content: []ToolContent{{Type: "text", Text: string(payload)}},
		Status:  StatusSuccess,
	})
}

func errorToolResponse(status, message string) ToolResponse {
	return ToolResponse{
		Content: []ToolContent{{Type: "text", Text: message}},
		IsError: true,
		Status:  status,
	}
}

// writeToolResponse answers with JSON, or with one SSE frame followed by the
// sentinel when the client accepts an event stream.
func (s *Server) writeToolResponse(c echo.Context, code int, resp ToolResponse) error {
	if !strings.Contains(c.Request().Header.Get(echo.HeaderAccept), "text/event-stream") {
		return c.JSON(code, resp)
	}
	setEventStreamHeaders(c)
	c.Response().WriteHeader(code)
	data, _ := json.Marshal(resp)
	fmt.Fprintf(c.Response(), "data: %s\n\n", data)
	s.sendDone(c)
	return nil
}

// classifyStepError maps orchestrator and tool errors onto HTTP answers.
func (s *Server) classifyStepError(err error) (int, string, string) {
	switch {
	case errors.Is(err, thinking.ErrAlreadyProcessing):
		observeStepError("busy")
		return http.StatusConflict, StatusBusy, busyMessage
	case errors.Is(err, localtools.ErrInvalidArguments), errors.Is(err, thinking.ErrInvalidStep):
		observeStepError("invalid")
		return http.StatusBadRequest, StatusError, err.Error()
	case errors.Is(err, thinking.ErrOutOfOrder):
		observeStepError("out_of_order")
		return http.StatusConflict, StatusError, err.Error()
	case errors.Is(err, thinking.ErrTaskCompleted):
		observeStepError("completed")
		return http.StatusConflict, StatusError, "The thought process is complete. Start a new task with thought 1."
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		observeStepError("cancelled")
		return http.StatusServiceUnavailable, StatusError, interruptedMessage
	default:
		observeStepError("abandoned")
		return http.StatusServiceUnavailable, StatusError, interruptedMessage
	}
}

func (s *Server) handleThink(c echo.Context) error {
	requestLogger := s.requestLogger(c, "/think")

	var req ThinkRequest
	if err := c.Bind(&req); err != nil {
		requestLogger.WithError(err).Error("Failed to parse think request body")
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request"})
	}
	if err := c.Validate(&req); err != nil {
		requestLogger.WithError(err).Warn("Think request failed validation")
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Prompt is required"})
	}
	if req.TotalThoughts == 0 {
		req.TotalThoughts = s.config.MinThoughts
	}

	ctx, executionID, release := s.cancelManager.Start(c.Request().Context(), ExecutionThink)
	defer release()

	setEventStreamHeaders(c)
	s.sendStreamMessage(c, StreamMessage{Type: "execution_started", Content: executionID, ExecutionID: executionID})

	requestLogger = requestLogger.WithField("executionID", executionID)
	requestLogger.WithField("totalThoughts", req.TotalThoughts).Info("Starting thought process")
	startTime := time.Now()

	err := s.orchestrator.Run(ctx, req.Prompt, req.TotalThoughts, func(res thinking.ThoughtResult) {
		observeThought(res)
		s.sendStreamMessage(c, StreamMessage{
			Type:        "thought",
			Content:     res.Thought,
			ExecutionID: executionID,
			Details: map[string]any{
				"thoughtNumber":     res.ThoughtNumber,
				"totalThoughts":     res.TotalThoughts,
				"nextThoughtNeeded": res.NextThoughtNeeded,
				"generated":         res.Generated,
				"fallback":          res.Fallback,
				"attempts":          res.Attempts,
			},
		})
	})

	executionTime := time.Since(startTime)
	switch {
	case err == nil:
		requestLogger.WithField("executionTime", executionTime).Info("Thought process completed")
		s.sendStreamMessage(c, StreamMessage{
			Type:        "complete",
			Content:     "Thought process complete.",
			Complete:    true,
			ExecutionID: executionID,
			Details:     map[string]any{"thoughtCount": len(s.orchestrator.History())},
		})
	case c.Request().Context().Err() != nil:
		requestLogger.Info("Client disconnected during thought process")
		return nil
	case ctx.Err() != nil:
		requestLogger.Info("Thought process stopped")
		s.sendStreamMessage(c, StreamMessage{Type: "stopped", Content: "Thought process was stopped", Complete: true, ExecutionID: executionID})
	default:
		_, status, message := s.classifyStepError(err)
		requestLogger.WithError(err).WithField("executionTime", executionTime).Warn("Thought process ended early")
		s.sendStreamMessage(c, StreamMessage{
			Type:        "error",
			Content:     message,
			Complete:    true,
			ExecutionID: executionID,
			Details:     map[string]any{"status": status},
		})
	}
	s.sendDone(c)
	return nil
}

func (s *Server) handleReset(c echo.Context) error {
	s.orchestrator.Reset()
	orchestratorResets.WithLabelValues("manual").Inc()
	s.requestLogger(c, "/reset").Info("Thought process reset by client")
	return c.JSON(http.StatusOK, thinking.CompletionResult{Success: true, Message: resetMessage})
}

func (s *Server) handleForceComplete(c echo.Context) error {
	result := s.orchestrator.ForceComplete()
	s.requestLogger(c, "/force-complete").WithField("success", result.Success).Info("Force-complete requested")
	return c.JSON(http.StatusOK, result)
}

// checkStuck resets the orchestrator when a step has been holding the lock
// without activity for longer than the stuck threshold.
func (s *Server) checkStuck(requestLogger *logrus.Entry) string {
	if s.orchestrator.ResetIfStuck(s.config.StuckThreshold) {
		orchestratorResets.WithLabelValues("stuck").Inc()
		requestLogger.WithField("threshold", s.config.StuckThreshold).Warn("Stuck thought process was reset")
		return StatusResetRequired
	}
	return StatusHealthy
}

func (s *Server) handleStatus(c echo.Context) error {
	requestLogger := s.requestLogger(c, "/status")
	status := s.checkStuck(requestLogger)
	snapshot := s.orchestrator.Status()

	return c.JSON(http.StatusOK, StatusResponse{
		Status:              status,
		Uptime:              snapshot.Uptime.Seconds(),
		ThoughtCount:        snapshot.ThoughtCount,
		BranchCount:         snapshot.BranchCount,
		Processing:          snapshot.Processing,
		Completed:           snapshot.Completed,
		AvgProcessingTimeMs: snapshot.AvgProcessingTime.Milliseconds(),
		LastActivity:        snapshot.LastActivity,
		LastReset:           snapshot.LastReset,
		Memory:              s.memoryStore.SessionStats(),
		ActiveExecutions:    s.cancelManager.Active(),
		ExecutionCounts:     map[string]int{
			ExecutionRelay: s.cancelManager.Count(ExecutionRelay),
			ExecutionThink: s.cancelManager.Count(ExecutionThink),
		},
	})
}

func (s *Server) handleHealth(c echo.Context) error {
	status := s.checkStuck(s.requestLogger(c, "/health"))
	return c.JSON(http.StatusOK, map[string]any{
		"status":     status,
		"processing": s.orchestrator.Status().Processing,
		"uptime":     time.Since(s.started).Seconds(),
	})
}

func (s *Server) handleToolDefinition(c echo.Context) error {
	return c.JSON(http.StatusOK, s.tool.Definition())
}

func (s *Server) handleThoughts(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"thoughts": s.orchestrator.History(),
		"branches": s.orchestrator.Branches(),
	})
}

func (s *Server) handleStreamChat(c echo.Context) error {
	requestLogger := s.requestLogger(c, "/chat/stream")

	var req ChatRequest
	if err := c.Bind(&req); err != nil {
		requestLogger.WithError(err).Error("Failed to parse streaming request body")
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request"})
	}
	if err := c.Validate(&req); err != nil {
		requestLogger.WithError(err).Warn("Streaming request failed validation")
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Message or tool is required"})
	}

	if !s.relaySlots.TryAcquire(1) {
		requestLogger.Warn("Rejecting stream, concurrency limit reached")
		return c.JSON(http.StatusTooManyRequests, map[string]string{"error": "Too many concurrent streams"})
	}
	defer s.relaySlots.Release(1)
	activeRelays.Inc()
	defer activeRelays.Dec()

	session := s.memoryStore.GetOrCreateSession(req.SessionID)
	if req.Message != "" {
		session.AddMessage("user", req.Message)
	}

	ctx, executionID, release := s.cancelManager.Start(c.Request().Context(), ExecutionRelay)
	defer release()

	requestLogger = requestLogger.WithFields(logrus.Fields{
		"sessionID":   session.ID,
		"executionID": executionID,
	})

	var upstream stream.Request
	if req.Tool != "" {
		upstream = stream.ToolCallRequest(s.config.UpstreamURL, req.Tool, req.Arguments)
	} else {
		wordCount := req.WordCount
		if wordCount == 0 {
			wordCount = s.config.WordCount
		}
		prompt := session.BuildPrompt(req.Message, s.config.ContextLimit)
		upstream = stream.GenerateStreamRequest(s.config.UpstreamURL, prompt, wordCount)
	}

	setEventStreamHeaders(c)
	s.sendStreamMessage(c, StreamMessage{Type: "session", Content: session.ID})
	s.sendStreamMessage(c, StreamMessage{Type: "execution_started", Content: executionID, ExecutionID: executionID})

	requestLogger.WithField("tool", req.Tool).Info("Starting relay stream")
	startTime := time.Now()

	sess := s.streams.Open(ctx, upstream)
	defer sess.Close()

	var text strings.Builder
	terminated := false
	for ev := range sess.Events() {
		if !ev.IsDone {
			text.WriteString(ev.Token)
			s.sendStreamMessage(c, StreamMessage{Type: "token", Content: ev.Token, ExecutionID: executionID})
			continue
		}

		terminated = true
		if ev.Err != nil {
			kind := errorKind(ev.Err)
			requestLogger.WithError(ev.Err).WithField("errorKind", kind).Warn("Relay stream aborted")
			s.sendStreamMessage(c, StreamMessage{
				Type:        "error",
				Content:     ev.Token,
				Complete:    true,
				ExecutionID: executionID,
				ErrorKind:   kind,
			})
			break
		}

		response := text.String()
		if response != "" {
			session.AddMessage("assistant", response)
		}
		requestLogger.WithFields(logrus.Fields{
			"executionTime":  time.Since(startTime),
			"responseLength": len(response),
			"signal":         ev.Signal.String(),
			"response":       truncateForLog(response, s.config.LogTruncateLength),
		}).Info("Relay stream completed")
		s.sendStreamMessage(c, StreamMessage{
			Type:        "response",
			Content:     response,
			Complete:    true,
			ExecutionID: executionID,
			Details:     map[string]any{"signal": ev.Signal.String()},
		})
	}

	if !terminated {
		if c.Request().Context().Err() != nil {
			requestLogger.Info("Client disconnected during relay stream")
			return nil
		}
		requestLogger.Info("Relay stream stopped")
		s.sendStreamMessage(c, StreamMessage{Type: "stopped", Content: "Stream was stopped", Complete: true, ExecutionID: executionID})
	}
	s.sendDone(c)
	return nil
}

// errorKind names the failure class of an aborted stream.
func errorKind(err error) string {
	if errors.Is(err, stream.ErrTimeout) {
		return "timeout"
	}
	return "transport"
}

func (s *Server) handleStopExecution(c echo.Context) error {
	requestLogger := s.requestLogger(c, "/stop")

	var req StopRequest
	if err := c.Bind(&req); err != nil {
		requestLogger.WithError(err).Error("Failed to parse stop request body")
		return c.JSON(http.StatusBadRequest, StopResponse{Message: "Invalid request format"})
	}
	if err := c.Validate(&req); err != nil {
		requestLogger.Error("Empty execution ID in stop request")
		return c.JSON(http.StatusBadRequest, StopResponse{Message: "Execution ID is required"})
	}

	requestLogger = requestLogger.WithField("executionID", req.ExecutionID)
	if s.cancelManager.Cancel(req.ExecutionID) {
		requestLogger.Info("Execution stopped successfully")
		return c.JSON(http.StatusOK, StopResponse{Success: true, Message: "Execution stopped successfully", Stopped: true})
	}

	requestLogger.Warn("Execution not found or already completed")
	return c.JSON(http.StatusNotFound, StopResponse{Message: "Execution not found or already completed"})
}

func (s *Server) handleGetSession(c echo.Context) error {
	sessionID := c.Param("sessionId")
	session, exists := s.memoryStore.GetSession(sessionID)
	if !exists {
		s.requestLogger(c, "/sessions/:sessionId").WithField("sessionID", sessionID).Warn("Session not found")
		return c.JSON(http.StatusNotFound, map[string]string{"error": "Session not found"})
	}
	return c.JSON(http.StatusOK, session.Snapshot())
}

func (s *Server) handleDeleteSession(c echo.Context) error {
	sessionID := c.Param("sessionId")
	if !s.memoryStore.DeleteSession(sessionID) {
		s.requestLogger(c, "/sessions/:sessionId").WithField("sessionID", sessionID).Warn("Session not found for deletion")
		return c.JSON(http.StatusNotFound, map[string]string{"error": "Session not found"})
	}
	return c.JSON(http.StatusOK, map[string]any{
		"message":   "Session deleted successfully",
		"sessionId": sessionID,
	})
}

func setEventStreamHeaders(c echo.Context) {
	c.Response().Header().Set(echo.HeaderContentType, "text/event-stream")
	c.Response().Header().Set("Cache-Control", "no-cache")
	c.Response().Header().Set("Connection", "keep-alive")
}

func (s *Server) sendStreamMessage(c echo.Context, msg StreamMessage) {
	data, _ := json.Marshal(msg)
	fmt.Fprintf(c.Response(), "data: %s\n\n", data)
	c.Response().Flush()
}

func (s *Server) sendDone(c echo.Context) {
	fmt.Fprintf(c.Response(), "data: %s\n\n", stream.DoneSentinel)
	c.Response().Flush()
}

// RegisterRoutes installs the request validator and registers all routes.
func (s *Server) RegisterRoutes(e *echo.Echo) {
	s.logger.Info("Registering routes")
	e.Validator = &requestValidator{validate: validator.New()}

	// Sequential thinking
	e.POST("/call-tool", s.handleCallTool)
	e.POST("/think", s.handleThink)
	e.POST("/reset", s.handleReset)
	e.POST("/force-complete", s.handleForceComplete)
	e.GET("/status", s.handleStatus)
	e.GET("/health", s.handleHealth)
	e.GET("/tool-definition", s.handleToolDefinition)
	e.GET("/thoughts", s.handleThoughts)

	// Relay
	e.POST("/chat/stream", s.handleStreamChat)
	e.POST("/stop", s.handleStopExecution)
	e.GET("/sessions/:sessionId", s.handleGetSession)
	e.DELETE("/sessions/:sessionId", s.handleDeleteSession)

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	s.logger.Info("Routes registered successfully")
}
