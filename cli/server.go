package cli

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"buildgraph.evalgo.org/coordinator"
	"buildgraph.evalgo.org/core/evaluator"
	"buildgraph.evalgo.org/core/graph"
	"buildgraph.evalgo.org/core/invalidate"
	"buildgraph.evalgo.org/core/keyvalue"
	"buildgraph.evalgo.org/core/snapshot"
	"buildgraph.evalgo.org/internal/auditlog"
	"buildgraph.evalgo.org/internal/telemetry"
)

// Server is the HTTP/WebSocket front door (§6.1): it exposes the
// evaluator's evaluate/inject/snapshot operations and a live
// diagnostic event stream to external callers, and carries the
// coordinator's change-batch acceptor at /v1/coordination. Adapted
// from the teacher's api.Handlers + cli.runServer wiring, rescoped
// from flow-process publishing/querying to graph evaluation.
type Server struct {
	graph     *graph.Graph
	evaluator *evaluator.Evaluator
	inv       *invalidate.Invalidator
	acceptor  *coordinator.Acceptor
	recorder  auditlog.Recorder
	sink      *telemetry.EventSink

	tokens      *TokenService
	tokenExpiry time.Duration
	rateLimit   float64

	logger *logrus.Entry
}

// NewServer wires a Server. recorder and sink may be nil, in which
// case invocations go unaudited and /v1/events accepts the upgrade but
// sends no events, holding the connection until the client closes it.
// rateLimit is requests/second per client
// against the /v1 group; 0 disables limiting.
func NewServer(g *graph.Graph, ev *evaluator.Evaluator, inv *invalidate.Invalidator, acceptor *coordinator.Acceptor, recorder auditlog.Recorder, sink *telemetry.EventSink, tokens *TokenService, tokenExpiry time.Duration, rateLimit float64, logger *logrus.Entry) *Server {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Server{
		graph:       g,
		evaluator:   ev,
		inv:         inv,
		acceptor:    acceptor,
		recorder:    recorder,
		sink:        sink,
		tokens:      tokens,
		tokenExpiry: tokenExpiry,
		rateLimit:   rateLimit,
		logger:      logger.WithField("component", "cli.server"),
	}
}

// Echo builds the echo.Echo instance with every route wired, mirroring
// the teacher's middleware stack (Logger/Recover/CORS) from
// cli.runServer and api.SetupRoutes' public/protected route split.
func (s *Server) Echo() *echo.Echo {
	e := echo.New()
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	e.Use(middleware.RequestID())
	e.Use(securityHeadersMiddleware)

	e.GET("/healthz", s.handleHealth)
	e.POST("/auth/token", s.issueToken)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := e.Group("/v1")
	v1.Use(s.tokens.Middleware())
	if s.rateLimit > 0 {
		v1.Use(middleware.RateLimiter(middleware.NewRateLimiterMemoryStore(rate.Limit(s.rateLimit))))
	}
	v1.POST("/evaluate", s.handleEvaluate)
	v1.POST("/inject", s.handleInject)
	v1.GET("/snapshot", s.handleSnapshot)
	v1.GET("/events", s.handleEvents)
	v1.GET("/coordination", s.handleCoordination)

	return e
}

// securityHeadersMiddleware adds the same baseline response headers as
// the teacher's http.SecurityHeadersMiddleware.
func securityHeadersMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		c.Response().Header().Set("X-Content-Type-Options", "nosniff")
		c.Response().Header().Set("X-Frame-Options", "DENY")
		return next(c)
	}
}

// healthResponse is /healthz's body, the same shape as the teacher's
// http.HealthResponse.
type healthResponse struct {
	Status     string `json:"status"`
	Service    string `json:"service"`
	GraphNodes int    `json:"graph_nodes"`
}

func (s *Server) handleHealth(c echo.Context) error {
	snap := snapshot.Capture(s.graph)
	return c.JSON(http.StatusOK, healthResponse{
		Status:     "healthy",
		Service:    "buildgraphd",
		GraphNodes: snap.Len(),
	})
}

// keyDTO is the wire form of a keyvalue.Key: every compute function in
// this system keys its payload off a plain string (a file path, a
// directory, a package name), so a two-field DTO round-trips every
// kind this service registers without a polymorphic payload encoding.
type keyDTO struct {
	Kind    string `json:"kind"`
	Payload string `json:"payload"`
}

func (k keyDTO) toKey() keyvalue.Key {
	return keyvalue.New(keyvalue.Kind(k.Kind), k.Payload)
}

// errorDTO is the wire form of keyvalue.ErrorInfo.
type errorDTO struct {
	RootCauses []string `json:"root_causes,omitempty"`
	Kind       string   `json:"kind"`
	Message    string   `json:"message"`
	Transient  bool     `json:"transient"`
}

func toErrorDTO(e *keyvalue.ErrorInfo) errorDTO {
	causes := make([]string, len(e.RootCauses))
	for i, c := range e.RootCauses {
		causes[i] = c.String()
	}
	return errorDTO{
		RootCauses: causes,
		Kind:       string(e.Kind),
		Message:    e.Message,
		Transient:  e.Transient,
	}
}

// evaluateRequest is POST /v1/evaluate's body.
type evaluateRequest struct {
	Keys      []keyDTO `json:"keys"`
	KeepGoing bool     `json:"keep_going"`
}

// evaluateResponse is POST /v1/evaluate's body.
type evaluateResponse struct {
	Values       map[string]interface{} `json:"values"`
	Errors       map[string]errorDTO    `json:"errors,omitempty"`
	Catastrophic *errorDTO              `json:"catastrophic,omitempty"`
}

// handleEvaluate runs a single Evaluate invocation over the requested
// top-level keys and records it in the audit log, matching the
// teacher's PublishMessage/GetProcess handlers' bind-validate-persist
// shape.
func (s *Server) handleEvaluate(c echo.Context) error {
	var req evaluateRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request"})
	}
	if len(req.Keys) == 0 {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "keys is required"})
	}

	topLevel := make([]keyvalue.Key, len(req.Keys))
	for i, k := range req.Keys {
		topLevel[i] = k.toKey()
	}

	started := time.Now().UTC()
	result := s.evaluator.Evaluate(c.Request().Context(), topLevel, evaluator.Options{KeepGoing: req.KeepGoing})
	finished := time.Now().UTC()

	resp := evaluateResponse{
		Values: make(map[string]interface{}, len(result.Values)),
		Errors: make(map[string]errorDTO, len(result.Errors)),
	}
	for k, v := range result.Values {
		resp.Values[k.String()] = v.Inner()
	}
	for k, errInfo := range result.Errors {
		resp.Errors[k.String()] = toErrorDTO(errInfo)
	}
	if result.Catastrophic != nil {
		dto := toErrorDTO(result.Catastrophic)
		resp.Catastrophic = &dto
	}

	if s.recorder != nil {
		outcome := "success"
		errMsg := ""
		if result.HasErrors() {
			outcome = "error"
			if result.Catastrophic != nil {
				errMsg = result.Catastrophic.Message
			}
		}
		inv := auditlog.Invocation{
			RequestedKeys: auditlog.EncodeKeys(keyStrings(topLevel)),
			KeepGoing:     req.KeepGoing,
			StartedAt:     started,
			FinishedAt:    finished,
			Outcome:       outcome,
			ErrorMessage:  errMsg,
		}
		if err := s.recorder.Record(c.Request().Context(), inv); err != nil {
			s.logger.WithError(err).Warn("failed to record invocation")
		}
	}

	return c.JSON(http.StatusOK, resp)
}

func keyStrings(keys []keyvalue.Key) []string {
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = k.String()
	}
	return out
}

// injectRequest is POST /v1/inject's body: externally-observed values
// to install, the HTTP-boundary twin of coordinator's WebSocket change
// batch.
type injectRequest struct {
	Changes []struct {
		Key   keyDTO      `json:"key"`
		Value interface{} `json:"value"`
	} `json:"changes"`
}

// injectResponse is POST /v1/inject's body.
type injectResponse struct {
	Version int64 `json:"version"`
}

func (s *Server) handleInject(c echo.Context) error {
	var req injectRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request"})
	}

	changes := make([]invalidate.Change, len(req.Changes))
	for i, ch := range req.Changes {
		changes[i] = invalidate.Change{
			Key:   ch.Key.toKey(),
			Value: keyvalue.JustValue(ch.Value),
		}
	}

	v := s.inv.Inject(changes)
	return c.JSON(http.StatusOK, injectResponse{Version: int64(v)})
}

// handleSnapshot dumps a walkable snapshot (§4.6) as JSON: every DONE
// node's value/error plus its direct and reverse dependency edges.
func (s *Server) handleSnapshot(c echo.Context) error {
	snap := snapshot.Capture(s.graph)

	type nodeDTO struct {
		Value       interface{} `json:"value,omitempty"`
		Error       *errorDTO   `json:"error,omitempty"`
		DirectDeps  []string    `json:"direct_deps,omitempty"`
		ReverseDeps []string    `json:"reverse_deps,omitempty"`
	}

	out := make(map[string]nodeDTO, snap.Len())
	for _, k := range snap.Keys() {
		value, errInfo, _ := snap.GetValue(k)
		deps, _ := snap.GetDirectDeps(k)
		rdeps, _ := snap.GetReverseDeps(k)

		dto := nodeDTO{
			DirectDeps:  keyStrings(deps),
			ReverseDeps: keyStrings(rdeps),
		}
		if errInfo != nil {
			e := toErrorDTO(errInfo)
			dto.Error = &e
		} else {
			dto.Value = value.Inner()
		}
		out[k.String()] = dto
	}

	return c.JSON(http.StatusOK, out)
}

// handleEvents upgrades to a WebSocket and streams diagnostic events
// forever, the live counterpart to internal/telemetry's Redis sink,
// for a caller that wants events without dialing in as a
// change-pushing watcher over coordinator's protocol.
func (s *Server) handleEvents(c echo.Context) error {
	conn, err := coordinator.Upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request().Context())
	defer cancel()

	// Drain client-initiated control frames (close, pings) so the
	// connection is noticed as dead promptly.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	if s.sink == nil {
		<-ctx.Done()
		return nil
	}

	events, err := s.sink.Subscribe(ctx)
	if err != nil {
		s.logger.WithError(err).Warn("failed to subscribe to diagnostic sink")
		<-ctx.Done()
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := conn.WriteJSON(ev); err != nil {
				return nil
			}
		}
	}
}

// handleCoordination upgrades to a WebSocket and hands the connection
// to the coordinator's change-batch acceptor.
func (s *Server) handleCoordination(c echo.Context) error {
	s.acceptor.ServeHTTP(c.Response(), c.Request())
	return nil
}
