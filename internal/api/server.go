package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"GeoAttest-Chain/internal/attestation"
	"GeoAttest-Chain/internal/auth"
	"GeoAttest-Chain/internal/engine"
	xerrors "GeoAttest-Chain/internal/errors"
	"GeoAttest-Chain/internal/observability/metrics"
	"GeoAttest-Chain/pkg/location"
	"GeoAttest-Chain/pkg/logger"
	"GeoAttest-Chain/pkg/plugin"
)

// PluginLister reports the registered plugins. *plugin.Registry satisfies
// it.
type PluginLister interface {
	List() []plugin.Info
}

// Server serves the REST API.
type Server struct {
	addr     string
	engine   *engine.Engine
	plugins  PluginLister
	metrics  *metrics.Metrics
	auth     *auth.Service
	maxBody  int64
	timeouts Timeouts
	log      *slog.Logger
}

// Timeouts bound the HTTP server.
type Timeouts struct {
	Read     time.Duration
	Write    time.Duration
	Shutdown time.Duration
}

// Option configures a Server.
type Option func(*Server)

// WithMetrics records request metrics and serves /metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithAuth requires API keys on the /api/v1 routes.
func WithAuth(svc *auth.Service) Option {
	return func(s *Server) { s.auth = svc }
}

// WithMaxBodyBytes caps request bodies.
func WithMaxBodyBytes(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxBody = n
		}
	}
}

// WithTimeouts sets the HTTP server timeouts.
func WithTimeouts(t Timeouts) Option {
	return func(s *Server) { s.timeouts = t }
}

// NewServer builds the API around an engine and the plugin registry.
func NewServer(addr string, eng *engine.Engine, plugins PluginLister, opts ...Option) *Server {
	s := &Server{
		addr:     addr,
		engine:   eng,
		plugins:  plugins,
		maxBody:  1 << 20,
		timeouts: Timeouts{Read: 15 * time.Second, Write: 30 * time.Second, Shutdown: 5 * time.Second},
		log:      logger.Named("api"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.route(mux, "POST /api/v1/assessments", "assessments", auth.PermissionAssess, s.handleAssess)
	s.route(mux, "GET /api/v1/plugins", "plugins", auth.PermissionRead, s.handlePlugins)
	s.route(mux, "GET /api/v1/schemas", "schemas", auth.PermissionRead, s.handleSchemas)
	s.route(mux, "POST /api/v1/attestations/decode", "decode", auth.PermissionRead, s.handleDecode)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}
	return mux
}

func (s *Server) route(mux *http.ServeMux, pattern, name, permission string, h http.HandlerFunc) {
	var handler http.Handler = h
	if s.auth.Enabled() {
		handler = s.auth.Middleware(auth.MiddlewareConfig{
			RequiredPermissions: map[string][]string{"*": {permission}},
			AuditEvent:          name,
		})(handler)
	}
	mux.Handle(pattern, s.instrument(name, handler))
}

// Start serves until ctx is cancelled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       s.timeouts.Read,
		WriteTimeout:      s.timeouts.Write,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.log.Info("api listening", slog.String("addr", s.addr))

	select {
	case <-ctx.Done():
		shutdown := s.timeouts.Shutdown
		if shutdown <= 0 {
			shutdown = 5 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdown)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// AssessRequest is the body of POST /api/v1/assessments. Attest selects an
// attestation layout: empty for none, "auto" for the layout matching the
// claim operation, or a schema kind.
type AssessRequest struct {
	Claim  location.Claim   `json:"claim"`
	Stamps []location.Stamp `json:"stamps"`
	Attest string           `json:"attest,omitempty"`
}

// AssessResponse carries the assessment and, when requested, the
// attestation or the reason it could not be produced.
type AssessResponse struct {
	Assessment       *engine.Assessment       `json:"assessment"`
	Attestation      *attestation.Attestation `json:"attestation,omitempty"`
	AttestationError *ErrorBody               `json:"attestation_error,omitempty"`
}

// ErrorBody is the JSON error envelope.
type ErrorBody struct {
	Code    xerrors.Code `json:"code"`
	Message string       `json:"message"`
}

func (s *Server) handleAssess(w http.ResponseWriter, r *http.Request) {
	if s.engine == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "engine not initialised"))
		return
	}
	var req AssessRequest
	if err := s.decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	resp, err := Process(r.Context(), s.engine, req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// Process assesses req and, when requested, attests the result. Failing to
// attest is reported in the response rather than as an error.
func Process(ctx context.Context, eng *engine.Engine, req AssessRequest) (AssessResponse, error) {
	var kind attestation.Kind
	if req.Attest != "" && req.Attest != "auto" {
		k, err := attestation.ParseKind(req.Attest)
		if err != nil {
			return AssessResponse{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "attest")
		}
		kind = k
	}

	a, err := eng.Assess(ctx, req.Claim, req.Stamps)
	if err != nil {
		return AssessResponse{}, err
	}
	resp := AssessResponse{Assessment: a}
	if req.Attest == "" {
		return resp, nil
	}
	att, err := eng.Attest(ctx, a, kind)
	switch {
	case err == nil:
		resp.Attestation = &att
	case len(att.Data) > 0:
		// Encoded but not delivered.
		resp.Attestation = &att
		resp.AttestationError = errorBody(err)
	default:
		resp.AttestationError = errorBody(err)
	}
	return resp, nil
}

func (s *Server) handlePlugins(w http.ResponseWriter, _ *http.Request) {
	infos := []plugin.Info{}
	if s.plugins != nil {
		infos = append(infos, s.plugins.List()...)
	}
	writeJSON(w, http.StatusOK, map[string]any{"plugins": infos})
}

// SchemaView is a schema with its registration UID.
type SchemaView struct {
	attestation.Schema
	UID common.Hash `json:"uid"`
}

// SchemaViews lists schemas with their UIDs.
func SchemaViews(schemas attestation.Schemas) []SchemaView {
	var views []SchemaView
	for _, schema := range schemas.All() {
		views = append(views, SchemaView{Schema: schema, UID: schema.UID()})
	}
	return views
}

func (s *Server) handleSchemas(w http.ResponseWriter, _ *http.Request) {
	if s.engine == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "engine not initialised"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"schemas": SchemaViews(s.engine.Schemas())})
}

// DecodeRequest names the layout either by kind or by schema UID.
type DecodeRequest struct {
	Schema string        `json:"schema,omitempty"`
	UID    *common.Hash  `json:"uid,omitempty"`
	Data   hexutil.Bytes `json:"data"`
}

func (s *Server) handleDecode(w http.ResponseWriter, r *http.Request) {
	var req DecodeRequest
	if err := s.decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	var kind attestation.Kind
	switch {
	case req.UID != nil:
		if s.engine == nil {
			writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "engine not initialised"))
			return
		}
		schema, ok := s.engine.Schemas().ByUID(*req.UID)
		if !ok {
			writeError(w, xerrors.New(xerrors.CodeNotFound, "no schema registered under "+req.UID.Hex()))
			return
		}
		kind = schema.Kind
	default:
		k, err := attestation.ParseKind(req.Schema)
		if err != nil {
			writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "schema"))
			return
		}
		kind = k
	}
	record, err := attestation.Decode(kind, req.Data)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"schema": kind, "record": record})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "decode request body")
	}
	return nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) instrument(name string, h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h.ServeHTTP(rec, r)
		elapsed := time.Since(start)
		if s.metrics != nil {
			s.metrics.ObserveHTTPRequest(name, r.Method, rec.status, elapsed)
		}
		s.log.Debug("request",
			slog.String("handler", name),
			slog.String("method", r.Method),
			slog.Int("status", rec.status),
			slog.Duration("elapsed", elapsed),
		)
	})
}

func statusOf(err error) int {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return http.StatusServiceUnavailable
	}
	switch xerrors.CodeOf(err) {
	case xerrors.CodeInvalidArgument:
		return http.StatusBadRequest
	case xerrors.CodeNotFound, xerrors.CodePluginNotFound:
		return http.StatusNotFound
	case xerrors.CodeSchemaMismatch, xerrors.CodeUnverifiableClaim:
		return http.StatusUnprocessableEntity
	case xerrors.CodeDuplicatePlugin:
		return http.StatusConflict
	case xerrors.CodeDeliveryFailure:
		return http.StatusBadGateway
	case xerrors.CodeTimeout:
		return http.StatusGatewayTimeout
	case xerrors.CodeInitializationFailure:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func errorBody(err error) *ErrorBody {
	code := xerrors.CodeOf(err)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		code = xerrors.CodeTimeout
	}
	return &ErrorBody{Code: code, Message: strings.TrimSpace(err.Error())}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusOf(err), map[string]*ErrorBody{"error": errorBody(err)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// withContext rejects requests once the root context is done.
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "server shutting down", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
