// internal/api/http/server.go
package http

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"

	"inference-horde/internal/config"
	"inference-horde/internal/domain"
	"inference-horde/internal/metrics"
	"inference-horde/internal/usecase"

	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"k8s.io/utils/clock"
)

const apiPrefix = "/api/v2"

// Services bundles the use cases the API exposes.
type Services struct {
	Intake     *usecase.IntakeService
	Matcher    *usecase.MatcherService
	Accounting *usecase.AccountingService
	Status     *usecase.StatusService
	Settings   *usecase.SettingsService
	Stats      *usecase.StatsService
	Workers    *usecase.WorkerAdminService
	Kudos      *usecase.KudosService
	SharedKeys *usecase.SharedKeyService
	Users      *usecase.UserService
}

// API 负责 /api/v2 下的所有 HTTP 请求。
type API struct {
	svc      Services
	limiter  *RateLimiter
	validate *validator.Validate
	version  string
	clock    clock.Clock
	logger   *slog.Logger
	tracer   trace.Tracer
}

func NewAPI(svc Services, rl config.RateLimitConfig, version string, clk clock.Clock, logger *slog.Logger) *API {
	return &API{
		svc:      svc,
		limiter:  NewRateLimiter(rl),
		validate: newValidator(),
		version:  version,
		clock:    clk,
		logger:   logger.With("component", "http-api"),
		tracer:   otel.Tracer("inference-horde-api"),
	}
}

// A helper struct to capture the status code
type instrumentedResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *instrumentedResponseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

// Handler builds the router with metrics, CORS and rate limiting applied.
func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())

	a.route(mux, "POST /generate/async", a.submitImage)
	a.route(mux, "POST /generate/text/async", a.submitText)
	a.route(mux, "POST /interrogate/async", a.submitInterrogation)

	a.route(mux, "GET /generate/check/{id}", a.checkStatus)
	a.route(mux, "GET /generate/status/{id}", a.fullStatus(domain.VariantImage))
	a.route(mux, "GET /generate/text/status/{id}", a.fullStatus(domain.VariantText))
	a.route(mux, "GET /interrogate/status/{id}", a.fullStatus(domain.VariantInterrogation))
	a.route(mux, "DELETE /generate/status/{id}", a.cancel(domain.VariantImage))
	a.route(mux, "DELETE /generate/text/status/{id}", a.cancel(domain.VariantText))
	a.route(mux, "DELETE /interrogate/status/{id}", a.cancel(domain.VariantInterrogation))

	a.route(mux, "POST /generate/pop", a.pop(domain.VariantImage))
	a.route(mux, "POST /generate/text/pop", a.pop(domain.VariantText))
	a.route(mux, "POST /interrogate/pop", a.pop(domain.VariantInterrogation))
	a.route(mux, "POST /generate/submit", a.submitResult)
	a.route(mux, "POST /generate/text/submit", a.submitResult)
	a.route(mux, "POST /interrogate/submit", a.submitResult)

	a.route(mux, "GET /status/heartbeat", a.heartbeat)
	a.route(mux, "GET /status/performance", a.performance)
	a.route(mux, "GET /status/modes", a.getModes)
	a.route(mux, "PUT /status/modes", a.putModes)

	a.route(mux, "GET /workers", a.listWorkers)
	a.route(mux, "GET /workers/{id}", a.getWorker)
	a.route(mux, "PUT /workers/{id}", a.updateWorker)
	a.route(mux, "DELETE /workers/{id}", a.deleteWorker)

	a.route(mux, "POST /kudos/transfer", a.transferKudos)
	a.route(mux, "POST /kudos/award", a.awardKudos)
	a.route(mux, "GET /find_user", a.findUser)

	a.route(mux, "PUT /sharedkeys", a.createSharedKey)
	a.route(mux, "GET /sharedkeys/{id}", a.getSharedKey)
	a.route(mux, "PATCH /sharedkeys/{id}", a.updateSharedKey)
	a.route(mux, "DELETE /sharedkeys/{id}", a.deleteSharedKey)

	return corsMiddleware(a.limiter.Middleware(mux))
}

// route registers pattern under the API prefix with tracing and request metrics.
func (a *API) route(mux *http.ServeMux, pattern string, h http.HandlerFunc) {
	method, path, _ := strings.Cut(pattern, " ")
	path = apiPrefix + path
	mux.Handle(method+" "+path, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := a.tracer.Start(r.Context(), "HTTP "+method+" "+path, trace.WithAttributes(
			attribute.String("http.method", method),
			attribute.String("http.target", r.URL.Path),
		))
		defer span.End()
		r = r.WithContext(ctx)

		iw := &instrumentedResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		h.ServeHTTP(iw, r)

		metrics.HttpRequestsTotal.WithLabelValues(path, method, strconv.Itoa(iw.statusCode)).Inc()
		span.SetAttributes(attribute.Int("http.status_code", iw.statusCode))
		if iw.statusCode >= 500 {
			span.SetStatus(codes.Error, "Server Error")
		}
	}))
}

// corsMiddleware lets browser clients call the API from any origin.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, PUT, PATCH, DELETE")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding, apikey, Client-Agent")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type errorBody struct {
	Message string   `json:"message"`
	RC      string   `json:"rc"`
	Reward  *float64 `json:"reward,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError renders API errors with their own status and hides everything else behind a 500.
func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error) {
	if apiErr, ok := domain.AsAPIError(err); ok {
		writeJSON(w, apiErr.Status, errorBody{Message: apiErr.Message, RC: apiErr.RC, Reward: apiErr.Reward})
		return
	}
	span := trace.SpanFromContext(r.Context())
	span.RecordError(err)
	span.SetStatus(codes.Error, "internal error")
	a.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	writeJSON(w, http.StatusInternalServerError, errorBody{Message: "internal server error", RC: "InternalServerError"})
}

// decode reads and validates a JSON body into dst. An empty body is allowed
// when the DTO has no required fields.
func (a *API) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Message: "malformed JSON body: " + err.Error(), RC: "BadRequest"})
			return false
		}
	}
	if err := a.validate.Struct(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Message: validationMessage(err), RC: "BadRequest"})
		return false
	}
	return true
}

func apiKey(r *http.Request) string {
	return r.Header.Get("apikey")
}

func clientAgent(r *http.Request) string {
	if agent := r.Header.Get("Client-Agent"); agent != "" {
		return agent
	}
	return "unknown:0:unknown"
}

// clientIP trusts the first X-Forwarded-For hop set by the load balancer.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
