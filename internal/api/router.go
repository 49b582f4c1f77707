package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/wonny/usef/backend/internal/api/handlers"
	"github.com/wonny/usef/backend/pkg/logger"
)

// Handlers groups the endpoint handlers the router serves
type Handlers struct {
	Message   *handlers.MessageHandler
	Trigger   *handlers.TriggerHandler
	Planboard *handlers.PlanboardHandler
	// Metrics serves the Prometheus registry; nil disables /metrics
	Metrics http.Handler
}

// NewRouter creates and configures the HTTP router
// ⭐ SSOT: routing is configured only in this function
func NewRouter(h Handlers, log *logger.Logger) http.Handler {
	r := mux.NewRouter()

	// Health check
	r.HandleFunc("/health", healthCheckHandler).Methods("GET")
	if h.Metrics != nil {
		r.Handle("/metrics", h.Metrics).Methods("GET")
	}

	// USEF message endpoint
	if h.Message != nil {
		r.HandleFunc("/USEF/2015/SignedMessage", h.Message.ReceiveSignedMessage).Methods("POST")
	}

	// API v1
	api := r.PathPrefix("/api").Subrouter()

	// Trigger endpoints
	if h.Trigger != nil {
		api.HandleFunc("/reoptimize/{date}", h.Trigger.ReOptimize).Methods("POST")
		api.HandleFunc("/settlement/initiate", h.Trigger.InitiateSettlement).Methods("POST")
		api.HandleFunc("/flex-orders/place", h.Trigger.PlaceFlexOrders).Methods("POST")
	}

	// Planboard endpoints
	if h.Planboard != nil {
		api.HandleFunc("/planboard/{group}/{date}", h.Planboard.GetPlanboard).Methods("GET")
		api.HandleFunc("/settlements", h.Planboard.GetSettlements).Methods("GET")
	}

	// Apply middleware
	r.Use(loggingMiddleware(log))
	r.Use(recoveryMiddleware(log))

	return r
}

// healthCheckHandler returns server health status
func healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":  "ok",
		"service": "usef-planboard",
	})
}

// statusRecorder captures the status code written by a handler
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// loggingMiddleware logs HTTP requests
func loggingMiddleware(log *logger.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			// Call next handler
			next.ServeHTTP(rec, r)

			// Log request
			log.WithFields(map[string]interface{}{
				"method":   r.Method,
				"path":     r.URL.Path,
				"status":   rec.status,
				"duration": time.Since(start),
			}).Debug("HTTP request")
		})
	}
}

// recoveryMiddleware recovers from panics
func recoveryMiddleware(log *logger.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					log.WithFields(map[string]interface{}{
						"error": err,
						"path":  r.URL.Path,
					}).Error("Panic recovered")

					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusInternalServerError)
					json.NewEncoder(w).Encode(map[string]string{
						"error": "Internal server error",
					})
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
