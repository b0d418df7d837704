// Command tool-echo is a stand-in upstream for catalog tools. It answers
// POST /execute with the invocation it received, so a local toolgate can
// route HTTP tools somewhere without a real backend.
package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"toolgate/pkg/config"
	"toolgate/pkg/engine"
	"toolgate/pkg/httpx"
	"toolgate/pkg/logging"
	"toolgate/pkg/telemetry"
)

const serviceName = "tool-echo"

// Testable variables for main()
var (
	logFatalf       = log.Fatalf
	initTelemetryFn = telemetry.Init
	listenFn        = func(server *http.Server) error { return server.ListenAndServe() }
)

func main() {
	if err := runToolEcho(config.FromEnv(), initTelemetryFn, listenFn); err != nil {
		logFatalf("server error: %v", err)
	}
}

type echoParams struct {
	Fail    bool `json:"fail"`
	DelayMS int  `json:"delay_ms"`
}

type echoResponse struct {
	Status     string          `json:"status"`
	Tool       string          `json:"tool"`
	DecisionID string          `json:"decision_id,omitempty"`
	Echo       json.RawMessage `json:"echo,omitempty"`
}

func handleExecute(logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var inv engine.Invocation
		if err := json.NewDecoder(r.Body).Decode(&inv); err != nil {
			httpx.Error(w, http.StatusBadRequest, "invalid invocation")
			return
		}
		var params echoParams
		if len(inv.Params) > 0 {
			_ = json.Unmarshal(inv.Params, &params)
		}
		if params.DelayMS > 0 {
			select {
			case <-time.After(time.Duration(params.DelayMS) * time.Millisecond):
			case <-r.Context().Done():
				return
			}
		}
		if params.Fail {
			logger.Info("simulated failure", zap.String("tool", inv.Tool), zap.String("decision_id", inv.DecisionID))
			httpx.Error(w, http.StatusInternalServerError, "simulated failure")
			return
		}
		httpx.WriteJSON(w, http.StatusOK, echoResponse{
			Status:     "ok",
			Tool:       inv.Tool,
			DecisionID: inv.DecisionID,
			Echo:       inv.Params,
		})
	}
}

func runToolEcho(
	cfg config.Config,
	initTelemetry func(context.Context, string, *zap.Logger) (func(context.Context) error, error),
	listen func(*http.Server) error,
) error {
	if initTelemetry == nil {
		initTelemetry = telemetry.Init
	}
	if listen == nil {
		listen = func(server *http.Server) error { return server.ListenAndServe() }
	}
	logger, err := logging.New(cfg.LogLevel, cfg.Environment)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	shutdown, err := initTelemetry(context.Background(), serviceName, logger)
	if err != nil {
		return err
	}
	defer func() { _ = shutdown(context.Background()) }()

	server := &http.Server{
		Addr:              config.Env("TOOL_ECHO_ADDR", ":8085"),
		Handler:           routes(logger),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}
	logger.Info("tool-echo listening", zap.String("addr", server.Addr))
	return listen(server)
}

func routes(logger *zap.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(telemetry.HTTPMiddleware(serviceName))
	r.Use(httpx.RequestLogger(logger))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": serviceName})
	})
	r.Post("/execute", handleExecute(logger))
	return r
}
