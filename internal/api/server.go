package api

import (
	"context"
	"errors"
	"fuzzhub/config"
	"fuzzhub/internal/bus"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// NewRouter mounts the REST handlers, the event stream and the metrics endpoint.
func NewRouter(h *Handler, hub *Hub, gatherer prometheus.Gatherer) *mux.Router {
	r := mux.NewRouter()
	h.RegisterRoutes(r)
	r.HandleFunc("/ws", hub.ServeWS)
	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods("GET")
	}
	return r
}

type ServerParams struct {
	fx.In

	Lc       fx.Lifecycle
	Config   *config.AppConfig
	Handler  *Handler
	Hub      *Hub
	Registry *prometheus.Registry `optional:"true"`
	Logger   *zap.Logger
}

func NewServer(p ServerParams) *http.Server {
	var gatherer prometheus.Gatherer
	if p.Registry != nil {
		gatherer = p.Registry
	}
	srv := &http.Server{
		Addr:              p.Config.HTTPAddr,
		Handler:           NewRouter(p.Handler, p.Hub, gatherer),
		ReadHeaderTimeout: 10 * time.Second,
	}

	p.Lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			ln, err := net.Listen("tcp", srv.Addr)
			if err != nil {
				return err
			}
			p.Logger.Info("Starting server", zap.String("addr", ln.Addr().String()))
			go func() {
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					p.Logger.Error("http server failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			p.Logger.Info("stopping http server")
			return srv.Shutdown(ctx)
		},
	})
	return srv
}

func asSink(h *Hub) bus.Sink { return h }

var Module = fx.Options(
	fx.Provide(
		NewHubWithLifecycle,
		fx.Annotate(asSink, fx.ResultTags(`group:"event_sinks"`)),
		NewHandler,
		NewServer,
	),
	fx.Invoke(func(*http.Server) {}),
)
