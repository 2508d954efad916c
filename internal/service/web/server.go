package web

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"rotaproxy/internal/metrics"
	"rotaproxy/internal/shared/logger"
	"rotaproxy/internal/shared/types"
)

const statsBroadcastInterval = 5 * time.Second

// basicAuthMiddleware enforces HTTP Basic Authentication when a user and
// password are configured; otherwise the handler passes through.
func basicAuthMiddleware(next http.Handler, user, pass string) http.Handler {
	if user == "" || pass == "" {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || u != user || p != pass {
			w.Header().Set("WWW-Authenticate", `Basic realm="Restricted"`)
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte("Unauthorized.\n"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// StartServer launches the observability web server and the stats
// broadcast loop. Disabled when the configured port is 0.
func StartServer(
	wg *sync.WaitGroup,
	cfg *types.Config,
	pool PoolController,
	collector *metrics.Collector,
	hub *Hub,
	sourcesPath string,
	stop <-chan struct{},
) {
	l := logger.WithComponent("WebServer")
	if cfg.WebConf.Port <= 0 {
		l.Info().Msg("Web server is disabled (port is 0 or not set).")
		return
	}

	handler := NewHandler(pool, sourcesPath)
	mux := http.NewServeMux()

	webUser := cfg.WebConf.User
	webPassword := cfg.WebConf.Password

	// Mutating APIs sit behind auth when it is configured.
	mux.Handle("/api/acquire", basicAuthMiddleware(http.HandlerFunc(handler.HandleAcquire), webUser, webPassword))
	mux.Handle("/api/report", basicAuthMiddleware(http.HandlerFunc(handler.HandleReport), webUser, webPassword))
	mux.Handle("/api/import", basicAuthMiddleware(http.HandlerFunc(handler.HandleImport), webUser, webPassword))
	mux.Handle("/api/revalidate", basicAuthMiddleware(http.HandlerFunc(handler.HandleRevalidate), webUser, webPassword))
	mux.Handle("/api/proxies", basicAuthMiddleware(http.HandlerFunc(handler.HandleProxies), webUser, webPassword))

	// Read-only observability endpoints are public.
	mux.HandleFunc("/api/stats", handler.HandleStats)
	if collector != nil {
		mux.Handle("/metrics", collector.Handler())
	}
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		ServeWs(hub, w, r)
	})

	go hub.Run()

	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(statsBroadcastInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				hub.BroadcastStats(&DashboardStats{
					Timestamp:    time.Now(),
					Pool:         pool.Stats(),
					ManagerState: pool.State().String(),
				})
			case <-stop:
				return
			}
		}
	}()

	addr := fmt.Sprintf(":%d", cfg.WebConf.Port)
	l.Info().Str("addr", addr).Msg("Web server listening.")
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			l.Error().Err(err).Msg("Web server exited.")
		}
	}()
}
