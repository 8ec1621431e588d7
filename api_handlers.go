package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"streamfox/work/config"
	"streamfox/work/controller"
	"streamfox/work/journal"
	"streamfox/work/logger"
	"streamfox/work/middleware"
	"streamfox/work/player"
	"streamfox/work/pool"
	"streamfox/work/utils"

	"github.com/gorilla/mux"
	"golang.org/x/crypto/bcrypt"
)

// application bundles the long-lived components the API handlers read from
// or act on.
type application struct {
	cfg       *config.Config
	pool      *pool.EndpointPool
	ctrl      *controller.Controller
	journal   *journal.Journal
	player    *player.Player
	startTime time.Time
}

// StatusResponse is the operational snapshot served by /api/status: what the
// controller is doing, how the pool looks, and basic process health for
// monitoring and debugging.
type StatusResponse struct {
	State          string  `json:"state"`
	PoolSize       int     `json:"poolSize"`
	MinPoolSize    int     `json:"minPoolSize"`
	NeedsRefill    bool    `json:"needsRefill"`
	BestEndpoint   string  `json:"bestEndpoint,omitempty"`
	BestScore      float64 `json:"bestScore,omitempty"`
	Player         string  `json:"player"`
	Continuous     bool    `json:"continuous"`
	Uptime         string  `json:"uptime"`
	MemoryUsage    string  `json:"memoryUsage"`
	GoroutineCount int     `json:"goroutineCount"`
	Version        string  `json:"version"`
}

// EndpointInfo is one pool entry in the /api/endpoints listing, ranked by
// quality score.
type EndpointInfo struct {
	URL   string  `json:"url"`
	Score float64 `json:"score"`
}

// EndpointsResponse lists the current pool contents and, when the journal is
// enabled, the endpoints that have been marked failed.
type EndpointsResponse struct {
	Healthy []EndpointInfo  `json:"healthy"`
	Failed  []journal.Entry `json:"failed,omitempty"`
}

// setupAPIRoutes registers the status and admin endpoints. Read-only routes
// are open; mutating routes require basic auth against the configured bcrypt
// hash and are disabled entirely when no hash is set.
func setupAPIRoutes(router *mux.Router, app *application) {
	router.HandleFunc("/healthz", handleHealthz).Methods("GET")
	router.HandleFunc("/api/status", corsMiddleware(middleware.GzipFunc(handleStatus(app)))).Methods("GET", "OPTIONS")
	router.HandleFunc("/api/endpoints", corsMiddleware(middleware.GzipFunc(handleGetEndpoints(app)))).Methods("GET", "OPTIONS")
	router.HandleFunc("/api/endpoints", corsMiddleware(app.requireAuth(handleAddEndpoints(app)))).Methods("POST", "OPTIONS")
	router.HandleFunc("/api/endpoints/revive", corsMiddleware(app.requireAuth(handleReviveEndpoint(app)))).Methods("POST", "OPTIONS")
	router.HandleFunc("/api/stop", corsMiddleware(app.requireAuth(handleStop(app)))).Methods("POST", "OPTIONS")
}

// corsMiddleware adds CORS headers for browser-based dashboards and answers
// preflight requests.
func corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next(w, r)
	}
}

// requireAuth gates mutating routes behind HTTP basic auth. The password is
// compared against the configured bcrypt hash; the username is ignored. With
// no hash configured the route is refused outright rather than left open.
func (app *application) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if app.cfg.AdminPasswordHash == "" {
			http.Error(w, "admin API disabled: no password configured", http.StatusForbidden)
			return
		}

		_, password, ok := r.BasicAuth()
		if !ok || bcrypt.CompareHashAndPassword([]byte(app.cfg.AdminPasswordHash), []byte(password)) != nil {
			w.Header().Set("WWW-Authenticate", `Basic realm="streamfox admin"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		next(w, r)
	}
}

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func handleStatus(app *application) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		var memStats runtime.MemStats
		runtime.ReadMemStats(&memStats)

		resp := StatusResponse{
			State:          app.ctrl.State().String(),
			PoolSize:       app.pool.Size(),
			MinPoolSize:    app.cfg.MinPoolSize,
			NeedsRefill:    app.pool.NeedsRefill(),
			Player:         app.player.Command(),
			Continuous:     app.cfg.Continuous,
			Uptime:         time.Since(app.startTime).Round(time.Second).String(),
			MemoryUsage:    fmt.Sprintf("%.1f MB", float64(memStats.Alloc)/1024/1024),
			GoroutineCount: runtime.NumGoroutine(),
			Version:        Version,
		}
		if best, ok := app.pool.BestQualityEndpoint(); ok {
			resp.BestEndpoint = utils.LogURL(app.cfg.ObfuscateUrls, best)
			resp.BestScore = app.pool.GetQualityScore(best)
		}

		json.NewEncoder(w).Encode(resp)
	}
}

func handleGetEndpoints(app *application) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		var resp EndpointsResponse
		for _, ranked := range app.pool.RankedEndpoints() {
			resp.Healthy = append(resp.Healthy, EndpointInfo{
				URL:   utils.LogURL(app.cfg.ObfuscateUrls, ranked.URL),
				Score: ranked.Score,
			})
		}

		if app.journal != nil {
			entries, err := app.journal.List()
			if err != nil {
				logger.Error("failed to list journal entries: %v", err)
			} else {
				for i := range entries {
					entries[i].URL = utils.LogURL(app.cfg.ObfuscateUrls, entries[i].URL)
				}
				resp.Failed = entries
			}
		}

		json.NewEncoder(w).Encode(resp)
	}
}

// handleAddEndpoints admits caller-supplied URLs into the pool. They go
// through the same reachability gate as crawled endpoints; the response
// reports how many actually made it in.
func handleAddEndpoints(app *application) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		var request struct {
			URLs []string `json:"urls"`
		}
		if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
			http.Error(w, "Invalid JSON", http.StatusBadRequest)
			return
		}
		if len(request.URLs) == 0 {
			http.Error(w, "No URLs provided", http.StatusBadRequest)
			return
		}

		admitted := app.pool.AddEndpoints(request.URLs)
		logger.Info("admin added %d/%d endpoint(s) to pool", admitted, len(request.URLs))

		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":   "success",
			"admitted": admitted,
			"poolSize": app.pool.Size(),
		})
	}
}

// handleReviveEndpoint clears an endpoint's failure record and attempts to
// re-admit it to the pool.
func handleReviveEndpoint(app *application) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		var request struct {
			URL string `json:"url"`
		}
		if err := json.NewDecoder(r.Body).Decode(&request); err != nil || request.URL == "" {
			http.Error(w, "Invalid JSON", http.StatusBadRequest)
			return
		}

		if app.journal != nil {
			if err := app.journal.Revive(request.URL); err != nil {
				logger.Debug("journal revive: %v", err)
			}
		}

		// Clear the in-memory failure first, then re-admit through the normal
		// probe gate.
		app.pool.Revive(request.URL)
		admitted := app.pool.AddEndpoints([]string{request.URL})
		logger.Info("endpoint revived (admitted=%d): %s",
			admitted, utils.LogURL(app.cfg.ObfuscateUrls, request.URL))

		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":   "success",
			"admitted": admitted,
		})
	}
}

// handleStop requests a graceful controller shutdown, same as SIGTERM.
func handleStop(app *application) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		app.ctrl.Stop()

		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":  "success",
			"message": "stop requested",
		})
	}
}
