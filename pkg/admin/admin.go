// Package admin exposes a read-only HTTP observability surface over a
// running Coordinator: health, a hand-rolled Prometheus text exporter, and
// the current device roster.
package admin

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/apq-labscript/runcoord/pkg/coordinator"
)

// Server serves the observability endpoints over HTTP.
type Server struct {
	coord     *coordinator.Coordinator
	router    *chi.Mux
	startTime time.Time
}

// New builds an admin Server backed by coord. Call Handler to mount it, or
// ListenAndServe to run it standalone.
func New(coord *coordinator.Coordinator) *Server {
	s := &Server{coord: coord, router: chi.NewRouter(), startTime: time.Now()}
	s.router.Use(middleware.Recoverer)
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Get("/metrics", s.handleMetrics)
	s.router.Get("/devices", s.handleDevices)
	return s
}

// Handler returns the routed http.Handler, for mounting inside a larger
// router or a test server.
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe runs the admin surface standalone on addr.
func (s *Server) ListenAndServe(addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.router}
	return srv.ListenAndServe()
}

type healthResponse struct {
	Phase     string  `json:"phase"`
	UptimeSec float64 `json:"uptime_seconds"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	resp := healthResponse{
		Phase:     s.coord.Phase().String(),
		UptimeSec: time.Since(s.startTime).Seconds(),
	}
	_ = json.NewEncoder(w).Encode(resp)
}

type deviceResponse struct {
	Name  string `json:"name"`
	Phase string `json:"phase"`
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	devices := s.coord.Devices()
	out := make([]deviceResponse, len(devices))
	for i, d := range devices {
		out[i] = deviceResponse{Name: d.Name, Phase: d.Phase.String()}
	}
	_ = json.NewEncoder(w).Encode(out)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	devices := s.coord.Devices()
	counts := map[string]int{}
	for _, d := range devices {
		counts[d.Phase.String()]++
	}

	fmt.Fprintln(w, "# HELP runcoord_uptime_seconds Seconds since the coordinator started.")
	fmt.Fprintln(w, "# TYPE runcoord_uptime_seconds gauge")
	fmt.Fprintf(w, "runcoord_uptime_seconds %f\n", time.Since(s.startTime).Seconds())

	fmt.Fprintln(w, "# HELP runcoord_devices_total Registered devices by last-reported local phase.")
	fmt.Fprintln(w, "# TYPE runcoord_devices_total gauge")
	for _, ph := range []string{"MANUAL", "BUFFERED", "RUNNING", "FINISHED", "READY"} {
		fmt.Fprintf(w, "runcoord_devices_total{phase=%q} %d\n", ph, counts[ph])
	}
}
