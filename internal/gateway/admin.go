package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/wudi/apigw/internal/endpoint"
)

type apiInfo struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Version     string    `json:"version,omitempty"`
	ContextPath string    `json:"context_path"`
	DeployedAt  time.Time `json:"deployed_at"`
	Plans       int       `json:"plans"`
	Flows       int       `json:"flows"`
}

type endpointInfo struct {
	Name           string `json:"name"`
	Group          string `json:"group"`
	Type           string `json:"type"`
	Target         any    `json:"target,omitempty"`
	Enabled        bool   `json:"enabled"`
	Healthy        bool   `json:"healthy"`
	PendingRemoval bool   `json:"pending_removal"`
	InFlight       int64  `json:"in_flight"`
}

// AdminHandler serves the node admin API. Metrics are exposed on
// metricsPath when it is set.
func (g *Gateway) AdminHandler(metricsPath string) http.Handler {
	router := httprouter.New()
	router.GET("/_node/health", g.handleHealth)
	router.GET("/_node/apis", g.handleAPIs)
	router.GET("/_node/apis/:id/endpoints", g.handleEndpoints)
	router.POST("/_node/apis/:id/endpoints/:name/enable", g.handleEndpointState(true))
	router.POST("/_node/apis/:id/endpoints/:name/disable", g.handleEndpointState(false))
	if metricsPath != "" {
		router.Handler(http.MethodGet, metricsPath, g.reporter.Handler())
	}
	return router
}

func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	status, code := "UP", http.StatusOK
	if g.drain.Draining() {
		status, code = "DRAINING", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status": status,
		"apis":   len(g.Reactors()),
	})
}

func (g *Gateway) handleAPIs(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	reactors := g.Reactors()
	out := make([]apiInfo, 0, len(reactors))
	for _, r := range reactors {
		api := r.API()
		out = append(out, apiInfo{
			ID:          api.ID,
			Name:        api.Name,
			Version:     api.Version,
			ContextPath: api.ContextPath,
			DeployedAt:  r.Info().DeployedAt,
			Plans:       len(api.Plans),
			Flows:       len(api.Flows),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (g *Gateway) handleEndpoints(w http.ResponseWriter, _ *http.Request, ps httprouter.Params) {
	r, ok := g.Reactor(ps.ByName("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "api not found")
		return
	}

	m := r.Endpoints()
	var out []endpointInfo
	for _, grp := range m.Groups() {
		for _, ep := range grp.Endpoints() {
			def := ep.Definition()
			out = append(out, endpointInfo{
				Name:           ep.Name(),
				Group:          grp.Name(),
				Type:           ep.Connector().ID(),
				Target:         def.Config["target"],
				Enabled:        ep.Enabled(),
				Healthy:        ep.Healthy(),
				PendingRemoval: m.PendingRemoval(ep.Name()),
				InFlight:       ep.InFlight(),
			})
		}
	}
	if out == nil {
		out = []endpointInfo{}
	}
	writeJSON(w, http.StatusOK, out)
}

func (g *Gateway) handleEndpointState(enable bool) httprouter.Handle {
	return func(w http.ResponseWriter, _ *http.Request, ps httprouter.Params) {
		r, ok := g.Reactor(ps.ByName("id"))
		if !ok {
			writeError(w, http.StatusNotFound, "api not found")
			return
		}

		m := r.Endpoints()
		name := ps.ByName("name")
		var err error
		if enable {
			err = m.Enable(name)
		} else {
			err = m.Disable(name)
		}
		switch {
		case errors.Is(err, endpoint.ErrNotFound):
			writeError(w, http.StatusNotFound, err.Error())
		case err != nil:
			writeError(w, http.StatusInternalServerError, err.Error())
		default:
			writeJSON(w, http.StatusOK, map[string]any{
				"name":            name,
				"enabled":         enable,
				"pending_removal": m.PendingRemoval(name),
			})
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
