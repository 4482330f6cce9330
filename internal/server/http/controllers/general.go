package controllers

import (
	"net/http"

	"github.com/rzbill/flostore/internal/runtime"
)

// GeneralController handles health and read index introspection.
type GeneralController struct {
	rt *runtime.Runtime
}

func NewGeneralController(rt *runtime.Runtime) *GeneralController {
	return &GeneralController{rt: rt}
}

// RegisterRoutes registers general routes with the given mux.
func (c *GeneralController) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/healthz", c.handleHealth)
	mux.HandleFunc("/v1/index/stats", c.handleIndexStats)
}

// handleHealth returns 200 OK with {"status": "ok"} if healthy, 503 otherwise.
func (c *GeneralController) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := c.rt.CheckHealth(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "not_serving")
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

// handleIndexStats reports committer state, checkpoints and cache counters.
func (c *GeneralController) handleIndexStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	st := c.rt.ReadIndex().Stats()
	writeJSON(w, statsResp{
		State:                  st.State.String(),
		LastIndexedPosition:    st.LastIndexedPosition,
		WriterCheckpoint:       c.rt.Log().WriterCheckpoint().Read(),
		ChaserPosition:         c.rt.Chaser().Position(),
		IndexPrepareCheckpoint: st.IndexPrepareCheckpoint,
		IndexCommitCheckpoint:  st.IndexCommitCheckpoint,
		CachedStreamInfo:       st.CachedStreamInfo,
		NotCachedStreamInfo:    st.NotCachedStreamInfo,
		HashCollisions:         st.HashCollisions,
		ReadersCreated:         st.ReadersCreated,
		ReadersLeased:          st.ReadersLeased,
		CommittedEventsCached:  st.CommittedEventsCached,
		CommittedEventsBytes:   st.CommittedEventsBytes,
		Subscribers:            c.rt.Bus().Subscribers(),
	})
}
