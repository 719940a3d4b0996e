package admin

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// realmInfo is the per-realm slice of the GET /api/info response.
type realmInfo struct {
	VirtualPath       string `json:"virtual_path"`
	RealmVersion      int64  `json:"realm_version"`
	SyncVersion       int64  `json:"sync_version"`
	BlockedBytes      int64  `json:"blocked_bytes"`
	SessionCount      int    `json:"session_count"`
	HasWorkInProgress bool   `json:"has_work_in_progress"`
	DeletionOngoing   bool   `json:"deletion_ongoing"`
}

type infoResponse struct {
	Version    string      `json:"version"`
	UptimeSecs float64     `json:"uptime_seconds"`
	OpenRealms int         `json:"open_realms"`
	Realms     []realmInfo `json:"realms"`
}

// serverVersion is overridden at build time via -ldflags; "dev" otherwise.
var serverVersion = "dev"

func (a *Admin) handleInfo(w http.ResponseWriter, r *http.Request) {
	files := a.server.All()
	resp := infoResponse{
		Version:    serverVersion,
		UptimeSecs: a.server.Uptime().Seconds(),
		OpenRealms: len(files),
		Realms:     make([]realmInfo, 0, len(files)),
	}
	for _, f := range files {
		st := f.Stats()
		resp.Realms = append(resp.Realms, realmInfo{
			VirtualPath:       st.VirtualPath,
			RealmVersion:      int64(st.RealmVersion),
			SyncVersion:       int64(st.SyncVersion.Version),
			BlockedBytes:      st.BlockedBytes,
			SessionCount:      st.SessionCount,
			HasWorkInProgress: st.HasWorkInProgress,
			DeletionOngoing:   st.DeletionOngoing,
		})
	}
	ok(w, resp)
}

func (a *Admin) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ok(w, map[string]string{"status": "healthy"})
}

func (a *Admin) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if a.server.Uptime() <= 0 {
		fail(w, http.StatusServiceUnavailable, "server not yet started")
		return
	}
	ok(w, map[string]string{"status": "ready"})
}

// handleCompactAll triggers compaction on every open realm, reporting 503
// if any of them already has work in progress.
func (a *Admin) handleCompactAll(w http.ResponseWriter, r *http.Request) {
	files := a.server.All()
	for _, f := range files {
		if f.Stats().HasWorkInProgress {
			fail(w, http.StatusServiceUnavailable, "compaction already in progress for "+f.VirtualPath())
			return
		}
	}
	for _, f := range files {
		f.InitiateCompaction()
	}
	ok(w, map[string]int{"realms_compacted": len(files)})
}

// handleCompactOne triggers compaction on the single realm named by the
// wildcard remainder of the route path.
func (a *Admin) handleCompactOne(w http.ResponseWriter, r *http.Request) {
	vpath := chi.URLParam(r, "*")
	f, found := a.server.Lookup(vpath)
	if !found {
		fail(w, http.StatusNotFound, "no such realm: "+vpath)
		return
	}
	if f.Stats().HasWorkInProgress {
		fail(w, http.StatusServiceUnavailable, "compaction already in progress for "+vpath)
		return
	}
	f.InitiateCompaction()
	ok(w, map[string]string{"virtual_path": vpath})
}

// handleDeleteRealm initiates deletion of the named realm and blocks until
// the coordinator has fully torn it down before responding 200.
func (a *Admin) handleDeleteRealm(w http.ResponseWriter, r *http.Request) {
	vpath := chi.URLParam(r, "*")
	f, found := a.server.Lookup(vpath)
	if !found {
		fail(w, http.StatusNotFound, "no such realm: "+vpath)
		return
	}
	done := f.InitiateDeletion()
	select {
	case <-done:
		ok(w, map[string]string{"virtual_path": vpath, "deleted": "true"})
	case <-r.Context().Done():
		fail(w, http.StatusGatewayTimeout, "deletion request cancelled")
	}
}

// requestLogger logs each admin request's outcome, mirroring the teacher's
// custom request-logging middleware.
func (a *Admin) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := middleware.GetReqID(r.Context())
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		a.log.Info("admin request completed",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start).String(),
		)
	})
}
