package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kolapsis/llmos/internal/analyzer"
	"github.com/kolapsis/llmos/internal/events"
	"github.com/kolapsis/llmos/internal/gateway"
	"github.com/kolapsis/llmos/internal/kernel"
	"github.com/kolapsis/llmos/internal/profile"
	"github.com/kolapsis/llmos/internal/registry"
	"github.com/kolapsis/llmos/internal/storage"
)

// --- Generation ---

type generateRequest struct {
	Prompt   string `json:"prompt"`
	Force    bool   `json:"force"`
	Provider string `json:"provider"`
	Type     string `json:"type"` // iframe (default) | process | auto
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Prompt == "" {
		writeError(w, http.StatusBadRequest, "validation", errors.New("prompt is required"))
		return
	}

	appType := req.Type
	if appType == "" || appType == "auto" {
		appType = s.kernel.Router.Route(r.Context(), req.Prompt).Type
	}

	if appType == "process" {
		resp, err := s.kernel.GenerateProcessApp(r.Context(), req.Prompt)
		if err != nil {
			mapError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}

	resp, clarify, err := s.kernel.GenerateApp(r.Context(), req.Prompt, gateway.Options{
		Force:    req.Force,
		Provider: req.Provider,
	})
	if err != nil {
		mapError(w, err)
		return
	}
	if clarify != nil {
		writeJSON(w, http.StatusOK, clarify)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type analyzeRequest struct {
	Code       string `json:"code"`
	Dockerfile string `json:"dockerfile"`
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	var req analyzeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Code == "" && req.Dockerfile == "" {
		writeError(w, http.StatusBadRequest, "validation", errors.New("code or dockerfile is required"))
		return
	}

	out := map[string]any{}
	if req.Code != "" {
		out["code"] = analyzer.Analyze(req.Code)
	}
	if req.Dockerfile != "" {
		out["dockerfile"] = analyzer.AnalyzeDockerfile(req.Dockerfile)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.kernel.Status())
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	list, err := s.kernel.Events.Query(events.Filter{
		Kind:  r.URL.Query().Get("kind"),
		AppID: r.URL.Query().Get("app_id"),
		Limit: limit,
	})
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// --- Storage ---

func (s *Server) handleStorageKeys(w http.ResponseWriter, r *http.Request) {
	appID := chi.URLParam(r, "appID")
	writeJSON(w, http.StatusOK, map[string]any{
		"keys":  s.kernel.Storage.Keys(appID),
		"usage": s.kernel.Storage.Usage(appID),
	})
}

func (s *Server) handleStorageGet(w http.ResponseWriter, r *http.Request) {
	value := s.kernel.Storage.Get(chi.URLParam(r, "appID"), chi.URLParam(r, "key"))
	writeJSON(w, http.StatusOK, map[string]any{"value": value})
}

func (s *Server) handleStorageSet(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Value any `json:"value"`
	}
	if !decodeBody(w, r, &body) {
		return
	}

	result := s.kernel.Storage.Set(chi.URLParam(r, "appID"), chi.URLParam(r, "key"), body.Value)
	if !result.OK {
		if result.Error == storage.ErrQuotaExceeded.Error() {
			writeError(w, http.StatusRequestEntityTooLarge, "quota_exceeded", storage.ErrQuotaExceeded)
			return
		}
		writeError(w, http.StatusBadRequest, "validation", errors.New(result.Error))
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleStorageRemove(w http.ResponseWriter, r *http.Request) {
	s.kernel.Storage.Remove(chi.URLParam(r, "appID"), chi.URLParam(r, "key"))
	writeJSON(w, http.StatusOK, nil)
}

// --- Process ---

type processLaunchRequest struct {
	Hash string `json:"hash"`
}

func (s *Server) handleProcessBuild(w http.ResponseWriter, r *http.Request) {
	var req processLaunchRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if s.kernel.Process == nil {
		writeError(w, http.StatusBadRequest, "validation", errors.New("container engine not available"))
		return
	}

	entry, err := s.kernel.Registry.Get(req.Hash)
	if err != nil {
		mapError(w, err)
		return
	}
	if report := analyzer.AnalyzeDockerfile(entry.Dockerfile); !report.Passed {
		mapError(w, &kernel.ErrAnalysisBlocked{Report: report})
		return
	}

	image, err := s.kernel.Process.BuildImage(r.Context(), req.Hash, entry.Dockerfile, map[string]string{"app.main": entry.Code})
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"image": image})
}

func (s *Server) handleProcessLaunch(w http.ResponseWriter, r *http.Request) {
	var req processLaunchRequest
	if !decodeBody(w, r, &req) {
		return
	}
	info, err := s.kernel.LaunchProcess(r.Context(), req.Hash)
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleProcessStop(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AppID string `json:"app_id"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if s.kernel.Process == nil {
		writeError(w, http.StatusBadRequest, "validation", errors.New("container engine not available"))
		return
	}
	if err := s.kernel.Process.Stop(r.Context(), req.AppID); err != nil {
		mapError(w, err)
		return
	}
	s.kernel.Caps.RevokeAll(req.AppID)
	writeJSON(w, http.StatusOK, nil)
}

func (s *Server) handleProcessStatus(w http.ResponseWriter, r *http.Request) {
	if s.kernel.Process == nil {
		writeError(w, http.StatusBadRequest, "validation", errors.New("container engine not available"))
		return
	}
	info, ok := s.kernel.Process.Get(chi.URLParam(r, "appID"))
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", errors.New("process not found"))
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleProcessLogs(w http.ResponseWriter, r *http.Request) {
	if s.kernel.Process == nil {
		writeError(w, http.StatusBadRequest, "validation", errors.New("container engine not available"))
		return
	}
	tail, _ := strconv.Atoi(r.URL.Query().Get("tail"))
	logs, err := s.kernel.Process.GetLogs(r.Context(), chi.URLParam(r, "appID"), tail)
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"logs": logs})
}

func (s *Server) handleProcessList(w http.ResponseWriter, _ *http.Request) {
	if s.kernel.Process == nil {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	writeJSON(w, http.StatusOK, s.kernel.Process.List())
}

// --- Registry ---

func (s *Server) handleBrowse(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	offset, _ := strconv.Atoi(q.Get("offset"))
	limit, _ := strconv.Atoi(q.Get("limit"))
	page := s.kernel.Registry.Browse(registry.BrowseQuery{
		Offset: offset,
		Limit:  limit,
		Tag:    q.Get("tag"),
		Type:   q.Get("type"),
	})
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		writeError(w, http.StatusBadRequest, "validation", errors.New("q is required"))
		return
	}
	writeJSON(w, http.StatusOK, s.kernel.Registry.Search(query))
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	var entry registry.Entry
	if !decodeBody(w, r, &entry) {
		return
	}
	if entry.Code == "" {
		writeError(w, http.StatusBadRequest, "validation", errors.New("code is required"))
		return
	}

	// Externally published code passes the same gate as generated code.
	report := analyzer.Analyze(entry.Code)
	if !report.Passed {
		mapError(w, &kernel.ErrAnalysisBlocked{Report: report})
		return
	}

	writeJSON(w, http.StatusOK, s.kernel.Registry.Publish(entry))
}

func (s *Server) handleTags(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.kernel.Registry.Tags())
}

func (s *Server) handleRegistryStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.kernel.Registry.GetStats())
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	url := s.kernel.Cfg.Registry.CommunityURL
	if url == "" {
		writeError(w, http.StatusBadRequest, "validation", errors.New("community sync is not configured"))
		return
	}
	imported := s.kernel.Registry.SyncCommunity(r.Context(), url)
	writeJSON(w, http.StatusOK, map[string]int{"imported": imported})
}

func (s *Server) handleRecordLaunch(w http.ResponseWriter, r *http.Request) {
	if err := s.kernel.Registry.RecordLaunch(chi.URLParam(r, "hash")); err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

func (s *Server) handleGetApp(w http.ResponseWriter, r *http.Request) {
	entry, err := s.kernel.Registry.Get(chi.URLParam(r, "hash"))
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleDeleteApp(w http.ResponseWriter, r *http.Request) {
	hash := chi.URLParam(r, "hash")
	if err := s.kernel.Registry.Delete(hash); err != nil {
		mapError(w, err)
		return
	}
	s.kernel.Caps.RevokeAll(hash)
	writeJSON(w, http.StatusOK, nil)
}

func (s *Server) handleRate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Delta int `json:"delta"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Delta != 1 && body.Delta != -1 {
		writeError(w, http.StatusBadRequest, "validation", errors.New("delta must be 1 or -1"))
		return
	}
	if err := s.kernel.Registry.Rate(chi.URLParam(r, "hash"), body.Delta); err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

func (s *Server) handleUpdateSpec(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Spec string `json:"spec"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if err := s.kernel.Registry.UpdateSpec(chi.URLParam(r, "hash"), body.Spec); err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

// --- Scheduler ---

func (s *Server) handleTasks(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"tasks":     s.kernel.Scheduler.GetAll(),
		"paused":    s.kernel.Scheduler.Paused(),
		"aggregate": s.kernel.Scheduler.Aggregate(),
	})
}

type taskRequest struct {
	ID              string `json:"id"`
	IntervalMinutes int    `json:"interval_minutes"`
}

func (s *Server) handleTaskEnable(w http.ResponseWriter, r *http.Request) {
	var req taskRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.kernel.Scheduler.Enable(req.ID, time.Duration(req.IntervalMinutes)*time.Minute); err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

func (s *Server) handleTaskDisable(w http.ResponseWriter, r *http.Request) {
	var req taskRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.kernel.Scheduler.Disable(req.ID); err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

func (s *Server) handleTaskRun(w http.ResponseWriter, r *http.Request) {
	var req taskRequest
	if !decodeBody(w, r, &req) {
		return
	}
	result, err := s.kernel.Scheduler.RunNow(req.ID)
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleTaskHistory(w http.ResponseWriter, r *http.Request) {
	history, err := s.kernel.Scheduler.History(chi.URLParam(r, "id"))
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

func (s *Server) handlePause(w http.ResponseWriter, _ *http.Request) {
	s.kernel.Scheduler.Pause()
	writeJSON(w, http.StatusOK, nil)
}

func (s *Server) handleResume(w http.ResponseWriter, _ *http.Request) {
	s.kernel.Scheduler.Resume()
	writeJSON(w, http.StatusOK, nil)
}

func (s *Server) handleBreakerReset(w http.ResponseWriter, r *http.Request) {
	var req taskRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.kernel.Scheduler.ResetCircuitBreaker(req.ID); err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

// --- Profile ---

func (s *Server) handleProfileGet(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.kernel.Profile.Get())
}

func (s *Server) handleProfileUpdate(w http.ResponseWriter, r *http.Request) {
	var p profile.Profile
	if !decodeBody(w, r, &p) {
		return
	}
	if err := s.kernel.Profile.Update(&p); err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.kernel.Profile.Get())
}

func (s *Server) handleSolidify(w http.ResponseWriter, _ *http.Request) {
	if err := s.kernel.Solidify(); err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"mode": profile.ModeSolidified})
}

func (s *Server) handleEphemeral(w http.ResponseWriter, r *http.Request) {
	clearSnapshot := r.URL.Query().Get("clear") == "true"
	if err := s.kernel.Profile.GoEphemeral(clearSnapshot); err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"mode": profile.ModeEphemeral})
}

func (s *Server) handleSnapshotMeta(w http.ResponseWriter, _ *http.Request) {
	meta, err := s.kernel.Profile.SnapshotMetaInfo()
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", errors.New("no snapshot"))
		return
	}
	writeJSON(w, http.StatusOK, meta)
}
