package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/cverna/browserd/audit"
	"github.com/cverna/browserd/command"
	"github.com/cverna/browserd/event"
	"github.com/cverna/browserd/fault"
	"github.com/cverna/browserd/metrics"
	"github.com/cverna/browserd/session"
	"github.com/cverna/browserd/vision"
)

const version = "1.0.0"

type server struct {
	cfg    *Config
	log    *slog.Logger
	mgr    *session.Manager
	disp   *command.Dispatcher
	vision *vision.Client
	trail  *audit.Trail // nil when the audit db is disabled
	mx     *metrics.Metrics
}

func (s *server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(requestLogger(s.log))
	r.Use(recoverer(s.log))
	r.Use(bearerAuth(s.cfg.APIKey))

	r.Get("/", s.handleStatus)
	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", s.mx.Handler())

	r.Post("/sessions", s.handleCreateSession)
	r.Get("/sessions", s.handleListSessions)
	r.Delete("/sessions/{sid}", s.handleDeleteSession)
	r.Post("/sessions/{sid}/pages", s.handleCreatePage)
	r.Get("/sessions/{sid}/pages/{pid}/url", s.handlePageURL)

	r.Post("/pages/{pid}/command", s.handleStructuredCommand)
	r.Post("/command", s.handleLineCommand)

	r.Get("/pages/{pid}/console", s.handleConsole)
	r.Get("/pages/{pid}/network", s.handleNetwork)
	r.Get("/pages/{pid}/errors", s.handleErrors)

	r.Get("/get_screenshot/{sid}/{pid}", s.handleGetScreenshot)
	r.Post("/navigate_to", s.handleNavigateTo)
	r.Post("/screenshot_to_bounding_boxes", s.handleDetectBoxes)
	r.Post("/visualize_bounding_boxes", s.handleVisualize)

	r.Get("/audit", s.handleAuditQuery)

	return r
}

// auditLog records one operation when the trail is enabled.
func (s *server) auditLog(op, sessionID, pageID, cmd string, args any, err error, elapsed time.Duration, requestID string) {
	if s.trail == nil {
		return
	}
	e := s.trail.NewEntry(op, sessionID, pageID, cmd, args, err, elapsed)
	e.RequestID = requestID
	if err != nil {
		e.Outcome = string(fault.KindOf(err))
	}
	s.trail.LogAsync(e)
}

func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	sessions, pages := s.mgr.Counts()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "running",
		"sessions": sessions,
		"pages":    pages,
		"version":  version,
	})
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	req := struct {
		BrowserType string `json:"browser_type"`
		Headless    *bool  `json:"headless"`
	}{}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeFault(w, fault.New(fault.BadArguments, "invalid JSON body: %v", err))
		return
	}
	if req.BrowserType == "" {
		req.BrowserType = "chromium"
	}
	headless := true
	if req.Headless != nil {
		headless = *req.Headless
	}
	// HEADFUL forces visible browsers server-wide, for local debugging.
	if s.cfg.Headful {
		headless = false
	}

	started := time.Now()
	sv, err := s.mgr.CreateSession(r.Context(), req.BrowserType, headless)
	s.auditLog(audit.OpSessionCreate, sv.ID, "", "", req, err, time.Since(started), reqID(r.Context()))
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": sv.ID,
		"status":     "created",
		"headless":   sv.Headless,
	})
}

func (s *server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	views := s.mgr.ListSessions()
	sessions := make([]map[string]any, 0, len(views))
	for _, v := range views {
		pages := make([]map[string]any, 0, len(v.Pages))
		for _, pid := range v.Pages {
			pages = append(pages, s.pageSummary(r.Context(), pid))
		}
		sessions = append(sessions, map[string]any{
			"id":         v.ID,
			"created_at": v.CreatedAt.UTC().Format(time.RFC3339),
			"kind":       v.Browser,
			"headless":   v.Headless,
			"pages":      pages,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

// pageSummary reads URL and title best effort; a page that cannot answer is
// reported with sentinel strings instead of failing the listing.
func (s *server) pageSummary(ctx context.Context, pageID string) map[string]any {
	out := map[string]any{"id": pageID, "url": "unknown", "title": "unknown"}
	p, err := s.mgr.FindPage(pageID)
	if err != nil {
		return out
	}
	infoCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	info, err := p.Handle.Info(infoCtx)
	if err != nil {
		return out
	}
	out["url"] = info.URL
	out["title"] = info.Title
	return out
}

func (s *server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	sid := chi.URLParam(r, "sid")
	started := time.Now()
	err := s.mgr.DeleteSession(r.Context(), sid)
	s.auditLog(audit.OpSessionDelete, sid, "", "", nil, err, time.Since(started), reqID(r.Context()))
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "closed"})
}

func (s *server) handleCreatePage(w http.ResponseWriter, r *http.Request) {
	sid := chi.URLParam(r, "sid")
	url := r.URL.Query().Get("url")

	started := time.Now()
	pv, err := s.mgr.CreatePage(r.Context(), sid)
	s.auditLog(audit.OpPageCreate, sid, pv.ID, "", map[string]string{"url": url}, err, time.Since(started), reqID(r.Context()))
	if err != nil {
		writeFault(w, err)
		return
	}

	if url != "" {
		if _, err := s.disp.ExecuteFor(r.Context(), sid, pv.ID, command.Request{
			Command: "goto",
			Args:    []any{url},
		}); err != nil {
			// The page outlives the failed navigation; hand its ID back so
			// the client can retry on it.
			writeFault(w, fault.From(err).Clone().WithDetail("page_id", pv.ID))
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"page_id":    pv.ID,
		"session_id": sid,
	})
}

func (s *server) handlePageURL(w http.ResponseWriter, r *http.Request) {
	sid, pid := chi.URLParam(r, "sid"), chi.URLParam(r, "pid")
	p, err := s.mgr.LookupPage(sid, pid)
	if err != nil {
		writeFault(w, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	info, err := p.Handle.Info(ctx)
	if err != nil {
		writeFault(w, fault.From(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"url":   info.URL,
		"title": info.Title,
	})
}

func (s *server) handleStructuredCommand(w http.ResponseWriter, r *http.Request) {
	pid := chi.URLParam(r, "pid")
	var req command.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeFault(w, fault.New(fault.BadArguments, "invalid JSON body: %v", err))
		return
	}
	if req.Command == "" {
		writeFault(w, fault.New(fault.BadArguments, "missing field %q", "command").
			WithDetail("argument", "command"))
		return
	}

	started := time.Now()
	res, err := s.disp.Execute(r.Context(), pid, req)
	s.auditLog(audit.OpCommand, "", pid, req.Command, req.Args, err, time.Since(started), reqID(r.Context()))
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// lineResponse is the /command body shape; the inline screenshot field is
// named screenshot rather than data on this legacy route.
type lineResponse struct {
	Status     string          `json:"status"`
	Message    string          `json:"message,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Screenshot string          `json:"screenshot,omitempty"`
	URL        string          `json:"url,omitempty"`
	Path       string          `json:"path,omitempty"`
	Info       *command.Info   `json:"info,omitempty"`
}

func (s *server) handleLineCommand(w http.ResponseWriter, r *http.Request) {
	req := struct {
		SessionID string `json:"session_id"`
		PageID    string `json:"page_id"`
		Command   string `json:"command"`
	}{}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeFault(w, fault.New(fault.BadArguments, "invalid JSON body: %v", err))
		return
	}

	started := time.Now()
	res, err := s.disp.ExecuteLine(r.Context(), req.SessionID, req.PageID, req.Command)
	s.auditLog(audit.OpCommand, req.SessionID, req.PageID, req.Command, nil, err, time.Since(started), reqID(r.Context()))
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, lineResponse{
		Status:     res.Status,
		Message:    res.Message,
		Result:     res.Result,
		Screenshot: res.Data,
		URL:        res.URL,
		Path:       res.Path,
		Info:       res.Info,
	})
}

func (s *server) handleConsole(w http.ResponseWriter, r *http.Request) {
	pid := chi.URLParam(r, "pid")
	p, err := s.mgr.FindPage(pid)
	if err != nil {
		writeFault(w, err)
		return
	}

	filter := event.ConsoleFilter{
		Since:    queryTime(r, "since"),
		Until:    queryTime(r, "until"),
		Contains: r.URL.Query().Get("text_contains"),
	}
	// types accepts both repeated params and a comma list.
	if types := r.URL.Query()["types"]; len(types) > 0 {
		filter.Kinds = parseKinds(strings.Join(types, ","))
	}
	limit := queryInt(r, "limit", 100)

	logs := consoleRecords(p.Buffers.QueryConsole(filter, limit))
	writeJSON(w, http.StatusOK, map[string]any{
		"page_id":        pid,
		"logs":           logs,
		"count":          len(logs),
		"total_captured": p.Buffers.Console.Len(),
	})
}

func (s *server) handleNetwork(w http.ResponseWriter, r *http.Request) {
	pid := chi.URLParam(r, "pid")
	p, err := s.mgr.FindPage(pid)
	if err != nil {
		writeFault(w, err)
		return
	}

	filter := event.NetworkFilter{
		Since:    queryTime(r, "since"),
		Until:    queryTime(r, "until"),
		Contains: r.URL.Query().Get("url_contains"),
	}
	limit := queryInt(r, "limit", 100)

	logs := networkRecords(p.Buffers.QueryNetwork(filter, limit))
	writeJSON(w, http.StatusOK, map[string]any{
		"page_id": pid,
		"logs":    logs,
		"count":   len(logs),
	})
}

// handleErrors is the console view narrowed to warnings and errors.
func (s *server) handleErrors(w http.ResponseWriter, r *http.Request) {
	pid := chi.URLParam(r, "pid")
	p, err := s.mgr.FindPage(pid)
	if err != nil {
		writeFault(w, err)
		return
	}

	filter := event.ConsoleFilter{
		Kinds: map[event.ConsoleKind]bool{
			event.KindError:   true,
			event.KindWarning: true,
		},
	}
	limit := queryInt(r, "limit", 100)

	logs := consoleRecords(p.Buffers.QueryConsole(filter, limit))
	writeJSON(w, http.StatusOK, map[string]any{
		"page_id": pid,
		"errors":  logs,
		"count":   len(logs),
	})
}

func parseKinds(csv string) map[event.ConsoleKind]bool {
	out := make(map[event.ConsoleKind]bool)
	for _, k := range strings.Split(csv, ",") {
		if k = strings.TrimSpace(k); k != "" {
			out[event.ConsoleKind(k)] = true
		}
	}
	return out
}

func consoleRecords(events []event.ConsoleEvent) []map[string]any {
	out := make([]map[string]any, 0, len(events))
	for _, e := range events {
		rec := map[string]any{
			"timestamp": e.Time.UTC().Format(time.RFC3339Nano),
			"type":      string(e.Kind),
			"text":      e.Text,
			"args":      e.Args,
		}
		if e.Location != "" {
			rec["location"] = e.Location
		}
		out = append(out, rec)
	}
	return out
}

func networkRecords(events []event.NetworkEvent) []map[string]any {
	out := make([]map[string]any, 0, len(events))
	for _, e := range events {
		rec := map[string]any{
			"timestamp": e.Time.UTC().Format(time.RFC3339Nano),
			"method":    e.Method,
			"url":       e.URL,
			"type":      string(e.Direction),
		}
		if e.Direction == event.DirResponse {
			rec["status"] = e.Status
		}
		if e.Direction == event.DirFailed {
			rec["failure"] = e.Failure
		}
		out = append(out, rec)
	}
	return out
}

func (s *server) handleGetScreenshot(w http.ResponseWriter, r *http.Request) {
	sid, pid := chi.URLParam(r, "sid"), chi.URLParam(r, "pid")
	res, err := s.disp.ExecuteFor(r.Context(), sid, pid, command.Request{Command: "screenshot"})
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":     "success",
		"screenshot": res.Data,
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *server) handleNavigateTo(w http.ResponseWriter, r *http.Request) {
	req := struct {
		SessionID string `json:"session_id"`
		PageID    string `json:"page_id"`
		URL       string `json:"url"`
	}{}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeFault(w, fault.New(fault.BadArguments, "invalid JSON body: %v", err))
		return
	}
	if req.URL == "" {
		writeFault(w, fault.New(fault.BadArguments, "missing field %q", "url").
			WithDetail("argument", "url"))
		return
	}

	started := time.Now()
	_, err := s.disp.ExecuteFor(r.Context(), req.SessionID, req.PageID, command.Request{
		Command: "goto",
		Args:    []any{req.URL},
	})
	s.auditLog(audit.OpCommand, req.SessionID, req.PageID, "goto",
		map[string]string{"url": req.URL}, err, time.Since(started), reqID(r.Context()))
	if err != nil {
		writeFault(w, err)
		return
	}

	info, err := s.disp.ExecuteFor(r.Context(), req.SessionID, req.PageID, command.Request{Command: "get_info"})
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "success",
		"url":    info.Info.URL,
		"title":  info.Info.Title,
	})
}

func (s *server) handleAuditQuery(w http.ResponseWriter, r *http.Request) {
	if s.trail == nil {
		writeJSON(w, http.StatusOK, map[string]any{"entries": []any{}, "count": 0})
		return
	}
	f := audit.Filter{
		SessionID: r.URL.Query().Get("session_id"),
		Operation: r.URL.Query().Get("operation"),
		Outcome:   r.URL.Query().Get("outcome"),
		Limit:     queryInt(r, "limit", 100),
	}
	entries, err := s.trail.Query(r.Context(), f)
	if err != nil {
		writeFault(w, fault.From(err))
		return
	}
	out := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		out = append(out, map[string]any{
			"entry_id":    e.EntryID,
			"timestamp":   e.Timestamp.UTC().Format(time.RFC3339),
			"operation":   e.Operation,
			"session_id":  e.SessionID,
			"page_id":     e.PageID,
			"command":     e.Command,
			"outcome":     e.Outcome,
			"duration_ms": e.DurationMs,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": out, "count": len(out)})
}
