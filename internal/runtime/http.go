package runtime

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/control"
	"github.com/loqalabs/loqa-scribe/internal/eventstore"
	"github.com/loqalabs/loqa-scribe/internal/presence"
	"github.com/loqalabs/loqa-scribe/internal/transcriber"
)

type sessionResponse struct {
	State      string    `json:"state"`
	Transcript string    `json:"transcript"`
	Final      bool      `json:"final"`
	SessionID  string    `json:"session_id,omitempty"`
	Generation uint64    `json:"generation"`
	Restarts   int       `json:"restarts"`
	UpdatedAt  time.Time `json:"updated_at"`
	Error      string    `json:"error,omitempty"`
	Code       string    `json:"code,omitempty"`
}

func registerSessionRoutes(mux *http.ServeMux, ctrl control.Controller, log *slog.Logger) {
	mux.HandleFunc("GET /v1/session", func(w http.ResponseWriter, _ *http.Request) {
		writeSession(w, log, http.StatusOK, ctrl.Snapshot(), nil)
	})
	mux.HandleFunc("POST /v1/session/{action}", func(w http.ResponseWriter, req *http.Request) {
		var err error
		switch req.PathValue("action") {
		case "start":
			err = ctrl.Start(req.Context())
		case "stop":
			err = ctrl.Stop(req.Context())
		case "reset":
			err = ctrl.Reset(req.Context())
		default:
			http.NotFound(w, req)
			return
		}
		status := http.StatusOK
		if err != nil {
			status = statusFor(err)
		}
		writeSession(w, log, status, ctrl.Snapshot(), err)
	})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, transcriber.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, transcriber.ErrAuthorizationDenied):
		return http.StatusForbidden
	case errors.Is(err, transcriber.ErrDeviceUnavailable),
		errors.Is(err, transcriber.ErrRecognizerUnavailable),
		errors.Is(err, transcriber.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeSession(w http.ResponseWriter, log *slog.Logger, status int, snap transcriber.Snapshot, err error) {
	resp := sessionResponse{
		State:      snap.State.String(),
		Transcript: snap.Transcript,
		Final:      snap.Final,
		SessionID:  snap.PassID,
		Generation: snap.Generation,
		Restarts:   snap.Restarts,
		UpdatedAt:  snap.UpdatedAt,
	}
	if err != nil {
		resp.Error = err.Error()
		resp.Code = control.ErrorCode(err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Warn("failed to write session response", slog.String("error", err.Error()))
	}
}

type nodeLister interface {
	Nodes(filter func(presence.NodeInfo) bool) []presence.NodeInfo
}

func registerNodeRoutes(mux *http.ServeMux, nodes nodeLister, log *slog.Logger) {
	mux.HandleFunc("GET /v1/nodes", func(w http.ResponseWriter, req *http.Request) {
		var filter func(presence.NodeInfo) bool
		if state := req.URL.Query().Get("state"); state != "" {
			filter = presence.WithState(state)
		}
		list := nodes.Nodes(filter)
		if list == nil {
			list = []presence.NodeInfo{}
		}
		writeJSON(w, log, list)
	})
}

type passResponse struct {
	SessionID   string     `json:"session_id"`
	Runtime     string     `json:"runtime,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	StoppedAt   *time.Time `json:"stopped_at,omitempty"`
	Generations uint64     `json:"generations"`
}

type eventResponse struct {
	Type       string          `json:"type"`
	Generation uint64          `json:"generation"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

func registerTimelineRoutes(mux *http.ServeMux, store *eventstore.Store, log *slog.Logger) {
	mux.HandleFunc("GET /v1/passes", func(w http.ResponseWriter, req *http.Request) {
		passes, err := store.RecentPasses(req.Context(), queryLimit(req))
		if err != nil {
			log.Error("failed to list passes", slog.String("error", err.Error()))
			http.Error(w, "timeline unavailable", http.StatusInternalServerError)
			return
		}
		out := make([]passResponse, 0, len(passes))
		for _, p := range passes {
			resp := passResponse{
				SessionID:   p.PassID,
				Runtime:     p.Runtime,
				StartedAt:   p.StartedAt,
				Generations: p.Generations,
			}
			if !p.StoppedAt.IsZero() {
				stopped := p.StoppedAt
				resp.StoppedAt = &stopped
			}
			out = append(out, resp)
		}
		writeJSON(w, log, out)
	})
	mux.HandleFunc("GET /v1/passes/{id}/events", func(w http.ResponseWriter, req *http.Request) {
		events, err := store.ListPassEvents(req.Context(), req.PathValue("id"), queryLimit(req))
		if err != nil {
			log.Error("failed to list pass events", slog.String("error", err.Error()))
			http.Error(w, "timeline unavailable", http.StatusInternalServerError)
			return
		}
		out := make([]eventResponse, 0, len(events))
		for _, e := range events {
			resp := eventResponse{Type: e.Type, Generation: e.Generation, CreatedAt: e.CreatedAt}
			if json.Valid(e.Payload) {
				resp.Payload = e.Payload
			}
			out = append(out, resp)
		}
		writeJSON(w, log, out)
	})
}

func queryLimit(req *http.Request) int {
	limit, err := strconv.Atoi(req.URL.Query().Get("limit"))
	if err != nil || limit < 0 {
		return 0
	}
	return limit
}

func writeJSON(w http.ResponseWriter, log *slog.Logger, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn("failed to write response", slog.String("error", err.Error()))
	}
}
