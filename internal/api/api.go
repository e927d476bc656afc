/*
Copyright (C) 2026 Hayai Broadcast

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package api exposes the operator-facing HTTP control surface: playlist
// mutation, playout state, as-run history and recent logs.
package api

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hayai-broadcast/hayai/internal/history"
	"github.com/hayai-broadcast/hayai/internal/logbuffer"
	"github.com/hayai-broadcast/hayai/internal/models"
	"github.com/hayai-broadcast/hayai/internal/playlist"
	"github.com/hayai-broadcast/hayai/internal/scheduler"
	"github.com/hayai-broadcast/hayai/internal/sink"
)

// API exposes HTTP handlers.
type API struct {
	list      *playlist.Model
	sched     *scheduler.Scheduler
	history   *history.Service
	out       *sink.Sink
	logBuffer *logbuffer.Buffer
	token     string
	logger    zerolog.Logger
}

// New creates the API router wrapper. An empty token disables auth.
func New(list *playlist.Model, sched *scheduler.Scheduler, hist *history.Service, out *sink.Sink, logBuf *logbuffer.Buffer, token string, logger zerolog.Logger) *API {
	return &API{
		list:      list,
		sched:     sched,
		history:   hist,
		out:       out,
		logBuffer: logBuf,
		token:     token,
		logger:    logger.With().Str("component", "api").Logger(),
	}
}

// Routes mounts all handlers on the router.
func (a *API) Routes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", a.handleHealth)

		r.Group(func(pr chi.Router) {
			pr.Use(a.authMiddleware())

			pr.Route("/playlist", func(r chi.Router) {
				r.Get("/", a.handlePlaylistGet)
				r.Post("/items", a.handleItemAdd)
				r.Post("/reorder", a.handleReorder)
				r.Route("/items/{itemID}", func(r chi.Router) {
					r.Put("/", a.handleItemReplace)
					r.Delete("/", a.handleItemRemove)
					r.Post("/skip", a.handleItemSkip)
				})
			})

			pr.Route("/playout", func(r chi.Router) {
				r.Get("/state", a.handleState)
				r.Get("/now-playing", a.handleNowPlaying)
				r.Get("/upcoming", a.handleUpcoming)
			})

			pr.Get("/history", a.handleHistoryList)
			pr.Get("/logs", a.handleLogs)
		})
	})
}

func (a *API) authMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if a.token == "" {
				next.ServeHTTP(w, r)
				return
			}
			header := r.Header.Get("Authorization")
			got, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(a.token)) != 1 {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) handlePlaylistGet(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.list.Snapshot())
}

type itemRequest struct {
	Revision int64              `json:"revision"`
	Index    *int               `json:"index,omitempty"`
	Item     models.PlayoutItem `json:"item"`
}

func (a *API) handleItemAdd(w http.ResponseWriter, r *http.Request) {
	var req itemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	if err := req.Item.Source.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_source")
		return
	}
	if req.Item.ID == "" {
		req.Item.ID = uuid.NewString()
	}
	req.Item.Status = models.StatusPending

	var (
		snap playlist.Snapshot
		err  error
	)
	if req.Index != nil {
		snap, err = a.list.Insert(req.Revision, *req.Index, req.Item)
	} else {
		snap, err = a.list.Append(req.Revision, req.Item)
	}
	if err != nil {
		a.writePlaylistError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, snap)
}

func (a *API) handleItemReplace(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "itemID")
	var req itemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	if err := req.Item.Source.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_source")
		return
	}
	snap, err := a.list.ReplaceByID(req.Revision, id, req.Item)
	if err != nil {
		a.writePlaylistError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

type revisionRequest struct {
	Revision int64 `json:"revision"`
}

func (a *API) handleItemRemove(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "itemID")
	rev, err := strconv.ParseInt(r.URL.Query().Get("revision"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "revision_required")
		return
	}
	snap, err := a.list.RemoveByID(rev, id)
	if err != nil {
		a.writePlaylistError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (a *API) handleItemSkip(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "itemID")
	var req revisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	snap, err := a.list.Skip(req.Revision, id)
	if err != nil {
		a.writePlaylistError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

type reorderRequest struct {
	Revision int64    `json:"revision"`
	Order    []string `json:"order"`
}

func (a *API) handleReorder(w http.ResponseWriter, r *http.Request) {
	var req reorderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	snap, err := a.list.Reorder(req.Revision, req.Order)
	if err != nil {
		a.writePlaylistError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (a *API) handleState(w http.ResponseWriter, r *http.Request) {
	bufDepth, dropped := a.out.Depth()
	writeJSON(w, http.StatusOK, map[string]any{
		"state":                 a.sched.State(),
		"timeline_position_sec": a.sched.Position().Seconds(),
		"output_buffer_sec":     bufDepth.Seconds(),
		"output_dropped_frames": dropped,
		"playlist_revision":     a.list.Revision(),
	})
}

func (a *API) handleNowPlaying(w http.ResponseWriter, r *http.Request) {
	item, elapsed, ok := a.sched.Current()
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{"playing": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"playing":     true,
		"item":        item,
		"elapsed_sec": elapsed.Seconds(),
	})
}

func (a *API) handleUpcoming(w http.ResponseWriter, r *http.Request) {
	n := 5
	if v := r.URL.Query().Get("n"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 1 {
			writeError(w, http.StatusBadRequest, "invalid_n")
			return
		}
		n = parsed
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": a.sched.Upcoming(n)})
}

func (a *API) handleHistoryList(w http.ResponseWriter, r *http.Request) {
	opts := history.ListOptions{
		Outcome: models.AsRunOutcome(r.URL.Query().Get("outcome")),
	}
	if v := r.URL.Query().Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_since")
			return
		}
		opts.Since = since
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_limit")
			return
		}
		opts.Limit = limit
	}

	records, err := a.history.List(r.Context(), opts)
	if err != nil {
		a.logger.Error().Err(err).Msg("history list")
		writeError(w, http.StatusInternalServerError, "db_error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": records})
}

func (a *API) handleLogs(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 1 {
			writeError(w, http.StatusBadRequest, "invalid_limit")
			return
		}
		limit = parsed
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": a.logBuffer.Recent(limit)})
}

func (a *API) writePlaylistError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrPlaylistConflict):
		writeError(w, http.StatusConflict, "revision_conflict")
	case errors.Is(err, models.ErrItemLocked):
		writeError(w, http.StatusLocked, "item_locked")
	case errors.Is(err, models.ErrUnknownID):
		writeError(w, http.StatusNotFound, "not_found")
	case errors.Is(err, models.ErrInvalidIndex):
		writeError(w, http.StatusBadRequest, "invalid_index")
	default:
		a.logger.Error().Err(err).Msg("playlist mutation")
		writeError(w, http.StatusInternalServerError, "internal_error")
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}
