package api

import (
	"context"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/phrazzld/jobfit/internal/api/shared"
	"github.com/phrazzld/jobfit/internal/events"
	"github.com/phrazzld/jobfit/internal/platform/logger"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPongTimeout  = 60 * time.Second
	wsPingInterval = wsPongTimeout * 9 / 10
)

// PollResponse is a page of buffered events.
type PollResponse struct {
	Events  []events.Event `json:"events"`
	LastSeq int64          `json:"lastSeq"`
}

// EventHandler bridges a task's event channel to the client, by polling the
// buffered mirror or over a websocket.
type EventHandler struct {
	sub      events.Subscriber
	upgrader websocket.Upgrader
}

// NewEventHandler creates an EventHandler. Websocket upgrades are accepted
// from allowedOrigins; "*" allows any origin.
func NewEventHandler(sub events.Subscriber, allowedOrigins []string) *EventHandler {
	return &EventHandler{
		sub: sub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" ||
					slices.Contains(allowedOrigins, "*") ||
					slices.Contains(allowedOrigins, origin)
			},
		},
	}
}

// channel resolves the caller's channel for the path's service and task.
func (h *EventHandler) channel(w http.ResponseWriter, r *http.Request) (string, int64, bool) {
	userID, ok := shared.GetUserID(r.Context())
	if !ok {
		shared.RespondWithError(w, r, http.StatusUnauthorized, "User ID not found or invalid")
		return "", 0, false
	}
	serviceID := chi.URLParam(r, "serviceID")
	taskID := chi.URLParam(r, "taskID")
	if serviceID == "" || taskID == "" {
		shared.RespondWithError(w, r, http.StatusBadRequest, "serviceID and taskID are required")
		return "", 0, false
	}

	var after int64
	if raw := r.URL.Query().Get("after"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			shared.RespondWithError(w, r, http.StatusBadRequest, "after must be a non-negative integer")
			return "", 0, false
		}
		after = n
	}
	return events.ChannelName(userID, serviceID, taskID), after, true
}

// Poll handles GET /v1/events/{serviceID}/{taskID}?after=<seq>.
func (h *EventHandler) Poll(w http.ResponseWriter, r *http.Request) {
	channel, after, ok := h.channel(w, r)
	if !ok {
		return
	}

	evs, err := h.sub.Replay(r.Context(), channel, after)
	if err != nil {
		shared.RespondWithErrorAndLog(w, r, http.StatusServiceUnavailable, "Events are temporarily unavailable", err)
		return
	}

	resp := PollResponse{Events: evs, LastSeq: after}
	if evs == nil {
		resp.Events = []events.Event{}
	}
	if n := len(evs); n > 0 {
		resp.LastSeq = evs[n-1].Seq
	}
	shared.RespondWithJSON(w, r, http.StatusOK, resp)
}

// Stream handles GET /v1/events/{serviceID}/{taskID}/ws. It replays the
// buffered events after ?after, then relays live ones until either side
// closes. Live events already covered by the replay are skipped.
func (h *EventHandler) Stream(w http.ResponseWriter, r *http.Request) {
	channel, after, ok := h.channel(w, r)
	if !ok {
		return
	}
	log := logger.FromContext(r.Context()).With("channel", channel)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Subscribe before replaying so nothing published in between is lost.
	live, err := h.sub.Subscribe(ctx, channel)
	if err != nil {
		shared.RespondWithErrorAndLog(w, r, http.StatusServiceUnavailable, "Events are temporarily unavailable", err)
		return
	}
	backlog, err := h.sub.Replay(ctx, channel, after)
	if err != nil {
		shared.RespondWithErrorAndLog(w, r, http.StatusServiceUnavailable, "Events are temporarily unavailable", err)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("ws upgrade failed", "error", err)
		return
	}
	defer func() { _ = ws.Close() }()
	log.Debug("ws connected", "after", after, "backlog", len(backlog))

	// The read loop handles pongs and notices the client going away.
	_ = ws.SetReadDeadline(time.Now().Add(wsPongTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(wsPongTimeout))
	})
	go func() {
		defer cancel()
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	lastSeq := after
	send := func(ev events.Event) bool {
		if ev.Seq > 0 && ev.Seq <= lastSeq {
			return true
		}
		_ = ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := ws.WriteJSON(ev); err != nil {
			log.Debug("ws write failed", "error", err)
			return false
		}
		lastSeq = max(lastSeq, ev.Seq)
		return true
	}

	for _, ev := range backlog {
		if !send(ev) {
			return
		}
	}

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return
		case ev, ok := <-live:
			if !ok {
				return
			}
			if !send(ev) {
				return
			}
		case <-ping.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				return
			}
		}
	}
}
