package handlers

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"drisya/internal/domain"
	"drisya/internal/events"
)

const (
	eventsWriteWait  = 10 * time.Second
	eventsPongWait   = 60 * time.Second
	eventsPingPeriod = 50 * time.Second
	eventsBuffer     = 32
)

// JobEvents handles GET /v1/jobs/{job_id}/events. It upgrades to a websocket,
// sends the current job state and then streams transitions until the job
// settles or the client goes away. Polling GetJob remains authoritative.
func (a *App) JobEvents(w http.ResponseWriter, r *http.Request) {
	if a.Events == nil {
		a.error(w, http.StatusNotFound, "not_found", "event stream disabled")
		return
	}
	userID := a.currentUserID(r)
	if userID == "" {
		a.writeError(w, r, domain.ErrUnauthorized)
		return
	}
	jobID := chi.URLParam(r, "job_id")

	// Subscribe before reading the snapshot so no transition falls between them.
	_, stream, unsubscribe := a.Events.Subscribe(jobID, eventsBuffer)
	defer unsubscribe()

	view, err := a.Jobs.Get(r.Context(), userID, jobID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     a.checkOrigin,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.Logger.Debug().Err(err).Str("job_id", jobID).Msg("events: upgrade failed")
		return
	}
	defer conn.Close()

	snapshot := snapshotEvent(view.Job)
	if err := writeEvent(conn, snapshot); err != nil || view.Job.Status.Terminal() {
		closeNormally(conn)
		return
	}

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(eventsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(eventsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(eventsPingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case evt, ok := <-stream:
			if !ok {
				closeNormally(conn)
				return
			}
			if err := writeEvent(conn, evt); err != nil {
				return
			}
			if evt.Type == events.TypeJob && evt.JobStatus.Terminal() {
				closeNormally(conn)
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(eventsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (a *App) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range a.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	u, err := url.Parse(origin)
	return err == nil && strings.EqualFold(u.Host, r.Host)
}

func snapshotEvent(job domain.Job) events.Event {
	return events.Event{
		Type:            events.TypeJob,
		JobID:           job.ID,
		JobStatus:       job.Status,
		TotalImages:     job.TotalImages,
		CompletedImages: job.CompletedImages,
		FailedImages:    job.FailedImages,
		At:              job.UpdatedAt,
	}
}

func writeEvent(conn *websocket.Conn, evt events.Event) error {
	_ = conn.SetWriteDeadline(time.Now().Add(eventsWriteWait))
	return conn.WriteJSON(evt)
}

func closeNormally(conn *websocket.Conn) {
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(eventsWriteWait))
}
