package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pithecene-io/sluice/types"
)

// pingInterval is how often the server pings idle sockets.
const pingInterval = 30 * time.Second

// writeWait bounds a single socket write.
const writeWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The monitoring surface is same-origin agnostic; embedders put
	// auth in front of it.
	CheckOrigin: func(*http.Request) bool { return true },
}

// wsJobMonitor pushes a job status frame every monitor interval.
func (s *Service) wsJobMonitor(w http.ResponseWriter, r *http.Request) {
	c := s.rt.Job(r.PathValue("job_id"))
	if c == nil {
		writeError(w, http.StatusNotFound, types.Errorf(types.ErrorKindState, "job not found"))
		return
	}
	s.serveStream(w, r, func() any {
		return map[string]any{
			"type":        "job_status",
			"job":         jobViewOf(c, false),
			"queue_depth": s.rt.QueueDepth(),
			"ts":          time.Now(),
		}
	}, func() bool { return c.Status().IsTerminal() })
}

// wsJobDebug pushes breakpoint captures and hit counts.
func (s *Service) wsJobDebug(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("job_id")
	c := s.rt.Job(jobID)
	if c == nil {
		writeError(w, http.StatusNotFound, types.Errorf(types.ErrorKindState, "job not found"))
		return
	}
	s.serveStream(w, r, func() any {
		bps := s.rt.Breakpoints().ForJob(jobID)
		hits := make(map[string]int64, len(bps))
		for _, bp := range bps {
			hits[bp.RoutineID] = bp.HitCount()
		}
		return map[string]any{
			"type":       "debug",
			"debug_data": c.AllDebugData(),
			"hit_counts": hits,
			"ts":         time.Now(),
		}
	}, func() bool { return c.Status().IsTerminal() })
}

// wsFlowMonitor pushes per-flow aggregates: routine stats and the jobs
// currently attached to the flow.
func (s *Service) wsFlowMonitor(w http.ResponseWriter, r *http.Request) {
	flowID := r.PathValue("flow_id")
	f := s.rt.Flow(flowID)
	if f == nil {
		writeError(w, http.StatusNotFound, types.Errorf(types.ErrorKindState, "flow not found"))
		return
	}
	s.serveStream(w, r, func() any {
		routines := make(map[string]any, len(f.RoutineIDs()))
		for _, rn := range f.Routines() {
			st := rn.Stats()
			routines[rn.ID()] = map[string]any{
				"activations":       st.Activations,
				"errors":            st.Errors,
				"last_activated_at": st.LastActivatedAt,
			}
		}
		var jobs []jobView
		for _, c := range s.rt.Jobs() {
			if c.FlowID() == flowID {
				jobs = append(jobs, jobViewOf(c, false))
			}
		}
		return map[string]any{
			"type":        "flow_status",
			"flow_id":     flowID,
			"routines":    routines,
			"jobs":        jobs,
			"queue_depth": s.rt.QueueDepth(),
			"ts":          time.Now(),
		}
	}, nil)
}

// serveStream upgrades the connection and pushes frames from snapshot
// at the monitor interval, pinging periodically. A done predicate, when
// given, sends one final frame after it turns true and closes.
func (s *Service) serveStream(w http.ResponseWriter, r *http.Request, snapshot func() any, done func() bool) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer func() { _ = conn.Close() }()

	// Drain client frames so close/pong control messages are processed.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	push := time.NewTicker(s.cfg.MonitorInterval)
	defer push.Stop()
	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-push.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(snapshot()); err != nil {
				return
			}
			if done != nil && done() {
				return
			}
		}
	}
}
