package server

import (
	"net/http"
	"time"
)

type runJSON struct {
	RunID       string    `json:"runId"`
	Mode        string    `json:"mode"`
	Total       uint64    `json:"total"`
	StartCursor uint64    `json:"startCursor"`
	EndCursor   uint64    `json:"endCursor"`
	Inserted    int       `json:"inserted"`
	Skipped     int       `json:"skipped"`
	StartedAt   time.Time `json:"startedAt"`
	DurationMS  int64     `json:"durationMs"`
}

type statusJSON struct {
	Running     bool     `json:"running"`
	Halted      bool     `json:"halted"`
	Cursor      uint64   `json:"cursor"`
	Mirrored    int64    `json:"mirrored"`
	Fingerprint string   `json:"fingerprint"`
	LastRun     *runJSON `json:"lastRun,omitempty"`
	LastError   string   `json:"lastError,omitempty"`
}

// TriggerSync queues an incremental reconciliation pass.
func (s *Server) TriggerSync(w http.ResponseWriter, r *http.Request) {
	queued := s.cfg.Sync.Trigger()
	writeJSON(w, http.StatusAccepted, map[string]bool{"queued": queued})
}

// TriggerResync queues a full resync, which also clears a halted scheduler.
func (s *Server) TriggerResync(w http.ResponseWriter, r *http.Request) {
	queued := s.cfg.Sync.RequestResync()
	writeJSON(w, http.StatusAccepted, map[string]bool{"queued": queued})
}

// SyncStatus reports cursor, mirror size, fingerprint and the last run.
func (s *Server) SyncStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.cfg.Status.Status(r.Context())
	if err != nil {
		s.internalError(w, "sync status", err)
		return
	}
	out := statusJSON{
		Running:     status.Running,
		Halted:      s.cfg.Sync.Halted(),
		Cursor:      status.Cursor,
		Mirrored:    status.Mirrored,
		Fingerprint: status.Fingerprint,
		LastError:   status.LastError,
	}
	if last := status.Last; last != nil {
		out.LastRun = &runJSON{
			RunID:       last.RunID,
			Mode:        last.Mode,
			Total:       last.Total,
			StartCursor: last.StartCursor,
			EndCursor:   last.EndCursor,
			Inserted:    last.Inserted,
			Skipped:     last.Skipped,
			StartedAt:   last.StartedAt,
			DurationMS:  last.Duration.Milliseconds(),
		}
	}
	writeJSON(w, http.StatusOK, out)
}
