package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/lucasnoah/rdloop/internal/workspace"
)

// handleStateStream serves a Server-Sent Events stream of a run's state.
// It polls the latest state and sends it whenever its seq changes. When the
// run stops it sends a "done" event carrying the stop reason.
func (s *Server) handleStateStream(w http.ResponseWriter, r *http.Request, runID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // disable nginx buffering if present

	sendDone := func(reason string) {
		fmt.Fprintf(w, "event: done\ndata: %s\n\n", reason)
		flusher.Flush()
	}

	tick := time.NewTicker(s.poll)
	defer tick.Stop()

	lastSeq := -1
	for {
		st, err := s.ws.LatestState(r.Context(), runID)
		switch {
		case errors.Is(err, workspace.ErrRunNotFound):
			sendDone("run not found")
			return
		case err != nil:
			if r.Context().Err() != nil {
				return
			}
			sendDone("storage unavailable")
			return
		}
		if st.Seq != lastSeq {
			lastSeq = st.Seq
			data, err := json.Marshal(st)
			if err != nil {
				sendDone("encode state")
				return
			}
			fmt.Fprintf(w, "event: state\ndata: %s\n\n", data)
			flusher.Flush()
		}
		if st.Stopped() {
			sendDone(string(st.Reason))
			return
		}

		select {
		case <-r.Context().Done():
			return
		case <-tick.C:
		}
	}
}
