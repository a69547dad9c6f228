package server

import (
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	sidekick "github.com/snapshot-labs/sidekick"
	"github.com/snapshot-labs/sidekick/telemetry"
)

// handleVotes serves the votes report of a closed proposal, queueing its
// generation on a miss.
func (s *Server) handleVotes(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	telemetry.SetEndpoint(r, "votes-report")
	if err := sidekick.CheckID(id); err != nil {
		s.rpcError(w, r, err, id)
		return
	}

	report := s.report(id)
	rc, ok, err := report.Open(r.Context())
	if err != nil {
		s.rpcError(w, r, err, id)
		return
	}
	if ok {
		defer func() { _ = rc.Close() }()
		telemetry.SetCacheResult(r, telemetry.CacheHit)

		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": report.Filename()}))
		w.WriteHeader(http.StatusOK)
		if _, err := io.Copy(w, rc); err != nil {
			s.logger.Warn("streaming votes report", "id", id, "error", err)
		}
		return
	}

	// Already tracked: report where it stands without asking the hub again.
	if p := s.queue.Progress(report.Key()); !p.IsNotFound() {
		telemetry.SetCacheResult(r, telemetry.CachePending)
		rpcSuccess(w, http.StatusAccepted, p.String(), id)
		return
	}

	if err := report.IsCacheable(r.Context()); err != nil {
		telemetry.SetCacheResult(r, telemetry.CacheMiss)
		s.rpcError(w, r, err, id)
		return
	}

	progress, _ := s.queue.Submit(report)
	telemetry.SetCacheResult(r, telemetry.CachePending)
	rpcSuccess(w, http.StatusAccepted, progress.String(), id)
}

// webhookEvent is the body of hub webhook calls.
type webhookEvent struct {
	ID    string `json:"id"`
	Event string `json:"event"`
}

// target splits an id of the form "<kind>/<id>".
func (e webhookEvent) target() (kind, id string, err error) {
	kind, id, ok := strings.Cut(e.ID, "/")
	if !ok || kind == "" {
		return "", "", sidekick.Wrap(sidekick.ReasonInvalidRequest, fmt.Errorf("invalid webhook id %q", e.ID))
	}
	if err := sidekick.CheckID(id); err != nil {
		return "", "", err
	}
	return kind, id, nil
}

const eventProposalEnd = "proposal/end"

// handleVotesWebhook queues the report of a proposal that just ended.
func (s *Server) handleVotesWebhook(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "votes-generate")

	var ev webhookEvent
	if err := decodeBody(w, r, &ev); err != nil {
		s.rpcError(w, r, err, "")
		return
	}
	if ev.Event != eventProposalEnd {
		rpcSuccess(w, http.StatusOK, "skipped", ev.ID)
		return
	}
	kind, id, err := ev.target()
	if err == nil && kind != "proposal" {
		err = sidekick.Wrap(sidekick.ReasonInvalidRequest, fmt.Errorf("%s is not a proposal", ev.ID))
	}
	if err != nil {
		s.rpcError(w, r, err, ev.ID)
		return
	}

	report := s.report(id)
	if err := report.IsCacheable(r.Context()); err != nil {
		s.rpcError(w, r, err, id)
		return
	}
	progress, created := s.queue.Submit(report)
	s.logger.Info("votes report requested by webhook", "id", id, "queued", created)

	rpcSuccess(w, http.StatusAccepted, progress.String(), id)
}
