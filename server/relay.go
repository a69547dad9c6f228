package server

import (
	"errors"
	"net/http"
	"strings"

	sidekick "github.com/snapshot-labs/sidekick"
	"github.com/snapshot-labs/sidekick/nftclaimer"
	"github.com/snapshot-labs/sidekick/telemetry"
)

var errClaimerDisabled = sidekick.Wrap(sidekick.ReasonInternalError, errors.New("nft claimer is not configured"))

// handleModeration serves the moderation lists selected by ?list=a,b.
func (s *Server) handleModeration(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "moderation")

	var names []string
	if list := r.URL.Query().Get("list"); list != "" {
		names = strings.Split(list, ",")
	}

	lists, err := s.moderation.Lists(r.Context(), names)
	if err != nil {
		s.rpcError(w, r, sidekick.Wrap(sidekick.ReasonInternalError, err), "")
		return
	}
	writeJSON(w, http.StatusOK, lists)
}

func (s *Server) handleDeploy(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "nft-deploy")

	var req nftclaimer.DeployRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.rpcError(w, r, err, "")
		return
	}
	if s.claimer == nil {
		s.rpcError(w, r, errClaimerDisabled, saltID(req.Salt))
		return
	}

	payload, err := s.claimer.Deploy(r.Context(), req)
	if err != nil {
		s.rpcError(w, r, err, saltID(req.Salt))
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleMint(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "nft-mint")

	var req nftclaimer.MintRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.rpcError(w, r, err, "")
		return
	}
	if s.claimer == nil {
		s.rpcError(w, r, errClaimerDisabled, saltID(req.Salt))
		return
	}

	payload, err := s.claimer.Mint(r.Context(), req)
	if err != nil {
		s.rpcError(w, r, err, saltID(req.Salt))
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

// saltID is the envelope id of NFT claimer calls.
func saltID(salt nftclaimer.BigInt) string {
	if salt.Int == nil {
		return ""
	}
	return salt.String()
}
