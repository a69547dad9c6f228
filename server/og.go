package server

import (
	"fmt"
	"net/http"
	"strings"

	sidekick "github.com/snapshot-labs/sidekick"
	"github.com/snapshot-labs/sidekick/ogimage"
	"github.com/snapshot-labs/sidekick/telemetry"
)

const (
	extPNG = "png"
	extSVG = "svg"
)

// parseImagePath resolves /og/{type}/{file} and /og/{file}. The file is
// the entity id with an optional .png or .svg extension; home has no id.
func parseImagePath(typ, file string) (ogimage.Type, string, string, error) {
	ext := extPNG
	switch {
	case strings.HasSuffix(file, "."+extPNG):
		file = strings.TrimSuffix(file, "."+extPNG)
	case strings.HasSuffix(file, "."+extSVG):
		file = strings.TrimSuffix(file, "."+extSVG)
		ext = extSVG
	}

	if typ == "" {
		// /og/home[.ext]
		typ, file = file, ""
	}
	t, err := ogimage.ParseType(typ)
	if err != nil {
		return "", "", "", err
	}
	if t == ogimage.TypeHome {
		return t, "", ext, nil
	}
	if file == "" {
		return "", "", "", sidekick.Wrap(sidekick.ReasonInvalidRequest, fmt.Errorf("missing %s id", t))
	}
	if err := sidekick.CheckID(file); err != nil {
		return "", "", "", err
	}
	return t, file, ext, nil
}

// handleImage serves an OG card, rendering it on a miss.
func (s *Server) handleImage(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "og-image")

	t, id, ext, err := parseImagePath(r.PathValue("type"), r.PathValue("file"))
	if err != nil {
		s.rpcError(w, r, err, r.PathValue("file"))
		return
	}
	rpcID := id
	if rpcID == "" {
		rpcID = string(t)
	}

	img := s.image(t, id)

	var (
		data        []byte
		contentType string
	)
	if ext == extSVG {
		contentType = "image/svg+xml"
		data, err = img.SVG(r.Context())
		telemetry.SetCacheResult(r, telemetry.CacheBypass)
	} else {
		contentType = "image/png"
		var hit bool
		data, hit, err = img.Get(r.Context())
		if hit {
			telemetry.SetCacheResult(r, telemetry.CacheHit)
		} else {
			telemetry.SetCacheResult(r, telemetry.CacheMiss)
		}
	}
	if err != nil {
		s.rpcError(w, r, err, rpcID)
		return
	}

	etag := sidekick.HashBytes(data).ETag()
	w.Header().Set("Cache-Control", "public, max-age=0, must-revalidate")
	w.Header().Set("ETag", etag)
	if etagMatches(r.Header.Get("If-None-Match"), etag) {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// etagMatches reports whether an If-None-Match header lists etag.
func etagMatches(header, etag string) bool {
	if header == "" {
		return false
	}
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimPrefix(strings.TrimSpace(candidate), "W/")
		if candidate == "*" || candidate == etag {
			return true
		}
	}
	return false
}

// handleImageRefresh re-renders the card named by the webhook body.
func (s *Server) handleImageRefresh(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "og-refresh")

	var ev webhookEvent
	if err := decodeBody(w, r, &ev); err != nil {
		s.rpcError(w, r, err, "")
		return
	}

	var (
		t   ogimage.Type
		id  string
		err error
	)
	if ev.ID == string(ogimage.TypeHome) {
		t = ogimage.TypeHome
	} else {
		var kind string
		kind, id, err = ev.target()
		if err == nil {
			t, err = ogimage.ParseType(kind)
		}
	}
	if err != nil {
		s.rpcError(w, r, err, ev.ID)
		return
	}

	if _, err := s.image(t, id).Refresh(r.Context()); err != nil {
		s.rpcError(w, r, err, ev.ID)
		return
	}
	s.logger.Info("og image refreshed", "type", t, "id", id)
	rpcSuccess(w, http.StatusOK, "refreshed", ev.ID)
}
