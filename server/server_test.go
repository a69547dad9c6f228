package server

import (
	"bytes"
	"context"
	"encoding/json"
	"image/png"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/snapshot-labs/sidekick/backend"
	"github.com/snapshot-labs/sidekick/catalog"
	"github.com/snapshot-labs/sidekick/hub"
	"github.com/snapshot-labs/sidekick/ogimage"
	"github.com/snapshot-labs/sidekick/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const webhookToken = "s3cret"

// fakeHub answers the hub's GraphQL queries from fixtures.
type fakeHub struct {
	mu        sync.Mutex
	proposals map[string]string
	spaces    map[string]string
	votes     map[string][]hub.Vote

	proposalCalls atomic.Int32
}

func newFakeHub() *fakeHub {
	return &fakeHub{
		proposals: map[string]string{},
		spaces:    map[string]string{},
		votes:     map[string][]hub.Vote{},
	}
}

func (h *fakeHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Query     string         `json:"query"`
		Variables map[string]any `json:"variables"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	id, _ := req.Variables["id"].(string)

	h.mu.Lock()
	defer h.mu.Unlock()

	var data string
	switch {
	case strings.HasPrefix(req.Query, "query Proposal"):
		h.proposalCalls.Add(1)
		data = `{"proposal":null}`
		if p, ok := h.proposals[id]; ok {
			data = `{"proposal":` + p + `}`
		}
	case strings.HasPrefix(req.Query, "query Space"):
		data = `{"space":null}`
		if sp, ok := h.spaces[id]; ok {
			data = `{"space":` + sp + `}`
		}
	case strings.HasPrefix(req.Query, "query Votes"):
		skip := int(req.Variables["skip"].(float64))
		first := int(req.Variables["first"].(float64))
		gte, _ := req.Variables["created_gte"].(float64)

		var page []hub.Vote
		for _, v := range h.votes[id] {
			if v.Created >= int64(gte) {
				page = append(page, v)
			}
		}
		page = page[min(skip, len(page)):]
		page = page[:min(first, len(page))]

		raw, _ := json.Marshal(map[string]any{"votes": page})
		data = string(raw)
	default:
		http.Error(w, "unknown query", http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = io.WriteString(w, `{"data":`+data+`}`)
}

type testEnv struct {
	hub    *fakeHub
	server *Server
	queue  *queue.Queue
	dir    string
	url    string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	fh := newFakeHub()
	hubSrv := httptest.NewServer(fh)
	t.Cleanup(hubSrv.Close)

	dir := t.TempDir()
	votes, err := backend.NewFilesystem(filepath.Join(dir, "votes"))
	require.NoError(t, err)
	images, err := backend.NewFilesystem(filepath.Join(dir, "og"))
	require.NoError(t, err)
	cat, err := catalog.Open(filepath.Join(dir, "catalog.db"), catalog.WithNoSync(true))
	require.NoError(t, err)
	t.Cleanup(func() { _ = cat.Close() })

	q := queue.New(queue.WithLogger(logger), queue.WithWorkers(1))
	t.Cleanup(q.Stop)

	srv, err := New(Config{
		WebhookToken: webhookToken,
		Hub:          hub.New(hubSrv.URL, hub.WithRetries(0, time.Millisecond)),
		Votes:        votes,
		Images:       images,
		Queue:        q,
		Catalog:      cat,
		Logger:       logger,
	})
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &testEnv{hub: fh, server: srv, queue: q, dir: dir, url: ts.URL}
}

func (e *testEnv) setProposal(id, raw string) {
	e.hub.mu.Lock()
	defer e.hub.mu.Unlock()
	e.hub.proposals[id] = raw
}

func (e *testEnv) setSpace(id, raw string) {
	e.hub.mu.Lock()
	defer e.hub.mu.Unlock()
	e.hub.spaces[id] = raw
}

func (e *testEnv) addClosedProposal(id string, voters int) {
	e.hub.mu.Lock()
	defer e.hub.mu.Unlock()
	e.hub.proposals[id] = `{"id":"` + id + `","title":"Enable fee switch","state":"closed","type":"single-choice",` +
		`"choices":["For","Against"],"scores":[3,1],"author":"0x91FD2c8d24767db4Ece7069AA27832ffaf8590f3",` +
		`"votes":3,"space":{"id":"fabien.eth","name":"Fabien"}}`
	for i := range voters {
		e.hub.votes[id] = append(e.hub.votes[id], hub.Vote{
			IPFS:    "Qm" + string(rune('a'+i)),
			Voter:   "0x" + strings.Repeat(string(rune('1'+i)), 40),
			Choice:  hub.Choice{Index: 1 + i%2},
			VP:      float64(i + 1),
			Created: int64(1700000000 + i),
		})
	}
}

func do(t *testing.T, method, url string, body string, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func decodeRPC(t *testing.T, data []byte) rpcResponse {
	t.Helper()
	var body rpcResponse
	require.NoError(t, json.Unmarshal(data, &body), string(data))
	require.Equal(t, "2.0", body.JSONRPC)
	return body
}

func TestVotes_EndToEnd(t *testing.T) {
	env := newTestEnv(t)
	env.addClosedProposal("abc", 3)

	resp, data := do(t, http.MethodPost, env.url+"/votes/abc", "", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.JSONEq(t, `{"jsonrpc":"2.0","result":"1","id":"abc"}`, string(data))

	env.queue.Start(context.Background())

	var (
		status  int
		ctype   string
		disp    string
		content []byte
	)
	require.Eventually(t, func() bool {
		req, _ := http.NewRequest(http.MethodPost, env.url+"/votes/abc", nil)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return false
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode != http.StatusOK {
			return false
		}
		status = resp.StatusCode
		ctype = resp.Header.Get("Content-Type")
		disp = resp.Header.Get("Content-Disposition")
		content, _ = io.ReadAll(resp.Body)
		return true
	}, 5*time.Second, 20*time.Millisecond)

	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "text/csv", ctype)
	require.Equal(t, `attachment; filename=snapshot-votes-report-abc.csv`, disp)

	lines := strings.Split(strings.TrimSpace(string(content)), "\n")
	require.Len(t, lines, 4)
	require.Equal(t, "address,choice,voting_power,timestamp,author_ipfs_hash", lines[0])

	// the job is released and the catalog saw the generation
	require.Eventually(t, func() bool {
		req, _ := http.NewRequest(http.MethodGet, env.url+"/stats", nil)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return false
		}
		defer func() { _ = resp.Body.Close() }()
		var stats struct {
			Queue struct {
				Size int `json:"size"`
			} `json:"queue"`
			Catalog struct {
				Total int `json:"total"`
			} `json:"catalog"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
			return false
		}
		return stats.Queue.Size == 0 && stats.Catalog.Total == 1
	}, 5*time.Second, 20*time.Millisecond)
}

func TestVotes_RepeatedRequestsWhileQueued(t *testing.T) {
	env := newTestEnv(t)
	env.addClosedProposal("first", 1)
	env.addClosedProposal("second", 1)

	_, data := do(t, http.MethodPost, env.url+"/votes/first", "", nil)
	require.Equal(t, "1", decodeRPC(t, data).Result)
	_, data = do(t, http.MethodPost, env.url+"/votes/second", "", nil)
	require.Equal(t, "2", decodeRPC(t, data).Result)

	calls := env.hub.proposalCalls.Load()
	resp, data := do(t, http.MethodPost, env.url+"/votes/second", "", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Equal(t, "2", decodeRPC(t, data).Result)
	require.Equal(t, calls, env.hub.proposalCalls.Load())
	require.Equal(t, 2, env.queue.Size())
}

func TestVotes_NotCacheable(t *testing.T) {
	env := newTestEnv(t)
	env.setProposal("open", `{"id":"open","state":"active","type":"basic","choices":["a"],"space":{"id":"s"}}`)

	resp, data := do(t, http.MethodPost, env.url+"/votes/open", "", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := decodeRPC(t, data)
	require.Equal(t, "PROPOSAL_NOT_CLOSED", body.Error.Message)
	require.Equal(t, "open", body.ID)

	resp, data = do(t, http.MethodPost, env.url+"/votes/missing", "", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Equal(t, "ENTRY_NOT_FOUND", decodeRPC(t, data).Error.Message)

	require.Zero(t, env.queue.Size())
}

func TestVotesWebhook(t *testing.T) {
	env := newTestEnv(t)
	env.addClosedProposal("abc", 2)
	auth := map[string]string{"authenticate": webhookToken}

	resp, data := do(t, http.MethodPost, env.url+"/votes/generate", `{"id":"proposal/abc","event":"proposal/end"}`, nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Equal(t, "UNAUTHORIZE", decodeRPC(t, data).Error.Message)

	resp, data = do(t, http.MethodPost, env.url+"/votes/generate", `{"id":"proposal/abc","event":"proposal/created"}`, auth)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "skipped", decodeRPC(t, data).Result)
	require.Zero(t, env.queue.Size())

	resp, data = do(t, http.MethodPost, env.url+"/votes/generate", `{"id":"proposal/abc","event":"proposal/end"}`, auth)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Equal(t, "1", decodeRPC(t, data).Result)
	require.Equal(t, 1, env.queue.Size())

	resp, _ = do(t, http.MethodPost, env.url+"/votes/generate", `{"id":"space/abc","event":"proposal/end"}`, auth)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, data = do(t, http.MethodPost, env.url+"/votes/generate", `{not json`, auth)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "INVALID_REQUEST", decodeRPC(t, data).Error.Message)
}

func TestImage_PNGAndConditional(t *testing.T) {
	env := newTestEnv(t)
	env.setSpace("fabien.eth", `{"id":"fabien.eth","name":"Fabien","about":"A space","network":"1","followersCount":3,"proposalsCount":7}`)

	for _, path := range []string{"/og/space/fabien.eth", "/og/space/fabien.eth.png"} {
		resp, data := do(t, http.MethodGet, env.url+path, "", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode, path)
		require.Equal(t, "image/png", resp.Header.Get("Content-Type"))
		require.Equal(t, "public, max-age=0, must-revalidate", resp.Header.Get("Cache-Control"))

		cfg, err := png.DecodeConfig(bytes.NewReader(data))
		require.NoError(t, err)
		require.Equal(t, ogimage.Width, cfg.Width)
	}

	resp, _ := do(t, http.MethodGet, env.url+"/og/space/fabien.eth", "", nil)
	etag := resp.Header.Get("ETag")
	require.NotEmpty(t, etag)

	resp, data := do(t, http.MethodGet, env.url+"/og/space/fabien.eth", "", map[string]string{"If-None-Match": etag})
	require.Equal(t, http.StatusNotModified, resp.StatusCode)
	require.Empty(t, data)
}

func TestImage_HomeAndSVG(t *testing.T) {
	env := newTestEnv(t)

	for _, path := range []string{"/og/home", "/og/home.png", "/og/home/anything.png"} {
		resp, _ := do(t, http.MethodGet, env.url+path, "", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode, path)
		require.Equal(t, "image/png", resp.Header.Get("Content-Type"), path)
	}

	resp, data := do(t, http.MethodGet, env.url+"/og/home.svg", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "image/svg+xml", resp.Header.Get("Content-Type"))
	require.Contains(t, string(data), "<svg")
}

func TestImage_Errors(t *testing.T) {
	env := newTestEnv(t)

	resp, data := do(t, http.MethodGet, env.url+"/og/user/0x1", "", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "INVALID_REQUEST", decodeRPC(t, data).Error.Message)

	resp, data = do(t, http.MethodGet, env.url+"/og/space/missing.eth", "", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Equal(t, "missing.eth", decodeRPC(t, data).ID)

	resp, _ = do(t, http.MethodGet, env.url+"/og/space", "", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestImageRefresh(t *testing.T) {
	env := newTestEnv(t)
	env.setSpace("s.eth", `{"id":"s.eth","name":"Before"}`)
	auth := map[string]string{"authenticate": webhookToken}

	_, before := do(t, http.MethodGet, env.url+"/og/space/s.eth", "", nil)

	env.setSpace("s.eth", `{"id":"s.eth","name":"After the rename"}`)

	resp, data := do(t, http.MethodPost, env.url+"/og/refresh", `{"id":"space/s.eth"}`, auth)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "refreshed", decodeRPC(t, data).Result)

	_, after := do(t, http.MethodGet, env.url+"/og/space/s.eth", "", nil)
	require.NotEqual(t, before, after)

	resp, _ = do(t, http.MethodPost, env.url+"/og/refresh", `{"id":"home"}`, auth)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = do(t, http.MethodPost, env.url+"/og/refresh", `{"id":"user/x"}`, auth)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = do(t, http.MethodPost, env.url+"/og/refresh", `{"id":"space/s.eth"}`, nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestModeration_Unconfigured(t *testing.T) {
	env := newTestEnv(t)

	resp, data := do(t, http.MethodGet, env.url+"/moderation?list=flaggedSpaces,verifiedSpaces", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.JSONEq(t, `{"flaggedSpaces":[],"verifiedSpaces":[]}`, string(data))
}

func TestNFTClaimer_Unconfigured(t *testing.T) {
	env := newTestEnv(t)

	resp, data := do(t, http.MethodPost, env.url+"/nft-claimer/mint", `{"salt":"7"}`, nil)
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	body := decodeRPC(t, data)
	require.Equal(t, "INTERNAL_ERROR", body.Error.Message)
	require.Equal(t, "7", body.ID)

	resp, _ = do(t, http.MethodPost, env.url+"/nft-claimer/deploy", ``, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealthAndRequestID(t *testing.T) {
	env := newTestEnv(t)

	resp, data := do(t, http.MethodGet, env.url+"/health", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.JSONEq(t, `{"status":"ok"}`, string(data))
	require.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	resp, _ = do(t, http.MethodGet, env.url+"/health", "", map[string]string{"X-Request-ID": "req-1"})
	require.Equal(t, "req-1", resp.Header.Get("X-Request-ID"))
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
}

func TestParseImagePath(t *testing.T) {
	tests := []struct {
		typ, file string
		wantType  ogimage.Type
		wantID    string
		wantExt   string
		wantErr   bool
	}{
		{"", "home", ogimage.TypeHome, "", "png", false},
		{"", "home.svg", ogimage.TypeHome, "", "svg", false},
		{"space", "fabien.eth", ogimage.TypeSpace, "fabien.eth", "png", false},
		{"space", "fabien.eth.svg", ogimage.TypeSpace, "fabien.eth", "svg", false},
		{"proposal", "0xabc.png", ogimage.TypeProposal, "0xabc", "png", false},
		{"home", "x.svg", ogimage.TypeHome, "", "svg", false},
		{"", "space", "", "", "", true},
		{"proposal", ".png", "", "", "", true},
		{"user", "x", "", "", "", true},
		{"proposal", "x/../../secret.png", "", "", "", true},
		{"space", "..", "", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.typ+"/"+tt.file, func(t *testing.T) {
			typ, id, ext, err := parseImagePath(tt.typ, tt.file)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantType, typ)
			assert.Equal(t, tt.wantID, id)
			assert.Equal(t, tt.wantExt, ext)
		})
	}
}

func TestEtagMatches(t *testing.T) {
	require.True(t, etagMatches(`"abc"`, `"abc"`))
	require.True(t, etagMatches(`"x", W/"abc"`, `"abc"`))
	require.True(t, etagMatches(`*`, `"abc"`))
	require.False(t, etagMatches(``, `"abc"`))
	require.False(t, etagMatches(`"abd"`, `"abc"`))
}

func TestDeriveRoute(t *testing.T) {
	tests := map[string]string{
		"/health":             "internal",
		"/votes/0xabc":        "votes",
		"/og/space/s.eth":     "og",
		"/moderation":         "moderation",
		"/nft-claimer/deploy": "nft-claimer",
		"/nope":               "unknown",
	}
	for path, want := range tests {
		require.Equal(t, want, deriveRoute(path), path)
	}
}

func TestVotes_RejectsEscapedTraversal(t *testing.T) {
	env := newTestEnv(t)
	secret := filepath.Join(env.dir, "secret.csv")
	require.NoError(t, os.WriteFile(secret, []byte("outside,the,root\n"), 0o600))

	resp, data := do(t, http.MethodPost, env.url+"/votes/x%2F..%2F..%2Fsecret", "", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode, string(data))
	require.NotContains(t, string(data), "outside")

	body := decodeRPC(t, data)
	require.NotNil(t, body.Error)
	require.Equal(t, "INVALID_REQUEST", body.Error.Message)
	require.Zero(t, env.queue.Size())
}

func TestImage_RejectsEscapedTraversal(t *testing.T) {
	env := newTestEnv(t)

	resp, data := do(t, http.MethodGet, env.url+"/og/space/x%2F..%2F..%2Fsecret.png", "", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode, string(data))
	require.Equal(t, "INVALID_REQUEST", decodeRPC(t, data).Error.Message)
}

func TestVotesWebhook_RejectsTraversalID(t *testing.T) {
	env := newTestEnv(t)

	resp, data := do(t, http.MethodPost, env.url+"/votes/generate",
		`{"id":"proposal/x/../../secret","event":"proposal/end"}`,
		map[string]string{"authenticate": webhookToken})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode, string(data))
	require.Equal(t, "INVALID_REQUEST", decodeRPC(t, data).Error.Message)
	require.Zero(t, env.queue.Size())
}
