package ogimage

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"image/png"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	sidekick "github.com/snapshot-labs/sidekick"
	"github.com/snapshot-labs/sidekick/backend"
	"github.com/snapshot-labs/sidekick/coalesce"
	"github.com/snapshot-labs/sidekick/hub"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	proposal *hub.Proposal
	space    *hub.Space
	err      error
	delay    time.Duration
	calls    atomic.Int32
}

func (f *fakeSource) FetchProposal(context.Context, string) (*hub.Proposal, error) {
	f.calls.Add(1)
	time.Sleep(f.delay)
	if f.err != nil {
		return nil, f.err
	}
	if f.proposal == nil {
		return nil, hub.ErrNotFound
	}
	return f.proposal, nil
}

func (f *fakeSource) FetchSpace(context.Context, string) (*hub.Space, error) {
	f.calls.Add(1)
	time.Sleep(f.delay)
	if f.err != nil {
		return nil, f.err
	}
	if f.space == nil {
		return nil, hub.ErrNotFound
	}
	return f.space, nil
}

func testProposal() *hub.Proposal {
	return &hub.Proposal{
		ID:      "0xabc",
		Title:   "Fund & extend <grants> for another season of contributors and builders across the ecosystem?",
		State:   hub.StateClosed,
		Choices: []string{"For", "Against", "Abstain", "Hidden fourth"},
		Scores:  []float64{70, 20, 10, 0},
		Votes:   1284,
		Space:   hub.SpaceRef{ID: "fabien.eth", Name: "Fabien"},
	}
}

func newTestBackend(t *testing.T) *backend.Filesystem {
	t.Helper()
	fs, err := backend.NewFilesystem(t.TempDir())
	require.NoError(t, err)
	return fs
}

func TestParseType(t *testing.T) {
	for _, s := range []string{"home", "space", "proposal"} {
		typ, err := ParseType(s)
		require.NoError(t, err)
		require.Equal(t, Type(s), typ)
	}
	_, err := ParseType("user")
	require.ErrorIs(t, err, sidekick.ErrInvalidRequest)
}

func TestFilename(t *testing.T) {
	require.Equal(t, "og-home.png", Filename(TypeHome, ""))
	require.Equal(t, "og-space-fabien.eth.png", Filename(TypeSpace, "fabien.eth"))
	require.Equal(t, "og-proposal-0xabc.png", Filename(TypeProposal, "0xabc"))

	img := New(TypeHome, "ignored", newTestBackend(t), &fakeSource{})
	require.Equal(t, "og-home.png", img.Key())
}

func TestSVG_EscapesText(t *testing.T) {
	img := New(TypeProposal, "0xabc", newTestBackend(t), &fakeSource{proposal: testProposal()})

	svg, err := img.SVG(context.Background())
	require.NoError(t, err)
	require.Contains(t, string(svg), "&lt;grants&gt;")
	require.Contains(t, string(svg), "&amp;")
	require.Contains(t, string(svg), `width="1200" height="630"`)
	require.NotContains(t, string(svg), "Hidden fourth")

	// well-formed XML
	dec := xml.NewDecoder(bytes.NewReader(svg))
	for {
		_, err := dec.Token()
		if err != nil {
			require.ErrorContains(t, err, "EOF")
			break
		}
	}
}

func TestPNG_Dimensions(t *testing.T) {
	tests := []struct {
		typ Type
		src *fakeSource
	}{
		{TypeHome, &fakeSource{}},
		{TypeSpace, &fakeSource{space: &hub.Space{ID: "fabien.eth", Name: "Fabien", About: "A space", Network: "1", FollowersCount: 1, ProposalsCount: 12}}},
		{TypeProposal, &fakeSource{proposal: testProposal()}},
	}
	for _, tt := range tests {
		t.Run(string(tt.typ), func(t *testing.T) {
			data, err := New(tt.typ, "id", newTestBackend(t), tt.src).PNG(context.Background())
			require.NoError(t, err)

			cfg, err := png.DecodeConfig(bytes.NewReader(data))
			require.NoError(t, err)
			require.Equal(t, Width, cfg.Width)
			require.Equal(t, Height, cfg.Height)
		})
	}
}

func TestIsCacheable(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)

	require.NoError(t, New(TypeHome, "", b, &fakeSource{}).IsCacheable(ctx))

	err := New(TypeSpace, "missing.eth", b, &fakeSource{}).IsCacheable(ctx)
	require.ErrorIs(t, err, sidekick.ErrEntryNotFound)

	err = New(TypeProposal, "0xmissing", b, &fakeSource{}).IsCacheable(ctx)
	require.ErrorIs(t, err, sidekick.ErrEntryNotFound)

	err = New(TypeSpace, "s", b, &fakeSource{err: errors.New("hub down")}).IsCacheable(ctx)
	require.ErrorIs(t, err, sidekick.ErrInternal)

	require.NoError(t, New(TypeProposal, "0xabc", b, &fakeSource{proposal: testProposal()}).IsCacheable(ctx))
}

func TestGet_MissThenHit(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)
	src := &fakeSource{proposal: testProposal()}

	data, hit, err := New(TypeProposal, "0xabc", b, src).Get(ctx)
	require.NoError(t, err)
	require.False(t, hit)
	require.NotEmpty(t, data)

	cached, hit, err := New(TypeProposal, "0xabc", b, src).Get(ctx)
	require.NoError(t, err)
	require.True(t, hit)
	require.Equal(t, data, cached)
	require.EqualValues(t, 1, src.calls.Load())
}

func TestGet_ConcurrentMissesRenderOnce(t *testing.T) {
	b := newTestBackend(t)
	src := &fakeSource{space: &hub.Space{ID: "s.eth", Name: "S"}, delay: 50 * time.Millisecond}
	group := coalesce.New()

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := New(TypeSpace, "s.eth", b, src, WithGroup(group)).Get(context.Background())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	require.EqualValues(t, 1, src.calls.Load())
}

func TestGet_MissingEntityNotStored(t *testing.T) {
	b := newTestBackend(t)
	img := New(TypeSpace, "missing.eth", b, &fakeSource{})

	_, _, err := img.Get(context.Background())
	require.ErrorIs(t, err, sidekick.ErrEntryNotFound)

	exists, err := img.Exists(context.Background())
	require.NoError(t, err)
	require.False(t, exists)
}

func TestRefresh_Regenerates(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)
	src := &fakeSource{space: &hub.Space{ID: "s.eth", Name: "Before"}}

	before, _, err := New(TypeSpace, "s.eth", b, src).Get(ctx)
	require.NoError(t, err)

	src.space = &hub.Space{ID: "s.eth", Name: "After, with a much longer name"}
	after, err := New(TypeSpace, "s.eth", b, src).Refresh(ctx)
	require.NoError(t, err)
	require.NotEqual(t, before, after)

	cached, hit, err := New(TypeSpace, "s.eth", b, src).Get(ctx)
	require.NoError(t, err)
	require.True(t, hit)
	require.Equal(t, after, cached)
}

func TestWrap(t *testing.T) {
	faces := faceCache{}
	lines := faces.wrap("one two three four five six seven eight nine ten eleven twelve", 40, false, 200, 2)
	require.Len(t, lines, 2)
	require.True(t, bytes.HasSuffix([]byte(lines[1]), []byte("…")))
	for _, l := range lines {
		require.LessOrEqual(t, faces.measure(l, 40, false), 200)
	}

	require.Nil(t, faces.wrap("   ", 40, false, 200, 2))
	require.Equal(t, []string{"short"}, faces.wrap("short", 40, false, 200, 2))
}

func TestParseColor(t *testing.T) {
	r, g, b, _ := parseColor("#ffb503").RGBA()
	require.Equal(t, uint32(0xffff), r)
	require.Equal(t, uint32(0xb5b5), g)
	require.Equal(t, uint32(0x0303), b)

	r, _, _, _ = parseColor("#f00").RGBA()
	require.Equal(t, uint32(0xffff), r)

	r, g, b, _ = parseColor("nope").RGBA()
	require.Zero(t, r+g+b)
}
