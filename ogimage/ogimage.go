// Package ogimage renders the social preview cards of the home page, spaces
// and proposals. Cards render to SVG on demand; PNGs are cached and
// generated in the request path on a miss, since rendering is fast.
package ogimage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	sidekick "github.com/snapshot-labs/sidekick"
	"github.com/snapshot-labs/sidekick/backend"
	"github.com/snapshot-labs/sidekick/cache"
	"github.com/snapshot-labs/sidekick/coalesce"
	"github.com/snapshot-labs/sidekick/hub"
)

// Artifact names the artifact type in logs, metrics and the catalog.
const Artifact = "og-image"

// Type is the kind of entity a card shows.
type Type string

const (
	TypeHome     Type = "home"
	TypeSpace    Type = "space"
	TypeProposal Type = "proposal"
)

// ParseType validates a card type.
func ParseType(s string) (Type, error) {
	switch t := Type(s); t {
	case TypeHome, TypeSpace, TypeProposal:
		return t, nil
	}
	return "", sidekick.Wrap(sidekick.ReasonInvalidRequest, fmt.Errorf("unknown image type %q", s))
}

// Source is the upstream cards read from.
type Source interface {
	FetchProposal(ctx context.Context, id string) (*hub.Proposal, error)
	FetchSpace(ctx context.Context, id string) (*hub.Space, error)
}

// Filename returns the cache filename of a card.
func Filename(t Type, id string) string {
	if t == TypeHome {
		return "og-home.png"
	}
	return "og-" + string(t) + "-" + id + ".png"
}

// Image is the card of one entity.
type Image struct {
	*cache.Entry

	typ    Type
	id     string
	source Source
	group  *coalesce.Group
	logger *slog.Logger

	entryOpts []cache.Option
}

// Option configures an Image.
type Option func(*Image)

// WithGroup shares in-flight renders between images of the same key. Pass
// one group to every Image so concurrent misses render once.
func WithGroup(g *coalesce.Group) Option {
	return func(i *Image) {
		i.group = g
	}
}

// WithRecorder records generated images, typically in the catalog.
func WithRecorder(rec cache.Recorder) Option {
	return func(i *Image) {
		i.entryOpts = append(i.entryOpts, cache.WithRecorder(rec))
	}
}

// WithLogger sets the logger for the image.
func WithLogger(logger *slog.Logger) Option {
	return func(i *Image) {
		i.logger = logger
		i.entryOpts = append(i.entryOpts, cache.WithLogger(logger))
	}
}

// New creates the card of type t for entity id, cached in b. The id is
// ignored for the home card.
func New(t Type, id string, b backend.Backend, src Source, opts ...Option) *Image {
	if t == TypeHome {
		id = ""
	}
	i := &Image{
		typ:    t,
		id:     id,
		source: src,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(i)
	}
	if i.group == nil {
		i.group = coalesce.New(coalesce.WithLogger(i.logger))
	}
	i.Entry = cache.NewEntry(Artifact, Filename(t, id), b, i.entryOpts...)
	return i
}

func (i *Image) Type() Type { return i.typ }
func (i *Image) ID() string { return i.id }

// IsCacheable checks that the entity exists. The home card always is.
func (i *Image) IsCacheable(ctx context.Context) error {
	_, err := i.scene(ctx)
	return err
}

// SVG renders the card as SVG from live data. SVGs are not cached.
func (i *Image) SVG(ctx context.Context) ([]byte, error) {
	s, err := i.scene(ctx)
	if err != nil {
		return nil, err
	}
	return renderSVG(s)
}

// PNG renders the card as PNG from live data.
func (i *Image) PNG(ctx context.Context) ([]byte, error) {
	s, err := i.scene(ctx)
	if err != nil {
		return nil, err
	}
	data, err := renderPNG(s)
	if err != nil {
		return nil, sidekick.Wrap(sidekick.ReasonInternalError, err)
	}
	return data, nil
}

// Get returns the cached PNG, rendering and storing it on a miss.
// Concurrent misses for the same card render once.
func (i *Image) Get(ctx context.Context) ([]byte, bool, error) {
	data, ok, err := i.GetCache(ctx)
	if err != nil {
		return nil, false, err
	}
	if ok {
		return data, true, nil
	}
	data, _, err = i.group.Do(ctx, i.Key(), i.generate)
	if err != nil {
		return nil, false, err
	}
	return data, false, nil
}

// Refresh renders and stores the card regardless of the cache.
func (i *Image) Refresh(ctx context.Context) ([]byte, error) {
	data, _, err := i.group.Do(ctx, "refresh:"+i.Key(), i.generate)
	return data, err
}

// CreateCache renders and stores the card.
func (i *Image) CreateCache(ctx context.Context) error {
	_, err := i.generate(ctx)
	return err
}

func (i *Image) generate(ctx context.Context) ([]byte, error) {
	data, err := i.PNG(ctx)
	if err != nil {
		return nil, err
	}
	_, err = i.Entry.CreateCache(ctx, func(_ context.Context, w io.Writer) error {
		_, err := io.Copy(w, bytes.NewReader(data))
		return err
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (i *Image) scene(ctx context.Context) (*scene, error) {
	if i.typ != TypeHome {
		if err := sidekick.CheckID(i.id); err != nil {
			return nil, err
		}
	}
	switch i.typ {
	case TypeHome:
		return homeScene(), nil
	case TypeSpace:
		sp, err := i.source.FetchSpace(ctx, i.id)
		if err != nil {
			return nil, upstreamError("space", i.id, err)
		}
		return spaceScene(sp), nil
	case TypeProposal:
		p, err := i.source.FetchProposal(ctx, i.id)
		if err != nil {
			return nil, upstreamError("proposal", i.id, err)
		}
		return proposalScene(p), nil
	}
	return nil, sidekick.Wrap(sidekick.ReasonInvalidRequest, fmt.Errorf("unknown image type %q", i.typ))
}

func upstreamError(kind, id string, err error) error {
	if errors.Is(err, hub.ErrNotFound) {
		return sidekick.Wrap(sidekick.ReasonEntryNotFound, fmt.Errorf("%s %s: %w", kind, id, err))
	}
	return sidekick.Wrap(sidekick.ReasonInternalError, err)
}
