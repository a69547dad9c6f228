// Package coalesce folds concurrent generations of the same artifact into
// one. When several requests miss the cache for the same key at once, only
// the first renders; the others wait for its result.
package coalesce

import (
	"context"
	"log/slog"

	"golang.org/x/sync/singleflight"
)

// Func produces the content for a key. The context passed to Func is
// detached from any single request so that one caller giving up does not
// cancel the work for other waiters.
type Func func(ctx context.Context) ([]byte, error)

// Group deduplicates concurrent calls for the same key using singleflight.
// It uses DoChan so each caller can respect its own context deadline.
type Group struct {
	group  singleflight.Group
	logger *slog.Logger
}

// Option configures a Group.
type Option func(*Group)

// WithLogger sets the logger for the group.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Group) {
		g.logger = logger
	}
}

// New creates a new Group.
func New(opts ...Option) *Group {
	g := &Group{
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Do runs fn once for all concurrent callers of key. It returns the
// content, whether it was shared with another caller, and any error.
//
// If the caller's context expires first, Do returns the context error while
// fn keeps running for the remaining waiters. Failed keys are forgotten so
// the next call starts over.
func (g *Group) Do(ctx context.Context, key string, fn Func) ([]byte, bool, error) {
	ch := g.group.DoChan(key, func() (any, error) {
		data, err := fn(context.WithoutCancel(ctx))
		if err != nil {
			g.group.Forget(key)
		}
		return data, err
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Shared, res.Err
		}
		if res.Shared {
			g.logger.Debug("coalesced generation", "key", key)
		}
		return res.Val.([]byte), res.Shared, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// Forget drops an in-flight key so the next call runs fn again.
func (g *Group) Forget(key string) {
	g.group.Forget(key)
}
