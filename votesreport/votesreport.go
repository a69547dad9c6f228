// Package votesreport generates the CSV export of every vote cast on a
// closed proposal. Votes are streamed page by page from the hub straight
// into an atomic cache writer, so memory stays bounded by one page.
package votesreport

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"

	sidekick "github.com/snapshot-labs/sidekick"
	"github.com/snapshot-labs/sidekick/backend"
	"github.com/snapshot-labs/sidekick/cache"
	"github.com/snapshot-labs/sidekick/hub"
)

const (
	// Artifact names the artifact type in logs, metrics and the catalog.
	Artifact = "votes-report"

	DefaultPageSize = 1000
	DefaultMaxPage  = 5
)

// Source is the upstream the report reads from.
type Source interface {
	FetchProposal(ctx context.Context, id string) (*hub.Proposal, error)
	FetchVotes(ctx context.Context, proposalID string, q hub.VotesQuery) ([]hub.Vote, error)
}

// Filename returns the cache filename of the report for a proposal.
func Filename(id string) string {
	return "snapshot-votes-report-" + id + ".csv"
}

// Report is the votes report of one proposal.
type Report struct {
	*cache.Entry

	id       string
	source   Source
	pageSize int
	maxPage  int
	logger   *slog.Logger

	entryOpts []cache.Option
}

// Option configures a Report.
type Option func(*Report)

// WithPageSize sets how many votes are fetched per request.
func WithPageSize(n int) Option {
	return func(r *Report) {
		if n > 0 {
			r.pageSize = n
		}
	}
}

// WithMaxPage sets how many pages are fetched by offset before the
// created_gte cursor moves forward.
func WithMaxPage(n int) Option {
	return func(r *Report) {
		if n > 0 {
			r.maxPage = n
		}
	}
}

// WithRecorder records generated reports, typically in the catalog.
func WithRecorder(rec cache.Recorder) Option {
	return func(r *Report) {
		r.entryOpts = append(r.entryOpts, cache.WithRecorder(rec))
	}
}

// WithLogger sets the logger for the report.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Report) {
		r.logger = logger
		r.entryOpts = append(r.entryOpts, cache.WithLogger(logger))
	}
}

// New creates the report for proposal id, cached in b.
func New(id string, b backend.Backend, src Source, opts ...Option) *Report {
	r := &Report{
		id:       id,
		source:   src,
		pageSize: DefaultPageSize,
		maxPage:  DefaultMaxPage,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.Entry = cache.NewEntry(Artifact, Filename(id), b, r.entryOpts...)
	return r
}

// ID returns the proposal id.
func (r *Report) ID() string {
	return r.id
}

// IsCacheable checks that the proposal exists and is closed.
func (r *Report) IsCacheable(ctx context.Context) error {
	_, err := r.closedProposal(ctx)
	return err
}

// CreateCache generates the report and stores it, unless it was stored
// since the job was queued.
func (r *Report) CreateCache(ctx context.Context) error {
	ok, err := r.Exists(ctx)
	if err != nil {
		return err
	}
	if ok {
		r.logger.Debug("votes report already cached", "id", r.id)
		return nil
	}
	_, err = r.Entry.CreateCache(ctx, r.Generate)
	return err
}

func (r *Report) closedProposal(ctx context.Context) (*hub.Proposal, error) {
	if err := sidekick.CheckID(r.id); err != nil {
		return nil, err
	}
	p, err := r.source.FetchProposal(ctx, r.id)
	if errors.Is(err, hub.ErrNotFound) {
		return nil, sidekick.Wrap(sidekick.ReasonEntryNotFound, fmt.Errorf("proposal %s: %w", r.id, err))
	}
	if err != nil {
		return nil, sidekick.Wrap(sidekick.ReasonInternalError, err)
	}
	if p.State != hub.StateClosed {
		return nil, sidekick.Wrap(sidekick.ReasonProposalNotClosed, fmt.Errorf("proposal %s is %s", r.id, p.State))
	}
	return p, nil
}

// Generate writes the CSV report to w.
//
// Votes are fetched in created order. After every maxPage pages the
// created_gte cursor moves to the timestamp of the last vote fetched and the
// offset resets. Votes sharing that timestamp come back on the next page, so
// the first page after a move drops votes already written in the page
// before. This assumes no more than one page of votes share a timestamp.
func (r *Report) Generate(ctx context.Context, w io.Writer) error {
	proposal, err := r.closedProposal(ctx)
	if err != nil {
		return err
	}

	cw := csv.NewWriter(w)
	fetchQuery := hub.VotesQuery{First: r.pageSize, OrderBy: "created", OrderDirection: "asc"}
	var (
		lay       *layout
		cursor    int64
		page      int
		pages     int
		rows      int
		afterMove bool
		lastPage  map[string]struct{}
	)

	for {
		fetchQuery.Skip = page * r.pageSize
		fetchQuery.CreatedGTE = cursor
		votes, err := r.source.FetchVotes(ctx, r.id, fetchQuery)
		if err != nil {
			return sidekick.Wrap(sidekick.ReasonInternalError, err)
		}
		pages++
		fetched := len(votes)

		if lay == nil {
			lay = newLayout(proposal, votes)
			if err := cw.Write(lay.header()); err != nil {
				return fmt.Errorf("writing header: %w", err)
			}
		}

		var lastCreated int64
		if fetched > 0 {
			lastCreated = votes[fetched-1].Created
		}
		if afterMove {
			votes = dropSeen(votes, lastPage)
			afterMove = false
		}

		seen := make(map[string]struct{}, len(votes))
		for _, v := range votes {
			if err := cw.Write(lay.row(v)); err != nil {
				return fmt.Errorf("writing vote %s: %w", v.IPFS, err)
			}
			seen[v.IPFS] = struct{}{}
		}
		cw.Flush()
		if err := cw.Error(); err != nil {
			return fmt.Errorf("flushing page %d: %w", pages, err)
		}
		rows += len(votes)
		lastPage = seen

		if fetched < r.pageSize {
			break
		}

		page++
		if page == r.maxPage {
			cursor = lastCreated
			page = 0
			afterMove = true
		}
	}

	r.logger.Debug("votes report generated", "proposal", r.id, "pages", pages, "rows", rows)
	return nil
}

func dropSeen(votes []hub.Vote, seen map[string]struct{}) []hub.Vote {
	out := votes[:0:0]
	for _, v := range votes {
		if _, dup := seen[v.IPFS]; !dup {
			out = append(out, v)
		}
	}
	return out
}

// layout decides the choice columns of a report.
type layout struct {
	multi   bool
	choices int
}

// newLayout uses the proposal type when it is known, otherwise the shape of
// the first vote's choice.
func newLayout(p *hub.Proposal, firstPage []hub.Vote) *layout {
	multi, known := p.MultiChoice()
	if !known {
		multi = len(firstPage) > 0 && firstPage[0].Choice.Multi()
	}
	return &layout{multi: multi, choices: len(p.Choices)}
}

func (l *layout) header() []string {
	h := []string{"address"}
	if l.multi {
		for i := range l.choices {
			h = append(h, "choice."+strconv.Itoa(i+1))
		}
	} else {
		h = append(h, "choice")
	}
	return append(h, "voting_power", "timestamp", "author_ipfs_hash")
}

func (l *layout) row(v hub.Vote) []string {
	row := []string{v.Voter}
	if l.multi {
		row = append(row, l.weights(v.Choice)...)
	} else {
		row = append(row, singleChoice(v.Choice))
	}
	return append(row,
		formatNumber(v.VP),
		strconv.FormatInt(v.Created, 10),
		v.IPFS,
	)
}

// weights spreads a choice over one column per proposal choice. Indices
// outside the proposal's choices are dropped; a plain index counts as a
// weight of 1 on that choice.
func (l *layout) weights(c hub.Choice) []string {
	cols := make([]string, l.choices)
	switch {
	case c.Multi():
		for idx, w := range c.Weights {
			if idx >= 1 && idx <= l.choices {
				cols[idx-1] = formatNumber(w)
			}
		}
	case c.Index >= 1 && c.Index <= l.choices:
		cols[c.Index-1] = "1"
	}
	return cols
}

func singleChoice(c hub.Choice) string {
	switch {
	case c.Text != "":
		return c.Text
	case c.Multi():
		b, _ := json.Marshal(c)
		return string(b)
	default:
		return strconv.Itoa(c.Index)
	}
}

func formatNumber(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
