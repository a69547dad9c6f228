// Package moderation relays the platform's moderation lists: flagged and
// verified entities from the moderation table, plus the link and token
// lists maintained as JSON files.
package moderation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"github.com/snapshot-labs/sidekick/telemetry"
	_ "modernc.org/sqlite"
)

// Supported database drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// List names.
const (
	FlaggedLinks     = "flaggedLinks"
	FlaggedProposals = "flaggedProposals"
	FlaggedSpaces    = "flaggedSpaces"
	FlaggedAddresses = "flaggedAddresses"
	VerifiedSpaces   = "verifiedSpaces"
	VerifiedTokens   = "verifiedTokens"
)

// AllLists are returned when no list is selected.
var AllLists = []string{
	FlaggedLinks,
	FlaggedProposals,
	FlaggedSpaces,
	FlaggedAddresses,
	VerifiedSpaces,
	VerifiedTokens,
}

// dbLists maps the lists stored in the moderation table to their
// action and type columns.
var dbLists = map[string]struct{ action, typ string }{
	FlaggedProposals: {"flag", "proposal"},
	FlaggedSpaces:    {"flag", "space"},
	FlaggedAddresses: {"flag", "address"},
	VerifiedSpaces:   {"verify", "space"},
}

// fileLists maps the lists stored as JSON files to their file names.
var fileLists = map[string]string{
	FlaggedLinks:   "flaggedLinks.json",
	VerifiedTokens: "verifiedTokens.json",
}

const schema = `
CREATE TABLE IF NOT EXISTS moderation (
    id TEXT PRIMARY KEY,
    action TEXT NOT NULL,
    type TEXT NOT NULL,
    value TEXT NOT NULL,
    created BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_moderation_action_type ON moderation(action, type);
`

// OpenDB opens the moderation database and creates its schema.
func OpenDB(ctx context.Context, driver, dsn string) (*sql.DB, error) {
	switch driver {
	case DriverPostgres, DriverSQLite:
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	if err := CreateSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// CreateSchema creates the moderation table. Safe to call multiple times.
func CreateSchema(ctx context.Context, db *sql.DB) error {
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

// Item is one row of the moderation table.
type Item struct {
	ID      string
	Action  string
	Type    string
	Value   string
	Created time.Time
}

// Relay serves moderation lists.
type Relay struct {
	db     *sql.DB
	driver string
	dir    string
	logger *slog.Logger
}

// Option configures a Relay.
type Option func(*Relay)

// WithDB sets the database holding the moderation table.
func WithDB(db *sql.DB, driver string) Option {
	return func(r *Relay) {
		r.db = db
		r.driver = driver
	}
}

// WithDir sets the directory holding the JSON list files.
func WithDir(dir string) Option {
	return func(r *Relay) {
		r.dir = dir
	}
}

// WithLogger sets the logger for the relay.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Relay) {
		r.logger = logger
	}
}

// New creates a relay. Lists whose source is not configured come back
// empty.
func New(opts ...Option) *Relay {
	r := &Relay{logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Lists returns the selected lists keyed by name. An empty selection
// returns every list; unknown names are ignored.
func (r *Relay) Lists(ctx context.Context, names []string) (map[string]any, error) {
	if len(names) == 0 {
		names = AllLists
	}

	out := make(map[string]any)
	var fromDB []string
	for _, name := range names {
		name = strings.TrimSpace(name)
		if _, ok := out[name]; ok {
			continue
		}
		if _, ok := dbLists[name]; ok {
			fromDB = append(fromDB, name)
			out[name] = []string{}
			continue
		}
		if file, ok := fileLists[name]; ok {
			v, err := r.readFile(file)
			if err != nil {
				return nil, err
			}
			out[name] = v
			recordCount(ctx, name, v)
		}
	}

	if len(fromDB) > 0 {
		rows, err := r.query(ctx)
		if err != nil {
			return nil, err
		}
		for _, name := range fromDB {
			l := dbLists[name]
			values := rows[l.action+"/"+l.typ]
			if values == nil {
				values = []string{}
			}
			out[name] = values
			telemetry.RecordModerationItems(ctx, name, len(values))
		}
	}
	return out, nil
}

func recordCount(ctx context.Context, name string, v any) {
	if items, ok := v.([]any); ok {
		telemetry.RecordModerationItems(ctx, name, len(items))
	}
}

// query returns the moderation table's values grouped by action/type, in
// insertion order.
func (r *Relay) query(ctx context.Context) (map[string][]string, error) {
	if r.db == nil {
		return map[string][]string{}, nil
	}
	rows, err := r.db.QueryContext(ctx, `SELECT action, type, value FROM moderation ORDER BY created ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("querying moderation: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string][]string)
	for rows.Next() {
		var action, typ, value string
		if err := rows.Scan(&action, &typ, &value); err != nil {
			return nil, fmt.Errorf("scanning moderation row: %w", err)
		}
		key := action + "/" + typ
		out[key] = append(out[key], value)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating moderation rows: %w", err)
	}
	return out, nil
}

// readFile decodes a JSON list file. A missing file is an empty list.
func (r *Relay) readFile(name string) (any, error) {
	if r.dir == "" {
		return []any{}, nil
	}
	data, err := os.ReadFile(filepath.Join(r.dir, name))
	if errors.Is(err, os.ErrNotExist) {
		r.logger.Debug("moderation file missing", "file", name)
		return []any{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", name, err)
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", name, err)
	}
	return v, nil
}

// Add inserts an item into the moderation table.
func (r *Relay) Add(ctx context.Context, item Item) error {
	if r.db == nil {
		return errors.New("moderation database not configured")
	}
	if item.Created.IsZero() {
		item.Created = time.Now()
	}
	if item.ID == "" {
		item.ID = item.Action + "/" + item.Type + "/" + item.Value
	}
	query := fmt.Sprintf(
		`INSERT INTO moderation (id, action, type, value, created) VALUES (%s, %s, %s, %s, %s)`,
		r.param(1), r.param(2), r.param(3), r.param(4), r.param(5),
	)
	_, err := r.db.ExecContext(ctx, query, item.ID, item.Action, item.Type, item.Value, item.Created.Unix())
	if err != nil {
		return fmt.Errorf("inserting moderation item: %w", err)
	}
	return nil
}

// param returns the n-th bind parameter in the driver's syntax.
func (r *Relay) param(n int) string {
	if r.driver == DriverPostgres {
		return "$" + strconv.Itoa(n)
	}
	return "?"
}
