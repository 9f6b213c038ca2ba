// Package sqlstore implements the storage interfaces on database/sql.
//
// One schema serves SQLite (github.com/mattn/go-sqlite3), PostgreSQL
// (github.com/lib/pq) and MySQL/OceanBase (github.com/go-sql-driver/mysql).
// Timestamps are stored as Unix nanoseconds, embeddings and maps as JSON
// text, and snapshot payloads as msgpack blobs.
//
// Edge strengthening and reflective-item idempotency are enforced by unique
// keys and single-statement upserts, so concurrent writers never lose
// updates and never create duplicates.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/oceanbase/reflective-memory-go/pkg/core"
	"go.uber.org/zap"
)

// Client implements storage.MemoryStore, storage.GraphStore,
// storage.SnapshotStore and storage.VersionStore.
type Client struct {
	db      *sql.DB
	dialect *dialect
	logger  *zap.Logger

	items     string
	nodes     string
	edges     string
	snapshots string
	versions  string
}

// Options configures a Client built over an existing *sql.DB.
type Options struct {
	// Dialect is "sqlite", "postgres" or "mysql".
	Dialect string

	// TablePrefix is prepended to every table name.
	TablePrefix string

	// SkipMigrate leaves the schema untouched.
	SkipMigrate bool

	Logger *zap.Logger
}

// NewClient opens the configured database and creates the schema.
func NewClient(cfg core.StoreConfig, logger *zap.Logger) (*Client, error) {
	d, err := dialectFor(cfg.Provider)
	if err != nil {
		return nil, fmt.Errorf("NewClient: %w", &core.ConfigurationError{Field: "store.provider", Reason: err.Error()})
	}

	dsn, err := buildDSN(d, cfg)
	if err != nil {
		return nil, fmt.Errorf("NewClient: %w", err)
	}

	db, err := sql.Open(d.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("NewClient: %w", err)
	}
	if d == dialectSQLite {
		// A single writer avoids SQLITE_BUSY under concurrent upserts.
		db.SetMaxOpenConns(1)
	} else if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("NewClient: %w", core.Unavailable("store", err))
	}

	c, err := New(db, Options{Dialect: d.name, TablePrefix: cfg.TablePrefix, Logger: logger})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return c, nil
}

// New wraps an open database handle.
func New(db *sql.DB, opts Options) (*Client, error) {
	d, err := dialectFor(opts.Dialect)
	if err != nil {
		return nil, fmt.Errorf("New: %w", err)
	}
	p := opts.TablePrefix
	c := &Client{
		db:        db,
		dialect:   d,
		logger:    core.LoggerOrNop(opts.Logger).With(zap.String("component", "sqlstore")),
		items:     p + "memory_items",
		nodes:     p + "graph_nodes",
		edges:     p + "graph_edges",
		snapshots: p + "graph_snapshots",
		versions:  p + "scope_versions",
	}
	if !opts.SkipMigrate {
		if err := c.initTables(context.Background()); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func buildDSN(d *dialect, cfg core.StoreConfig) (string, error) {
	switch d {
	case dialectSQLite:
		dir := filepath.Dir(cfg.Path)
		if dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return "", fmt.Errorf("create directory: %w", err)
			}
		}
		return cfg.Path + "?_foreign_keys=1&_journal_mode=WAL&_busy_timeout=5000", nil
	case dialectPostgres:
		sslMode := cfg.SSLMode
		if sslMode == "" {
			sslMode = "disable"
		}
		port := cfg.Port
		if port == 0 {
			port = 5432
		}
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			cfg.Host, port, cfg.User, cfg.Password, cfg.Database, sslMode), nil
	default:
		port := cfg.Port
		if port == 0 {
			port = 3306
		}
		return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&multiStatements=false",
			cfg.User, cfg.Password, cfg.Host, port, cfg.Database), nil
	}
}

// initTables creates tables and indexes if they do not exist.
func (c *Client) initTables(ctx context.Context) error {
	d := c.dialect
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id BIGINT PRIMARY KEY,
			tenant_id %[2]s NOT NULL,
			project_id %[2]s NOT NULL,
			content %[3]s NOT NULL,
			embedding %[3]s,
			layer %[2]s NOT NULL,
			importance %[4]s NOT NULL,
			created_at BIGINT NOT NULL,
			last_accessed_at BIGINT,
			access_count BIGINT NOT NULL DEFAULT 0,
			tags %[3]s,
			metadata %[3]s,
			session_id %[2]s,
			source_item_ids %[3]s,
			decayed_at BIGINT,
			floor_since BIGINT,
			archival_candidate %[5]s NOT NULL DEFAULT %[6]s,
			idempotency_key %[2]s,
			consolidated_from BIGINT NOT NULL DEFAULT 0,
			UNIQUE (tenant_id, project_id, idempotency_key)
		)`, c.items, d.textKey, d.textLong, d.float, d.boolean, d.autoFalse),
		fmt.Sprintf(`CREATE INDEX %sidx_%s_scope_layer ON %s (tenant_id, project_id, layer, importance)`, c.ifNotExists(), c.items, c.items),
		fmt.Sprintf(`CREATE INDEX %sidx_%s_scope_created ON %s (tenant_id, project_id, created_at)`, c.ifNotExists(), c.items, c.items),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			tenant_id %[2]s NOT NULL,
			project_id %[2]s NOT NULL,
			node_id %[2]s NOT NULL,
			label %[3]s NOT NULL,
			label_lower %[3]s NOT NULL,
			properties %[3]s,
			created_at BIGINT NOT NULL,
			PRIMARY KEY (tenant_id, project_id, node_id)
		)`, c.nodes, d.textKey, d.textLong),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id BIGINT PRIMARY KEY,
			tenant_id %[2]s NOT NULL,
			project_id %[2]s NOT NULL,
			source_id %[2]s NOT NULL,
			target_id %[2]s NOT NULL,
			relation %[2]s NOT NULL,
			weight %[3]s NOT NULL,
			confidence %[3]s NOT NULL,
			valid_from BIGINT,
			valid_to BIGINT,
			is_active %[4]s NOT NULL,
			bidirectional %[4]s NOT NULL,
			evidence_count INTEGER NOT NULL DEFAULT 1,
			metadata %[5]s,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			active_key CHAR(40),
			UNIQUE (tenant_id, project_id, active_key)
		)`, c.edges, d.textKey, d.float, d.boolean, d.textLong),
		fmt.Sprintf(`CREATE INDEX %sidx_%s_source ON %s (tenant_id, project_id, source_id)`, c.ifNotExists(), c.edges, c.edges),
		fmt.Sprintf(`CREATE INDEX %sidx_%s_target ON %s (tenant_id, project_id, target_id)`, c.ifNotExists(), c.edges, c.edges),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id CHAR(36) PRIMARY KEY,
			tenant_id %[2]s NOT NULL,
			project_id %[2]s NOT NULL,
			name %[2]s NOT NULL,
			description %[3]s,
			created_at BIGINT NOT NULL,
			node_count INTEGER NOT NULL,
			edge_count INTEGER NOT NULL,
			stats %[3]s,
			payload %[4]s NOT NULL
		)`, c.snapshots, d.textKey, d.textLong, d.blob),
		fmt.Sprintf(`CREATE INDEX %sidx_%s_scope ON %s (tenant_id, project_id, created_at)`, c.ifNotExists(), c.snapshots, c.snapshots),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			tenant_id %[2]s NOT NULL,
			project_id %[2]s NOT NULL,
			version BIGINT NOT NULL,
			PRIMARY KEY (tenant_id, project_id)
		)`, c.versions, d.textKey),
	}

	for _, stmt := range stmts {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			if c.dialect == dialectMySQL && isDuplicateIndex(err) {
				continue
			}
			return fmt.Errorf("initTables: %w", err)
		}
	}
	return nil
}

// ifNotExists returns the CREATE INDEX guard; MySQL has none and reports
// duplicates instead.
func (c *Client) ifNotExists() string {
	if c.dialect == dialectMySQL {
		return ""
	}
	return "IF NOT EXISTS "
}

// Close closes the database connection.
func (c *Client) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

// DB exposes the underlying handle for maintenance tooling.
func (c *Client) DB() *sql.DB {
	return c.db
}
