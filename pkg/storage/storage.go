package storage

import (
	"context"
	"database/sql"

	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/facebookincubator/go-belt/tool/logger/implementation/dummy"
	"github.com/jmoiron/sqlx"

	// Supported relational backends. The index is a queryable projection of
	// the entity documents; the documents stay authoritative.
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
)

// Storage is the relational index over analysis and task documents. It mirrors
// the subset of document fields needed for cross-entity queries (counts,
// filters, scheduling); it is eventually consistent with the documents and is
// updated via set-based statements only.
type Storage struct {
	DB     *sqlx.DB
	Logger logger.Logger
}

// New returns an instance of Storage.
func New(rdbmsDriver string, rdbmsDSN string, log logger.Logger) (*Storage, error) {
	if log == nil {
		log = dummy.New()
	}

	db, err := sql.Open(rdbmsDriver, rdbmsDSN)
	if err != nil {
		return nil, ErrInitRDBMS{Err: err, DSN: rdbmsDSN}
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, ErrRDBMSPing{Err: err}
	}

	return &Storage{
		DB:     sqlx.NewDb(db, rdbmsDriver),
		Logger: log,
	}, nil
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS analyses (
		id         VARCHAR(32)  NOT NULL PRIMARY KEY,
		kind       VARCHAR(32)  NOT NULL,
		created_on TIMESTAMP    NOT NULL,
		state      VARCHAR(32)  NOT NULL,
		priority   INTEGER      NOT NULL DEFAULT 1,
		score      INTEGER      NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS tasks (
		id           VARCHAR(48)  NOT NULL PRIMARY KEY,
		kind         VARCHAR(32)  NOT NULL,
		number       INTEGER      NOT NULL,
		created_on   TIMESTAMP    NOT NULL,
		analysis_id  VARCHAR(32)  NOT NULL,
		priority     INTEGER      NOT NULL DEFAULT 1,
		state        VARCHAR(32)  NOT NULL,
		scheduled    INTEGER      NOT NULL DEFAULT 0,
		node         VARCHAR(255) NOT NULL DEFAULT '',
		machine      VARCHAR(255) NOT NULL DEFAULT '',
		machine_tags VARCHAR(255) NOT NULL DEFAULT '',
		platform     VARCHAR(255) NOT NULL DEFAULT '',
		os_version   VARCHAR(255) NOT NULL DEFAULT '',
		route        VARCHAR(255) NOT NULL DEFAULT '',
		score        INTEGER      NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS tasks_analysis_id ON tasks (analysis_id)`,
	`CREATE INDEX IF NOT EXISTS tasks_state ON tasks (state)`,
}

// InitSchema creates the index tables if they do not exist yet.
func (stor *Storage) InitSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := stor.DB.ExecContext(ctx, stmt); err != nil {
			return ErrInitSchema{Err: err, Statement: stmt}
		}
	}
	return nil
}

// Close closes the connection pool.
func (stor *Storage) Close() error {
	return stor.DB.Close()
}
