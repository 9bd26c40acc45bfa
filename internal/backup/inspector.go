package backup

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	apperrors "backup-engine/internal/errors"
	"backup-engine/internal/logging"
)

// DatabaseStats is the metadata attached to a full backup
type DatabaseStats struct {
	Version      string
	TablesCount  int
	RecordsCount int64
}

// DatabaseInspector reads server version, table list and row counts
type DatabaseInspector interface {
	Version(ctx context.Context) (string, error)
	Tables(ctx context.Context) ([]string, error)
	Stats(ctx context.Context) (*DatabaseStats, error)
	Close() error
}

// SQLInspector implements DatabaseInspector over database/sql
type SQLInspector struct {
	db         *sql.DB
	dialect    Dialect
	classifier *apperrors.ErrorClassifier
	logger     *logging.Logger
}

// NewSQLInspector wraps an open handle
func NewSQLInspector(db *sql.DB, dialect Dialect, logger *logging.Logger) *SQLInspector {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &SQLInspector{
		db:         db,
		dialect:    dialect,
		classifier: apperrors.NewErrorClassifier(),
		logger:     logger,
	}
}

// OpenInspector opens a lazily connecting pool for target
func OpenInspector(target *DatabaseTarget, logger *logging.Logger) (*SQLInspector, error) {
	dialect, err := DialectFor(target)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(dialect.DriverName(), dialect.DSN(target))
	if err != nil {
		return nil, NewDatabaseError(fmt.Sprintf("failed to open %s connection", dialect.Name()), err)
	}
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	return NewSQLInspector(db, dialect, logger), nil
}

func (i *SQLInspector) wrap(message string, err error) error {
	appErr := i.classifier.ClassifyError(err)
	return NewDatabaseError(message, appErr).WithContext("category", string(appErr.Type))
}

// Version returns the server version string
func (i *SQLInspector) Version(ctx context.Context) (string, error) {
	var version string
	if err := i.db.QueryRowContext(ctx, i.dialect.VersionQuery()).Scan(&version); err != nil {
		return "", i.wrap("failed to query database version", err)
	}
	return version, nil
}

// Tables lists the base tables of the connected schema
func (i *SQLInspector) Tables(ctx context.Context) ([]string, error) {
	rows, err := i.db.QueryContext(ctx, i.dialect.TablesQuery())
	if err != nil {
		return nil, i.wrap("failed to list tables", err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, i.wrap("failed to scan table name", err)
		}
		tables = append(tables, name)
	}
	if err := rows.Err(); err != nil {
		return nil, i.wrap("failed to list tables", err)
	}
	return tables, nil
}

// Stats collects version, table count and approximate total rows. A table
// whose count fails is logged and skipped.
func (i *SQLInspector) Stats(ctx context.Context) (*DatabaseStats, error) {
	version, err := i.Version(ctx)
	if err != nil {
		return nil, err
	}

	tables, err := i.Tables(ctx)
	if err != nil {
		return nil, err
	}

	stats := &DatabaseStats{Version: version, TablesCount: len(tables)}
	for _, table := range tables {
		var count int64
		if err := i.db.QueryRowContext(ctx, i.dialect.CountQuery(table)).Scan(&count); err != nil {
			i.logger.WithError(err).WithField("table", table).Warn("Skipping row count for table")
			continue
		}
		stats.RecordsCount += count
	}

	return stats, nil
}

// Close releases the pool
func (i *SQLInspector) Close() error {
	return i.db.Close()
}
