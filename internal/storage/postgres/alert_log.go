// Package postgres keeps the tabular alert log in Postgres.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/sitewatch/internal/crawler"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// DefaultTable is the alert table name used when none is configured.
const DefaultTable = "page_alerts"

// Config controls the Postgres connection pool used for alert rows.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// AlertLog writes one row per alert.
type AlertLog struct {
	pool  execCloser
	table string
}

// NewAlertLog connects to Postgres using cfg.
func NewAlertLog(ctx context.Context, cfg Config) (*AlertLog, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("alerts.dsn is required")
	}
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &AlertLog{pool: pool, table: table}, nil
}

// NewAlertLogWithPool builds an AlertLog over an existing pool.
func NewAlertLogWithPool(pool execCloser, table string) (*AlertLog, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	name, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &AlertLog{pool: pool, table: name}, nil
}

func tableName(table string) (string, error) {
	if table == "" {
		return DefaultTable, nil
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// Close releases the underlying pool resources.
func (l *AlertLog) Close() {
	if l == nil || l.pool == nil {
		return
	}
	l.pool.Close()
}

// Record inserts one alert row.
func (l *AlertLog) Record(ctx context.Context, alert crawler.Alert) error {
	if l == nil || l.pool == nil {
		return fmt.Errorf("alert log is not configured")
	}
	if alert.ID == "" {
		return fmt.Errorf("alert id is required")
	}
	var (
		details []byte
		summary string
	)
	if alert.Details != nil {
		var err error
		details, err = json.Marshal(alert.Details)
		if err != nil {
			return fmt.Errorf("marshal alert details: %w", err)
		}
		summary = alert.Details.Summary
	}
	if summary == "" {
		summary = alert.Message
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	id,
	site_id,
	kind,
	url,
	alert_time,
	status_code,
	last_success_at,
	summary,
	details,
	screenshot_ref,
	snapshot_ref
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11
)`, l.table)

	args := []any{
		alert.ID,
		alert.SiteID,
		string(alert.Kind),
		alert.URL,
		alert.At,
		alert.StatusCode,
		alert.LastSuccessAt,
		summary,
		details,
		alert.ScreenshotRef,
		alert.SnapshotRef,
	}
	if _, err := l.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("%w: insert alert: %w", crawler.ErrPersistence, err)
	}
	return nil
}
