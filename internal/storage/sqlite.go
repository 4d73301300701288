package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"abot/internal/alert"
	"abot/internal/dispatch"
	"abot/internal/subscription"
	logx "abot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db          *sql.DB
	log         logx.Logger
	deliveryLog bool
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, deliveryLog: cfg.DeliveryLog}

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) LoadState(ctx context.Context) (subscription.State, error) {
	var st subscription.State
	rows, err := s.db.QueryContext(ctx,
		`SELECT subscriber, member, severity, mute_interval, mute_until, created_at, updated_at FROM subscriptions`)
	if err != nil {
		return st, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			sub                subscription.Subscription
			sev                string
			muteNS             int64
			muteUntil          sql.NullInt64
			created, updatedAt int64
		)
		if err := rows.Scan(&sub.Subscriber, &sub.Member, &sev, &muteNS, &muteUntil, &created, &updatedAt); err != nil {
			return st, err
		}
		sub.Severity = alert.Severity(sev)
		sub.MuteInterval = time.Duration(muteNS)
		if muteUntil.Valid {
			sub.MuteUntil = time.UnixMilli(muteUntil.Int64).UTC()
		}
		sub.CreatedAt = time.UnixMilli(created).UTC()
		sub.UpdatedAt = time.UnixMilli(updatedAt).UTC()
		st.Subscriptions = append(st.Subscriptions, sub)
	}
	if err := rows.Err(); err != nil {
		return st, err
	}

	mrows, err := s.db.QueryContext(ctx, `SELECT member, since FROM maintenance`)
	if err != nil {
		return st, err
	}
	defer mrows.Close()
	for mrows.Next() {
		var (
			m     subscription.MaintenanceState
			since int64
		)
		if err := mrows.Scan(&m.Member, &since); err != nil {
			return st, err
		}
		m.Since = time.UnixMilli(since).UTC()
		st.Maintenance = append(st.Maintenance, m)
	}
	return st, mrows.Err()
}

// SaveState replaces both tables in one transaction.
func (s *sqliteStore) SaveState(ctx context.Context, st subscription.State) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM subscriptions`); err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM maintenance`); err != nil {
		return err
	}

	ins, err := tx.PrepareContext(ctx,
		`INSERT INTO subscriptions(subscriber, member, severity, mute_interval, mute_until, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?)`)
	if err != nil {
		return err
	}
	defer ins.Close()
	for _, sub := range st.Subscriptions {
		var muteUntil any
		if !sub.MuteUntil.IsZero() {
			muteUntil = sub.MuteUntil.UnixMilli()
		}
		if _, err = ins.ExecContext(ctx,
			sub.Subscriber, sub.Member, string(sub.Severity), int64(sub.MuteInterval), muteUntil,
			sub.CreatedAt.UnixMilli(), sub.UpdatedAt.UnixMilli(),
		); err != nil {
			return err
		}
	}
	for _, m := range st.Maintenance {
		if _, err = tx.ExecContext(ctx, `INSERT INTO maintenance(member, since) VALUES(?,?)`, m.Member, m.Since.UnixMilli()); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) AppendDelivery(ctx context.Context, at dispatch.Attempt) error {
	if s == nil || s.db == nil || !s.deliveryLog {
		return ErrDisabled
	}
	if at.At.IsZero() {
		at.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO deliveries(at, alert_id, member, severity, subscriber, outcome, reason, tries)
		 VALUES(?,?,?,?,?,?,?,?)`,
		at.At.UnixMilli(), at.AlertID, at.Member, string(at.Severity), at.Subscriber, string(at.Outcome), nullStr(at.Reason), at.Tries,
	)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
