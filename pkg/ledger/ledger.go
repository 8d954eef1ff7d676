package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "modernc.org/sqlite"

	"github.com/pario-ai/profilequota/pkg/models"
)

// TimeFormat is the layout of every timestamp stored in the database. All
// stored times are UTC.
const TimeFormat = "2006-01-02 15:04:05"

// ErrNoBalance is returned when a balance record has not been initialized.
var ErrNoBalance = errors.New("balance not initialized")

// Ledger stores per (user, profile) token balances and the usage log.
type Ledger interface {
	// EnsureInitialized creates the balance record with the given initial
	// count if it does not exist yet. Existing records are left untouched.
	EnsureInitialized(ctx context.Context, user, profileSlug string, initial float64, now time.Time) error
	// Balance returns the current count, or 0 when there is no record.
	Balance(ctx context.Context, user, profileSlug string) (float64, error)
	// Record returns the stored balance record or ErrNoBalance.
	Record(ctx context.Context, user, profileSlug string) (models.BalanceRecord, error)
	// Accrue adds the tokens earned since the last accrual at ratePerHour,
	// clamps the result to maxBalance and returns the new count.
	Accrue(ctx context.Context, user, profileSlug string, ratePerHour, maxBalance float64, now time.Time) (float64, error)
	// Charge subtracts tokens from the count without a floor and returns the
	// new count.
	Charge(ctx context.Context, user, profileSlug string, tokens float64) (float64, error)
	// AppendUsage writes a row to the usage log.
	AppendUsage(ctx context.Context, entry models.UsageEntry) error
	// Usage returns usage log rows, newest first.
	Usage(ctx context.Context, q models.UsageQuery) ([]models.UsageEntry, error)
	// UsageSummary aggregates the usage log per user and profile, optionally
	// filtered by user.
	UsageSummary(ctx context.Context, user string) ([]models.UsageSummary, error)
	// Balances lists stored balance records, optionally filtered by user.
	Balances(ctx context.Context, user string) ([]models.BalanceRecord, error)
	// Close releases resources.
	Close() error
}

// SQLiteLedger implements Ledger with a SQLite database.
type SQLiteLedger struct {
	db    *sql.DB
	locks keyLocks
}

var _ Ledger = (*SQLiteLedger)(nil)

const createUsageTable = `
CREATE TABLE IF NOT EXISTS usage (
	user TEXT NOT NULL,
	date TEXT NOT NULL,
	profile_slug TEXT NOT NULL,
	hours TEXT NOT NULL,
	tokens TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_usage_user ON usage(user);
CREATE INDEX IF NOT EXISTS idx_usage_profile_slug ON usage(profile_slug);
`

const createUserTokensTable = `
CREATE TABLE IF NOT EXISTS usertokens (
	user TEXT NOT NULL,
	profile_slug TEXT NOT NULL,
	count REAL NOT NULL,
	last_add TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_usertokens_user ON usertokens(user);
CREATE INDEX IF NOT EXISTS idx_usertokens_profile_slug ON usertokens(profile_slug);
CREATE UNIQUE INDEX IF NOT EXISTS idx_usertokens_user_profile ON usertokens(user, profile_slug);
`

// Write transactions take the database lock up front so two processes
// sharing the file cannot both read the same last_add.
const dsnParams = "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate"

// New opens the SQLite database at dbPath and creates the schema.
func New(dbPath string) (*SQLiteLedger, error) {
	db, err := sql.Open("sqlite", dbPath+dsnParams)
	if err != nil {
		return nil, fmt.Errorf("open ledger db: %w", err)
	}

	if _, err := db.Exec(createUsageTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate usage table: %w", err)
	}

	if _, err := db.Exec(createUserTokensTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate usertokens table: %w", err)
	}

	return &SQLiteLedger{db: db}, nil
}

// EnsureInitialized creates the balance record if it is missing.
func (l *SQLiteLedger) EnsureInitialized(ctx context.Context, user, profileSlug string, initial float64, now time.Time) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO usertokens (user, profile_slug, count, last_add) VALUES (?, ?, ?, ?)
		 ON CONFLICT(user, profile_slug) DO NOTHING`,
		user, profileSlug, initial, formatTime(now),
	)
	if err != nil {
		return fmt.Errorf("initialize balance: %w", err)
	}
	return nil
}

// Balance returns the current count for the key, or 0 if there is none.
func (l *SQLiteLedger) Balance(ctx context.Context, user, profileSlug string) (float64, error) {
	rec, err := l.Record(ctx, user, profileSlug)
	if errors.Is(err, ErrNoBalance) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return rec.Count, nil
}

// Record returns the stored record for the key.
func (l *SQLiteLedger) Record(ctx context.Context, user, profileSlug string) (models.BalanceRecord, error) {
	rec := models.BalanceRecord{User: user, ProfileSlug: profileSlug}
	var lastAdd string
	err := l.db.QueryRowContext(ctx,
		`SELECT count, last_add FROM usertokens WHERE user = ? AND profile_slug = ?`,
		user, profileSlug,
	).Scan(&rec.Count, &lastAdd)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, ErrNoBalance
	}
	if err != nil {
		return rec, fmt.Errorf("read balance: %w", err)
	}
	if rec.LastAdd, err = parseTime(lastAdd); err != nil {
		return rec, err
	}
	return rec, nil
}

// Accrue runs the accrual read-modify-write for one key inside a single
// write transaction, holding the key's lock.
func (l *SQLiteLedger) Accrue(ctx context.Context, user, profileSlug string, ratePerHour, maxBalance float64, now time.Time) (float64, error) {
	unlock := l.locks.lock(user, profileSlug)
	defer unlock()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin accrue: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var count float64
	var lastAdd string
	err = tx.QueryRowContext(ctx,
		`SELECT count, last_add FROM usertokens WHERE user = ? AND profile_slug = ?`,
		user, profileSlug,
	).Scan(&count, &lastAdd)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNoBalance
	}
	if err != nil {
		return 0, fmt.Errorf("read balance: %w", err)
	}

	last, err := parseTime(lastAdd)
	if err != nil {
		return 0, err
	}
	now = now.UTC().Truncate(time.Second)
	balance := Accrued(count, now.Sub(last), ratePerHour, maxBalance)
	// last_add never moves backwards, or a skewed clock would earn the
	// same interval twice.
	if now.Before(last) {
		now = last
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE usertokens SET count = ?, last_add = ? WHERE user = ? AND profile_slug = ?`,
		balance, formatTime(now), user, profileSlug,
	)
	if err != nil {
		return 0, fmt.Errorf("update balance: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit accrue: %w", err)
	}
	return balance, nil
}

// Accrued returns count plus the tokens earned over elapsed at ratePerHour,
// clamped to maxBalance. Negative elapsed time earns nothing.
func Accrued(count float64, elapsed time.Duration, ratePerHour, maxBalance float64) float64 {
	hours := elapsed.Hours()
	if hours < 0 {
		hours = 0
	}
	earned := 0.0
	if ratePerHour != 0 {
		earned = hours * ratePerHour
	}
	return math.Min(count+earned, maxBalance)
}

// Charge subtracts tokens from the key's count. The count may go negative.
func (l *SQLiteLedger) Charge(ctx context.Context, user, profileSlug string, tokens float64) (float64, error) {
	unlock := l.locks.lock(user, profileSlug)
	defer unlock()

	var balance float64
	err := l.db.QueryRowContext(ctx,
		`UPDATE usertokens SET count = count - ? WHERE user = ? AND profile_slug = ? RETURNING count`,
		tokens, user, profileSlug,
	).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNoBalance
	}
	if err != nil {
		return 0, fmt.Errorf("charge balance: %w", err)
	}
	return balance, nil
}

// AppendUsage inserts a usage log row.
func (l *SQLiteLedger) AppendUsage(ctx context.Context, entry models.UsageEntry) error {
	q, args, err := sq.Insert("usage").
		Columns("user", "date", "profile_slug", "hours", "tokens").
		Values(entry.User, formatTime(entry.Date), entry.ProfileSlug, formatFloat(entry.Hours), formatFloat(entry.Tokens)).
		ToSql()
	if err != nil {
		return fmt.Errorf("build usage insert: %w", err)
	}
	if _, err := l.db.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("append usage: %w", err)
	}
	return nil
}

// Usage returns usage log rows matching q, newest first.
func (l *SQLiteLedger) Usage(ctx context.Context, q models.UsageQuery) ([]models.UsageEntry, error) {
	b := sq.Select("user", "date", "profile_slug", "hours", "tokens").From("usage")
	if q.User != "" {
		b = b.Where(sq.Eq{"user": q.User})
	}
	if q.ProfileSlug != "" {
		b = b.Where(sq.Eq{"profile_slug": q.ProfileSlug})
	}
	if !q.Since.IsZero() {
		b = b.Where(sq.GtOrEq{"date": formatTime(q.Since)})
	}
	b = b.OrderBy("date DESC", "rowid DESC")
	if q.Limit > 0 {
		b = b.Limit(uint64(q.Limit))
	}

	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build usage query: %w", err)
	}
	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query usage: %w", err)
	}
	defer rows.Close()

	var entries []models.UsageEntry
	for rows.Next() {
		var e models.UsageEntry
		var date, hours, tokens string
		if err := rows.Scan(&e.User, &date, &e.ProfileSlug, &hours, &tokens); err != nil {
			return nil, fmt.Errorf("scan usage: %w", err)
		}
		if e.Date, err = parseTime(date); err != nil {
			return nil, err
		}
		if e.Hours, err = strconv.ParseFloat(hours, 64); err != nil {
			return nil, fmt.Errorf("parse usage hours %q: %w", hours, err)
		}
		if e.Tokens, err = strconv.ParseFloat(tokens, 64); err != nil {
			return nil, fmt.Errorf("parse usage tokens %q: %w", tokens, err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// UsageSummary aggregates usage per user and profile.
func (l *SQLiteLedger) UsageSummary(ctx context.Context, user string) ([]models.UsageSummary, error) {
	b := sq.Select("user", "profile_slug", "COUNT(*)",
		"COALESCE(SUM(CAST(hours AS REAL)), 0)", "COALESCE(SUM(CAST(tokens AS REAL)), 0)").
		From("usage")
	if user != "" {
		b = b.Where(sq.Eq{"user": user})
	}
	query, args, err := b.GroupBy("user", "profile_slug").OrderBy("user", "profile_slug").ToSql()
	if err != nil {
		return nil, fmt.Errorf("build usage summary: %w", err)
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("usage summary: %w", err)
	}
	defer rows.Close()

	var summaries []models.UsageSummary
	for rows.Next() {
		var s models.UsageSummary
		if err := rows.Scan(&s.User, &s.ProfileSlug, &s.Charges, &s.Hours, &s.Tokens); err != nil {
			return nil, fmt.Errorf("scan usage summary: %w", err)
		}
		summaries = append(summaries, s)
	}
	return summaries, rows.Err()
}

// Balances lists balance records, optionally filtered by user.
func (l *SQLiteLedger) Balances(ctx context.Context, user string) ([]models.BalanceRecord, error) {
	b := sq.Select("user", "profile_slug", "count", "last_add").From("usertokens")
	if user != "" {
		b = b.Where(sq.Eq{"user": user})
	}
	query, args, err := b.OrderBy("user", "profile_slug").ToSql()
	if err != nil {
		return nil, fmt.Errorf("build balances query: %w", err)
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list balances: %w", err)
	}
	defer rows.Close()

	var records []models.BalanceRecord
	for rows.Next() {
		var r models.BalanceRecord
		var lastAdd string
		if err := rows.Scan(&r.User, &r.ProfileSlug, &r.Count, &lastAdd); err != nil {
			return nil, fmt.Errorf("scan balance: %w", err)
		}
		if r.LastAdd, err = parseTime(lastAdd); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// Close releases the database connection.
func (l *SQLiteLedger) Close() error {
	return l.db.Close()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.ParseInLocation(TimeFormat, s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
