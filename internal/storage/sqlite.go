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

	logx "castbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

// Open initializes the sqlite store, creating the database file and schema
// on first use.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

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

// ---- Campaigns ----

const campaignCols = `id, name, message_text, start_time, end_time, is_active, group_id, last_minute, created_at`

func (s *sqliteStore) CreateCampaign(ctx context.Context, c Campaign) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO campaigns(`+campaignCols+`) VALUES(?,?,?,?,?,?,?,?,?)`,
		c.ID, c.Name, c.MessageText, c.StartTime, c.EndTime, boolInt(c.IsActive),
		nullStr(c.GroupID), c.LastMinute, fmtTime(c.CreatedAt),
	)
	if isUniqueErr(err) {
		return ErrConflict
	}
	return err
}

func (s *sqliteStore) GetCampaign(ctx context.Context, id string) (Campaign, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+campaignCols+` FROM campaigns WHERE id = ?`, id)
	return scanCampaign(row)
}

func (s *sqliteStore) ListCampaigns(ctx context.Context) ([]Campaign, error) {
	return s.queryCampaigns(ctx, `SELECT `+campaignCols+` FROM campaigns ORDER BY created_at`)
}

func (s *sqliteStore) ListActiveCampaigns(ctx context.Context) ([]Campaign, error) {
	return s.queryCampaigns(ctx, `SELECT `+campaignCols+` FROM campaigns WHERE is_active = 1 ORDER BY created_at`)
}

func (s *sqliteStore) queryCampaigns(ctx context.Context, q string, args ...any) ([]Campaign, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *sqliteStore) UpdateCampaign(ctx context.Context, id string, upd CampaignUpdate) (Campaign, error) {
	sets := make([]string, 0, 4)
	args := make([]any, 0, 5)
	if upd.IsActive != nil {
		sets = append(sets, "is_active = ?")
		args = append(args, boolInt(*upd.IsActive))
	}
	if upd.MessageText != nil {
		sets = append(sets, "message_text = ?")
		args = append(args, *upd.MessageText)
	}
	if upd.StartTime != nil {
		sets = append(sets, "start_time = ?")
		args = append(args, *upd.StartTime)
	}
	if upd.EndTime != nil {
		sets = append(sets, "end_time = ?")
		args = append(args, *upd.EndTime)
	}
	if len(sets) > 0 {
		args = append(args, id)
		res, err := s.db.ExecContext(ctx, `UPDATE campaigns SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
		if err != nil {
			return Campaign{}, err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return Campaign{}, ErrNotFound
		}
	}
	return s.GetCampaign(ctx, id)
}

func (s *sqliteStore) SetCampaignLastMinute(ctx context.Context, id string, minute int) error {
	res, err := s.db.ExecContext(ctx, `UPDATE campaigns SET last_minute = ? WHERE id = ?`, minute, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) DeleteCampaign(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM campaigns WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ---- Groups ----

func (s *sqliteStore) CreateGroup(ctx context.Context, g Group) error {
	if g.CreatedAt.IsZero() {
		g.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO recipient_groups(id, recipient_id, name, created_at) VALUES(?,?,?,?)`,
		g.ID, g.RecipientID, g.Name, fmtTime(g.CreatedAt),
	)
	if isUniqueErr(err) {
		return ErrConflict
	}
	return err
}

func (s *sqliteStore) GetGroup(ctx context.Context, id string) (Group, error) {
	var g Group
	var created string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, recipient_id, name, created_at FROM recipient_groups WHERE id = ?`, id,
	).Scan(&g.ID, &g.RecipientID, &g.Name, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Group{}, ErrNotFound
	}
	if err != nil {
		return Group{}, err
	}
	g.CreatedAt = parseTime(created)
	return g, nil
}

func (s *sqliteStore) ListGroups(ctx context.Context) ([]Group, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, recipient_id, name, created_at FROM recipient_groups ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Group
	for rows.Next() {
		var g Group
		var created string
		if err := rows.Scan(&g.ID, &g.RecipientID, &g.Name, &created); err != nil {
			return nil, err
		}
		g.CreatedAt = parseTime(created)
		out = append(out, g)
	}
	return out, rows.Err()
}

func (s *sqliteStore) DeleteGroup(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM recipient_groups WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ---- Delivery ledger ----

func (s *sqliteStore) ClaimDelivery(ctx context.Context, campaignID, bucket string) error {
	// INSERT OR IGNORE keeps the claim atomic under the primary key; the
	// affected-rows count tells us whether we won the slot.
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO deliveries(campaign_id, hour_bucket, status, created_at)
		 VALUES(?,?,?,?)`,
		campaignID, bucket, string(StatusPending), fmtTime(time.Now()),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrAlreadyClaimed
	}
	return nil
}

func (s *sqliteStore) FinalizeDelivery(ctx context.Context, campaignID, bucket string, status DeliveryStatus, recipients int, errText string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE deliveries SET status = ?, recipients = ?, err = ?, sent_at = ?
		 WHERE campaign_id = ? AND hour_bucket = ? AND status = ?`,
		string(status), recipients, nullStr(errText), fmtTime(time.Now()),
		campaignID, bucket, string(StatusPending),
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) HasDelivery(ctx context.Context, campaignID, bucket string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM deliveries WHERE campaign_id = ? AND hour_bucket = ?`,
		campaignID, bucket,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *sqliteStore) ListDeliveries(ctx context.Context, limit int) ([]Delivery, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT campaign_id, hour_bucket, status, recipients, err, sent_at, created_at
		 FROM deliveries ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Delivery
	for rows.Next() {
		var d Delivery
		var status string
		var errText, sentAt sql.NullString
		var created string
		if err := rows.Scan(&d.CampaignID, &d.HourBucket, &status, &d.Recipients, &errText, &sentAt, &created); err != nil {
			return nil, err
		}
		d.Status = DeliveryStatus(status)
		d.Error = errText.String
		if sentAt.Valid {
			d.SentAt = parseTime(sentAt.String)
		}
		d.CreatedAt = parseTime(created)
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *sqliteStore) SweepStaleClaims(ctx context.Context, currentBucket string) (int, error) {
	// Bucket keys are "YYYY-MM-DD-HH", so lexicographic order is time order.
	res, err := s.db.ExecContext(ctx,
		`UPDATE deliveries SET status = ?, err = 'abandoned claim'
		 WHERE status = ? AND hour_bucket < ?`,
		string(StatusFailed), string(StatusPending), currentBucket,
	)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// ---- Session entries ----

func (s *sqliteStore) GetSession(ctx context.Context, category, id string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM session_entries WHERE category = ? AND entry_id = ?`,
		category, id,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (s *sqliteStore) PutSession(ctx context.Context, category, id string, data []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO session_entries(category, entry_id, data, updated_at) VALUES(?,?,?,?)
		 ON CONFLICT(category, entry_id) DO UPDATE SET data=excluded.data, updated_at=excluded.updated_at`,
		category, id, data, fmtTime(time.Now()),
	)
	return err
}

func (s *sqliteStore) DeleteSession(ctx context.Context, category, id string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM session_entries WHERE category = ? AND entry_id = ?`,
		category, id,
	)
	return err
}

// ---- helpers ----

func fmtTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func isUniqueErr(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

type campaignScanner interface {
	Scan(dest ...any) error
}

func scanCampaign(row campaignScanner) (Campaign, error) {
	var c Campaign
	var active int
	var groupID sql.NullString
	var created string
	err := row.Scan(&c.ID, &c.Name, &c.MessageText, &c.StartTime, &c.EndTime, &active, &groupID, &c.LastMinute, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Campaign{}, ErrNotFound
	}
	if err != nil {
		return Campaign{}, err
	}
	c.IsActive = active != 0
	c.GroupID = groupID.String
	c.CreatedAt = parseTime(created)
	return c, nil
}
