package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"eds/internal/domain"
)

// Ledger is the append-only PAR activity log. The latest entry per PAR is the
// authoritative current status; a PAR with no entries is implicitly Draft.
type Ledger struct {
	DB  *sql.DB
	Now func() time.Time
}

func (l Ledger) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

// Append writes one activity row inside the caller's transaction. The guard
// against illegal transitions lives in the engine; the ledger only records.
func (l Ledger) Append(ctx context.Context, tx *sql.Tx, parID, status, actor, activity, comments string) (int64, error) {
	ts := l.now().UTC().Format(time.RFC3339)
	res, err := tx.ExecContext(ctx, `INSERT INTO par_activities(par_id,activity,status,date,user,comments) VALUES (?,?,?,?,?,?)`,
		parID, activity, status, ts, actor, nullable(comments))
	if err != nil {
		return 0, fmt.Errorf("append activity: %w", err)
	}
	return res.LastInsertId()
}

// LatestStatus returns the status of the most recent entry for the PAR, or the
// Draft sentinel when the PAR has no history.
func (l Ledger) LatestStatus(ctx context.Context, parID string) (string, error) {
	status, _, err := latestStatus(ctx, l.DB, parID)
	return status, err
}

// LatestStatusTx is LatestStatus inside an open transaction, so a transit's
// read and guarded write observe the same snapshot. The second return reports
// whether any entry exists; an empty history yields the Draft sentinel.
func (l Ledger) LatestStatusTx(ctx context.Context, tx *sql.Tx, parID string) (string, bool, error) {
	return latestStatus(ctx, tx, parID)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func latestStatus(ctx context.Context, q querier, parID string) (string, bool, error) {
	var status string
	err := q.QueryRowContext(ctx, `SELECT status FROM par_activities WHERE par_id=? ORDER BY date DESC, id DESC LIMIT 1`, parID).Scan(&status)
	if err == sql.ErrNoRows {
		return domain.DraftState, false, nil
	}
	if err != nil {
		return "", false, err
	}
	return status, true, nil
}

// LatestStatusMap resolves current statuses for many PARs in one query using
// row_number() partitioned by par_id. PARs without history are reported as
// Draft. An empty input returns an empty map.
func (l Ledger) LatestStatusMap(ctx context.Context, parIDs []string) (map[string]string, error) {
	out := make(map[string]string, len(parIDs))
	if len(parIDs) == 0 {
		return out, nil
	}
	for _, id := range parIDs {
		out[id] = domain.DraftState
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(parIDs)), ",")
	args := make([]any, len(parIDs))
	for i, id := range parIDs {
		args[i] = id
	}
	q := fmt.Sprintf(`SELECT par_id, status FROM (
		SELECT par_id, status, row_number() OVER (PARTITION BY par_id ORDER BY date DESC, id DESC) AS rn
		FROM par_activities WHERE par_id IN (%s)
	) WHERE rn = 1`, placeholders)
	rows, err := l.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var parID, status string
		if err := rows.Scan(&parID, &status); err != nil {
			return nil, err
		}
		out[parID] = status
	}
	return out, rows.Err()
}

// History returns all entries for a PAR, newest first; ties on date break by
// insertion order.
func (l Ledger) History(ctx context.Context, parID string) ([]domain.ParActivity, error) {
	rows, err := l.DB.QueryContext(ctx, `SELECT id,par_id,activity,status,date,user,COALESCE(comments,'') FROM par_activities WHERE par_id=? ORDER BY date DESC, id DESC`, parID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ParActivity
	for rows.Next() {
		var a domain.ParActivity
		if err := rows.Scan(&a.ID, &a.ParID, &a.Activity, &a.Status, &a.Date, &a.User, &a.Comments); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// Count returns the ledger length for a PAR.
func (l Ledger) Count(ctx context.Context, parID string) (int, error) {
	var n int
	err := l.DB.QueryRowContext(ctx, `SELECT count(*) FROM par_activities WHERE par_id=?`, parID).Scan(&n)
	return n, err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
