package repo

import (
	"context"
	"database/sql"
	"time"

	"eds/internal/domain"
)

const chatSchemaVersion = 1

func (r Repo) CreateChatSession(ctx context.Context, chatID, userID string, now time.Time) (domain.ChatSession, error) {
	ts := now.UTC().Format(time.RFC3339)
	s := domain.ChatSession{
		ChatID:        chatID,
		UserID:        userID,
		SchemaVersion: chatSchemaVersion,
		CreatedAt:     ts,
		UpdatedAt:     ts,
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO chat_sessions(chat_id,user_id,summary,schema_version,created_at,updated_at) VALUES (?,?,?,?,?,?)`,
		s.ChatID, s.UserID, "", s.SchemaVersion, s.CreatedAt, s.UpdatedAt)
	return s, err
}

func (r Repo) GetChatSession(ctx context.Context, chatID, userID string) (domain.ChatSession, error) {
	var s domain.ChatSession
	err := r.DB.QueryRowContext(ctx, `SELECT chat_id,user_id,summary,schema_version,created_at,updated_at FROM chat_sessions WHERE chat_id=? AND user_id=?`, chatID, userID).
		Scan(&s.ChatID, &s.UserID, &s.Summary, &s.SchemaVersion, &s.CreatedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	return s, err
}

// ListChatMessages returns a session's exchanges in order. Message ids are
// session-scoped sequence numbers starting at 1.
func (r Repo) ListChatMessages(ctx context.Context, chatID string) ([]domain.ChatMessage, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT seq,chat_id,parent_seq,query,response,created_at FROM chat_messages WHERE chat_id=? ORDER BY seq`, chatID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ChatMessage
	for rows.Next() {
		var m domain.ChatMessage
		if err := rows.Scan(&m.ID, &m.ChatID, &m.ParentID, &m.Query, &m.Response, &m.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

// AppendChatTurn writes one exchange and optionally refreshes the rolling
// summary in the same transaction. It returns the exchange's sequence number.
func (r Repo) AppendChatTurn(ctx context.Context, chatID string, parentSeq int64, query, response string, summary *string, now time.Time) (int64, error) {
	ts := now.UTC().Format(time.RFC3339)
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var maxSeq int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq),0) FROM chat_messages WHERE chat_id=?`, chatID).Scan(&maxSeq); err != nil {
		return 0, err
	}
	seq := maxSeq + 1

	if _, err := tx.ExecContext(ctx, `INSERT INTO chat_messages(chat_id,seq,parent_seq,query,response,created_at) VALUES (?,?,?,?,?,?)`,
		chatID, seq, parentSeq, query, response, ts); err != nil {
		return 0, err
	}
	if summary != nil {
		if _, err := tx.ExecContext(ctx, `UPDATE chat_sessions SET summary=?, updated_at=? WHERE chat_id=?`, *summary, ts, chatID); err != nil {
			return 0, err
		}
	} else {
		if _, err := tx.ExecContext(ctx, `UPDATE chat_sessions SET updated_at=? WHERE chat_id=?`, ts, chatID); err != nil {
			return 0, err
		}
	}
	return seq, tx.Commit()
}
