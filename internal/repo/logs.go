package repo

import (
	"context"

	"eds/internal/domain"
)

func (r Repo) InsertAssistanceLog(ctx context.Context, l domain.AssistanceLog) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT INTO assistance_logs(user_id,chat_id,input,search_index,query,result_count,provider,model,prompt_tokens,completion_tokens,retrieval_ms,summary_ms,error_kind,env,ts)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		l.UserID, l.ChatID, l.Input, nullable(l.Index), nullable(l.Query), l.ResultCount,
		nullable(l.Provider), nullable(l.Model), l.PromptTokens, l.CompletionTokens,
		l.RetrievalMs, l.SummaryMs, nullable(l.ErrorKind), nullable(l.Env), l.TS)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) LatestAssistanceLogs(ctx context.Context, limit int, chatID string) ([]domain.AssistanceLog, error) {
	if limit <= 0 {
		limit = 20
	}
	q := `SELECT id,user_id,chat_id,input,COALESCE(search_index,''),COALESCE(query,''),result_count,COALESCE(provider,''),COALESCE(model,''),prompt_tokens,completion_tokens,retrieval_ms,summary_ms,COALESCE(error_kind,''),COALESCE(env,''),ts FROM assistance_logs`
	args := []any{}
	if chatID != "" {
		q += ` WHERE chat_id=?`
		args = append(args, chatID)
	}
	q += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AssistanceLog
	for rows.Next() {
		var l domain.AssistanceLog
		if err := rows.Scan(&l.ID, &l.UserID, &l.ChatID, &l.Input, &l.Index, &l.Query, &l.ResultCount,
			&l.Provider, &l.Model, &l.PromptTokens, &l.CompletionTokens, &l.RetrievalMs, &l.SummaryMs,
			&l.ErrorKind, &l.Env, &l.TS); err != nil {
			return nil, err
		}
		res = append(res, l)
	}
	return res, rows.Err()
}

func (r Repo) CountAssistanceLogs(ctx context.Context, chatID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM assistance_logs WHERE chat_id=?`, chatID).Scan(&n)
	return n, err
}
