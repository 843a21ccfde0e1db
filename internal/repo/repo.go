package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"eds/internal/config"
	"eds/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func (r Repo) ListWorkflowStates(ctx context.Context) ([]domain.WorkflowState, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT state_code,COALESCE(description,''),COALESCE(metadata,''),next_states,notify_roles FROM workflow_states ORDER BY state_code`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkflowState
	for rows.Next() {
		s, err := scanState(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r Repo) GetWorkflowState(ctx context.Context, code string) (domain.WorkflowState, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT state_code,COALESCE(description,''),COALESCE(metadata,''),next_states,notify_roles FROM workflow_states WHERE state_code=?`, code)
	s, err := scanState(row)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	return s, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanState(row rowScanner) (domain.WorkflowState, error) {
	var s domain.WorkflowState
	var next, roles string
	if err := row.Scan(&s.StateCode, &s.Description, &s.Metadata, &next, &roles); err != nil {
		return s, err
	}
	if err := json.Unmarshal([]byte(next), &s.NextStates); err != nil {
		return s, fmt.Errorf("state %s next_states: %w", s.StateCode, err)
	}
	if err := json.Unmarshal([]byte(roles), &s.NotifyRoles); err != nil {
		return s, fmt.Errorf("state %s notify_roles: %w", s.StateCode, err)
	}
	return s, nil
}

// SeedWorkflowStates upserts the catalog from config. Existing codes are
// overwritten; codes absent from the config are left alone since ledger rows
// may still reference them.
func (r Repo) SeedWorkflowStates(ctx context.Context, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for code, st := range cfg.Workflow.States {
		next, err := json.Marshal(emptyAsList(st.Next))
		if err != nil {
			return err
		}
		roles, err := json.Marshal(emptyAsList(st.NotifyRoles))
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO workflow_states(state_code,description,metadata,next_states,notify_roles) VALUES (?,?,?,?,?)
			ON CONFLICT(state_code) DO UPDATE SET description=excluded.description, metadata=excluded.metadata, next_states=excluded.next_states, notify_roles=excluded.notify_roles`,
			code, nullable(st.Description), nullable(st.Metadata), string(next), string(roles)); err != nil {
			return fmt.Errorf("seed state %s: %w", code, err)
		}
	}
	return tx.Commit()
}

func emptyAsList(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
