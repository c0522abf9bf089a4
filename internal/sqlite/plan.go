package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ChuLiYu/beatdrop/internal/sceneplan"
	"github.com/ChuLiYu/beatdrop/pkg/types"
)

// DefaultPlanName is used when no show name is configured
const DefaultPlanName = "default"

// PlanRepository implements sceneplan.Store for SQLite. Each repository is
// bound to one named plan.
type PlanRepository struct {
	db   *DB
	name string
}

var _ sceneplan.Store = (*PlanRepository)(nil)

// NewPlanRepository creates a repository for the named plan
func NewPlanRepository(db *DB, name string) *PlanRepository {
	if name == "" {
		name = DefaultPlanName
	}
	return &PlanRepository{db: db, name: name}
}

// Name returns the plan name this repository reads and writes
func (r *PlanRepository) Name() string {
	return r.name
}

// Save replaces the stored plan in a single transaction
func (r *PlanRepository) Save(ctx context.Context, plan types.Sceneplan) error {
	if err := sceneplan.Validate(plan); err != nil {
		return err
	}

	roles, err := json.Marshal(plan.Roles)
	if err != nil {
		return fmt.Errorf("failed to encode roles: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sceneplans (name, bpm, roles, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(name) DO UPDATE SET bpm = excluded.bpm, roles = excluded.roles, updated_at = CURRENT_TIMESTAMP
	`, r.name, plan.BPM, string(roles))
	if err != nil {
		return fmt.Errorf("failed to save sceneplan: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM cues WHERE plan_name = ?`, r.name); err != nil {
		return fmt.Errorf("failed to clear cues: %w", err)
	}

	for i, c := range plan.Cues {
		params, err := json.Marshal(c.Params)
		if err != nil {
			return fmt.Errorf("failed to encode cue params: %w", err)
		}
		id := sql.NullString{String: string(c.ID), Valid: c.ID != ""}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO cues (plan_name, position, id, bar, role, params, label)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, r.name, i, id, c.Bar, c.Role, string(params), c.Label)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: duplicate cue id %s", sceneplan.ErrInvalidPlan, c.ID)
			}
			return fmt.Errorf("failed to save cue: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit sceneplan: %w", err)
	}
	return nil
}

// Load retrieves the plan, returning sceneplan.ErrNotFound if it was never saved
func (r *PlanRepository) Load(ctx context.Context) (types.Sceneplan, error) {
	var (
		plan  types.Sceneplan
		roles string
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT bpm, roles FROM sceneplans WHERE name = ?
	`, r.name).Scan(&plan.BPM, &roles)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Sceneplan{}, sceneplan.ErrNotFound
	}
	if err != nil {
		return types.Sceneplan{}, fmt.Errorf("failed to get sceneplan: %w", err)
	}
	if err := json.Unmarshal([]byte(roles), &plan.Roles); err != nil {
		return types.Sceneplan{}, fmt.Errorf("failed to decode roles: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, bar, role, params, label
		FROM cues
		WHERE plan_name = ?
		ORDER BY position ASC
	`, r.name)
	if err != nil {
		return types.Sceneplan{}, fmt.Errorf("failed to list cues: %w", err)
	}
	defer rows.Close()

	plan.Cues = []types.Cue{}
	for rows.Next() {
		var (
			c      types.Cue
			id     sql.NullString
			params string
		)
		if err := rows.Scan(&id, &c.Bar, &c.Role, &params, &c.Label); err != nil {
			return types.Sceneplan{}, fmt.Errorf("failed to scan cue: %w", err)
		}
		c.ID = types.CueID(id.String)
		if err := json.Unmarshal([]byte(params), &c.Params); err != nil {
			return types.Sceneplan{}, fmt.Errorf("failed to decode cue params: %w", err)
		}
		plan.Cues = append(plan.Cues, c)
	}
	if err := rows.Err(); err != nil {
		return types.Sceneplan{}, fmt.Errorf("failed to iterate cues: %w", err)
	}

	return plan, nil
}

// List returns the names of all stored plans
func (r *PlanRepository) List(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT name FROM sceneplans ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sceneplans: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan sceneplan name: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// Delete removes the plan and its cues
func (r *PlanRepository) Delete(ctx context.Context) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM sceneplans WHERE name = ?`, r.name)
	if err != nil {
		return fmt.Errorf("failed to delete sceneplan: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete sceneplan: %w", err)
	}
	if n == 0 {
		return sceneplan.ErrNotFound
	}
	return nil
}
