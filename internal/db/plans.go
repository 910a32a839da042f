package db

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/cloud-shuttle/conductor/pkg/types"
)

// SavePlan attaches an approved plan to a task so a resume can rebuild
// the same planned run
func (s *Store) SavePlan(taskID string, p *types.Plan) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encoding plan: %w", err)
	}
	res, err := s.DB.Exec(`UPDATE tasks SET plan = ? WHERE id = ?`, string(data), taskID)
	if err != nil {
		return fmt.Errorf("saving plan: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %s not found", taskID)
	}
	return nil
}

// GetPlan returns the task's attached plan, or nil for unplanned tasks
func (s *Store) GetPlan(taskID string) (*types.Plan, error) {
	var raw sql.NullString
	err := s.DB.QueryRow(`SELECT plan FROM tasks WHERE id = ?`, taskID).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("task %s not found", taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("loading plan: %w", err)
	}
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	var p types.Plan
	if err := json.Unmarshal([]byte(raw.String), &p); err != nil {
		return nil, fmt.Errorf("decoding plan: %w", err)
	}
	return &p, nil
}
