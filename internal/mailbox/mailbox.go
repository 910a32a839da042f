// Package mailbox delivers operator instructions to running tasks
package mailbox

import (
	"fmt"
	"log"

	"github.com/cloud-shuttle/conductor/internal/db"
	"github.com/cloud-shuttle/conductor/pkg/types"
)

// Mailbox queues free-form instructions for a task. Instructions are
// consumed exactly once, at the top of the task's next iteration.
type Mailbox struct {
	store *db.Store
}

// New creates a mailbox over the task store
func New(store *db.Store) *Mailbox {
	return &Mailbox{store: store}
}

// Submit queues an instruction for a task. The task must exist and
// must not be in a terminal state.
func (m *Mailbox) Submit(taskID, text string) (*types.Instruction, error) {
	if text == "" {
		return nil, fmt.Errorf("instruction text is empty")
	}

	status, err := m.store.GetStatus(taskID)
	if err != nil {
		return nil, err
	}
	if status.IsTerminal() {
		return nil, fmt.Errorf("task %s is %s and cannot accept instructions", taskID, status)
	}

	inst, err := m.store.SubmitInstruction(taskID, text)
	if err != nil {
		return nil, fmt.Errorf("queuing instruction: %w", err)
	}

	if _, err := m.store.AppendLog(taskID, types.LogInstruction,
		fmt.Sprintf("Instruction received: %s", text)); err != nil {
		log.Printf("⚠️  Failed to log instruction for %s: %v", taskID, err)
	}
	return inst, nil
}

// Drain removes and returns every pending instruction for a task, in
// submission order. A second drain of the same instructions returns
// nothing.
func (m *Mailbox) Drain(taskID string) ([]types.Instruction, error) {
	return m.store.DrainInstructions(taskID)
}

// Pending returns the number of unconsumed instructions for a task
func (m *Mailbox) Pending(taskID string) (int, error) {
	return m.store.PendingInstructionCount(taskID)
}

// History returns all instructions ever submitted to a task,
// consumed or not
func (m *Mailbox) History(taskID string) ([]types.Instruction, error) {
	return m.store.ListInstructions(taskID)
}
