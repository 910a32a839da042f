package db

import (
	"fmt"
	"testing"

	"github.com/cloud-shuttle/conductor/pkg/types"
)

func TestAppendAndTailChronological(t *testing.T) {
	store := newTestStore(t)
	task := mustCreate(t, store)

	for i := 0; i < 5; i++ {
		if _, err := store.AppendLog(task.ID, types.LogInfo, fmt.Sprintf("entry %d", i)); err != nil {
			t.Fatalf("AppendLog: %v", err)
		}
	}

	tail, err := store.TailLogs(task.ID, 3)
	if err != nil {
		t.Fatalf("TailLogs: %v", err)
	}
	if len(tail) != 3 {
		t.Fatalf("len = %d", len(tail))
	}
	// Most recent three, oldest first.
	for i, want := range []string{"entry 2", "entry 3", "entry 4"} {
		if tail[i].Message != want {
			t.Errorf("tail[%d] = %q, want %q", i, tail[i].Message, want)
		}
	}
}

func TestLogTrimKeepsNewestEntries(t *testing.T) {
	store := newTestStore(t)
	task := mustCreate(t, store)

	for i := 0; i < maxLogEntries+50; i++ {
		if _, err := store.AppendLog(task.ID, types.LogInfo, fmt.Sprintf("entry %d", i)); err != nil {
			t.Fatal(err)
		}
	}

	n, err := store.CountLogs(task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if n != maxLogEntries {
		t.Errorf("retained = %d, want %d", n, maxLogEntries)
	}

	tail, err := store.TailLogs(task.ID, 1)
	if err != nil {
		t.Fatal(err)
	}
	want := fmt.Sprintf("entry %d", maxLogEntries+49)
	if tail[0].Message != want {
		t.Errorf("newest = %q, want %q", tail[0].Message, want)
	}
}

func TestClearLogsLeavesTask(t *testing.T) {
	store := newTestStore(t)
	task := mustCreate(t, store)

	if _, err := store.AppendLog(task.ID, types.LogError, "oops"); err != nil {
		t.Fatal(err)
	}
	if err := store.ClearLogs(task.ID); err != nil {
		t.Fatal(err)
	}

	if n, _ := store.CountLogs(task.ID); n != 0 {
		t.Errorf("logs after clear = %d", n)
	}
	if _, err := store.GetTask(task.ID); err != nil {
		t.Error("task record should survive a log clear")
	}
}

func TestInstructionDrainExactlyOnce(t *testing.T) {
	store := newTestStore(t)
	task := mustCreate(t, store)

	if _, err := store.SubmitInstruction(task.ID, "first"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.SubmitInstruction(task.ID, "second"); err != nil {
		t.Fatal(err)
	}

	drained, err := store.DrainInstructions(task.ID)
	if err != nil {
		t.Fatalf("DrainInstructions: %v", err)
	}
	if len(drained) != 2 || drained[0].Text != "first" || drained[1].Text != "second" {
		t.Fatalf("drained = %+v", drained)
	}

	again, err := store.DrainInstructions(task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(again) != 0 {
		t.Errorf("second drain returned %d instructions", len(again))
	}

	// A later submission is held for the next drain, not lost.
	if _, err := store.SubmitInstruction(task.ID, "third"); err != nil {
		t.Fatal(err)
	}
	third, err := store.DrainInstructions(task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(third) != 1 || third[0].Text != "third" {
		t.Errorf("third drain = %+v", third)
	}

	// History retains everything for audit.
	history, err := store.ListInstructions(task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 3 {
		t.Errorf("history = %d entries", len(history))
	}
	for _, inst := range history {
		if !inst.Consumed {
			t.Errorf("instruction %s not marked consumed", inst.ID)
		}
	}
}

func TestInstructionDrainPreservesSubmissionOrder(t *testing.T) {
	store := newTestStore(t)
	task := mustCreate(t, store)

	// Submissions land within the same millisecond; the drain must still
	// return them in the order they arrived.
	const n = 20
	for i := 0; i < n; i++ {
		if _, err := store.SubmitInstruction(task.ID, fmt.Sprintf("step %02d", i)); err != nil {
			t.Fatal(err)
		}
	}

	drained, err := store.DrainInstructions(task.ID)
	if err != nil {
		t.Fatalf("DrainInstructions: %v", err)
	}
	if len(drained) != n {
		t.Fatalf("drained %d instructions, want %d", len(drained), n)
	}
	for i, inst := range drained {
		if want := fmt.Sprintf("step %02d", i); inst.Text != want {
			t.Fatalf("drained[%d] = %q, want %q", i, inst.Text, want)
		}
	}
}
