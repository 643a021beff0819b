package core

import "fmt"

// History is an undo/redo log that never discards redo state. Redo entries
// are already materialized inverse commands; recording a new command after an
// undo flushes them onto the undo stack so every earlier state stays
// reachable by undoing further.
type History struct {
	store *Store
	undo  []Command
	redo  []Command
}

// NewHistory returns an empty history for the store.
func NewHistory(s *Store) *History {
	return &History{store: s}
}

func (h *History) pointer() int {
	return len(h.undo) - len(h.redo) - 1
}

// Record appends an applied command.
func (h *History) Record(cmd Command) {
	if len(h.redo) > 0 {
		h.undo = append(h.undo, h.redo...)
		h.redo = nil
	}
	h.undo = append(h.undo, cmd)
}

// CanUndo reports whether Undo would do anything.
func (h *History) CanUndo() bool { return h.pointer() >= 0 }

// CanRedo reports whether Redo would do anything.
func (h *History) CanRedo() bool { return len(h.redo) > 0 }

// Len returns the sizes of the undo and redo stacks.
func (h *History) Len() (undo, redo int) { return len(h.undo), len(h.redo) }

// Undo applies the inverse of the command at the undo pointer. It returns
// false when there is nothing to undo. A failing inverse leaves the store and
// both stacks unchanged.
func (h *History) Undo() (bool, error) {
	p := h.pointer()
	if p < 0 {
		return false, nil
	}
	cmd := h.undo[p]
	inv := cmd.Inverse()
	if _, err := h.store.RunInTransaction(inv.Apply); err != nil {
		return false, fmt.Errorf("undo %s: %w", cmd.Name(), err)
	}
	h.redo = append(h.redo, inv)
	return true, nil
}

// Redo pops the most recent redo entry and re-applies the command it undid
// (the entry's inverse). It returns false when the redo stack is empty.
// Nothing new is pushed: the undone command is still on the undo stack.
func (h *History) Redo() (bool, error) {
	if len(h.redo) == 0 {
		return false, nil
	}
	last := len(h.redo) - 1
	cmd := h.redo[last].Inverse()
	if _, err := h.store.RunInTransaction(cmd.Apply); err != nil {
		return false, fmt.Errorf("redo %s: %w", cmd.Name(), err)
	}
	h.redo = h.redo[:last]
	return true, nil
}
