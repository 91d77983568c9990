package fathom

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// TodoStatus is the lifecycle state of a planning item.
type TodoStatus string

const (
	TodoPending    TodoStatus = "pending"
	TodoInProgress TodoStatus = "in_progress"
	TodoCompleted  TodoStatus = "completed"
	TodoCancelled  TodoStatus = "cancelled"
)

// validTransition encodes the todo lifecycle. Completed and cancelled are
// terminal.
func validTransition(from, to TodoStatus) bool {
	switch from {
	case TodoPending:
		return to == TodoInProgress || to == TodoCancelled
	case TodoInProgress:
		return to == TodoCompleted || to == TodoCancelled
	}
	return false
}

// Todo is one planning item.
type Todo struct {
	ID      string     `json:"id"`
	Content string     `json:"content"`
	Status  TodoStatus `json:"status"`
}

// VirtualFile is one entry in the agent's scratch filesystem. Paths are
// opaque keys; nothing touches the host filesystem. Turn records the turn
// number of the last write.
type VirtualFile struct {
	Content string `json:"content"`
	Turn    int    `json:"turn"`
}

// State holds everything an agent carries across turns besides the
// transcript: the todo list, the virtual filesystem, and a free-form
// scratch map. All mutators are linearizable under one mutex; the
// executor additionally serializes whole state-effect tool handlers
// through the lease so a handler's read-modify-write is atomic against
// other handlers in the same batch.
type State struct {
	mu    sync.Mutex
	lease sync.Mutex

	todos   []Todo
	files   map[string]VirtualFile
	scratch map[string]json.RawMessage

	// fileParent, when set, redirects all file operations to the parent
	// agent's state. Used by sub-agents configured with ShareFiles.
	fileParent *State
}

// NewState creates an empty state.
func NewState() *State {
	return &State{
		files:   make(map[string]VirtualFile),
		scratch: make(map[string]json.RawMessage),
	}
}

// InitialState seeds a state for agent construction.
type InitialState struct {
	Todos   []Todo
	Files   map[string]string
	Scratch map[string]json.RawMessage
}

// NewStateFrom builds a state pre-populated from init. Seeded files get
// turn stamp 0. Seeded todos are validated the same way write_todos
// validates: at most one may be in_progress.
func NewStateFrom(init InitialState) (*State, error) {
	s := NewState()
	if err := s.SetTodos(init.Todos); err != nil {
		return nil, err
	}
	for path, content := range init.Files {
		s.files[path] = VirtualFile{Content: content}
	}
	for k, v := range init.Scratch {
		s.scratch[k] = append(json.RawMessage(nil), v...)
	}
	return s, nil
}

// newSharedFilesState creates a sub-agent state whose file operations are
// delegated to parent. Todos and scratch remain private.
func newSharedFilesState(parent *State) *State {
	s := NewState()
	s.fileParent = parent
	return s
}

// acquireLease blocks until the caller holds the exclusive state lease.
// Held by the executor for the full duration of a state-effect handler.
func (s *State) acquireLease() { s.lease.Lock() }
func (s *State) releaseLease() { s.lease.Unlock() }

// --- todos ---

// Todos returns a copy of the todo list.
func (s *State) Todos() []Todo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Todo, len(s.todos))
	copy(out, s.todos)
	return out
}

// SetTodos replaces the todo list. Entries without an id are assigned one;
// entries without a status default to pending. Rejects duplicate ids and
// more than one in_progress entry.
func (s *State) SetTodos(todos []Todo) error {
	normalized, err := normalizeTodos(todos)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.todos = normalized
	return nil
}

// MergeTodos appends entries to the existing list instead of replacing
// it. The combined list must still satisfy the single-in_progress rule.
func (s *State) MergeTodos(todos []Todo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	combined := make([]Todo, 0, len(s.todos)+len(todos))
	combined = append(combined, s.todos...)
	combined = append(combined, todos...)
	normalized, err := normalizeTodos(combined)
	if err != nil {
		return err
	}
	s.todos = normalized
	return nil
}

func normalizeTodos(todos []Todo) ([]Todo, error) {
	out := make([]Todo, len(todos))
	seen := make(map[string]bool, len(todos))
	inProgress := 0
	for i, t := range todos {
		if t.Content == "" {
			return nil, fmt.Errorf("todo %d: empty content", i)
		}
		if t.ID == "" {
			t.ID = NewID()
		}
		if t.Status == "" {
			t.Status = TodoPending
		}
		switch t.Status {
		case TodoPending, TodoInProgress, TodoCompleted, TodoCancelled:
		default:
			return nil, fmt.Errorf("todo %q: unknown status %q", t.ID, t.Status)
		}
		if seen[t.ID] {
			return nil, fmt.Errorf("duplicate todo id %q", t.ID)
		}
		seen[t.ID] = true
		if t.Status == TodoInProgress {
			inProgress++
		}
		out[i] = t
	}
	if inProgress > 1 {
		return nil, fmt.Errorf("%d todos marked in_progress, at most one allowed", inProgress)
	}
	return out, nil
}

// UpdateTodoStatus moves one todo through the lifecycle. Moving a todo to
// in_progress while another is in_progress fails; callers must complete
// or cancel the current one first.
func (s *State) UpdateTodoStatus(id string, to TodoStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := -1
	for i, t := range s.todos {
		if t.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("no todo with id %q", id)
	}
	from := s.todos[idx].Status
	if !validTransition(from, to) {
		return fmt.Errorf("todo %q: cannot move from %s to %s", id, from, to)
	}
	if to == TodoInProgress {
		for i, t := range s.todos {
			if i != idx && t.Status == TodoInProgress {
				return fmt.Errorf("todo %q is already in_progress", t.ID)
			}
		}
	}
	s.todos[idx].Status = to
	return nil
}

// --- virtual filesystem ---

// WriteFile creates or overwrites a file, stamping it with turn.
func (s *State) WriteFile(path, content string, turn int) error {
	if s.fileParent != nil {
		return s.fileParent.WriteFile(path, content, turn)
	}
	if path == "" {
		return fmt.Errorf("empty path")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[path] = VirtualFile{Content: content, Turn: turn}
	return nil
}

// ReadFile returns a file's content, or false when absent.
func (s *State) ReadFile(path string) (VirtualFile, bool) {
	if s.fileParent != nil {
		return s.fileParent.ReadFile(path)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[path]
	return f, ok
}

// ListFiles returns paths matching prefix, sorted. An empty prefix lists
// everything.
func (s *State) ListFiles(prefix string) []string {
	if s.fileParent != nil {
		return s.fileParent.ListFiles(prefix)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var paths []string
	for p := range s.files {
		if strings.HasPrefix(p, prefix) {
			paths = append(paths, p)
		}
	}
	sort.Strings(paths)
	return paths
}

// --- scratch ---

// Get returns the raw scratch value for key.
func (s *State) Get(key string) (json.RawMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.scratch[key]
	if !ok {
		return nil, false
	}
	return append(json.RawMessage(nil), v...), true
}

// Set stores a raw scratch value.
func (s *State) Set(key string, value json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scratch[key] = append(json.RawMessage(nil), value...)
}

// --- snapshot / restore ---

// stateSnapshot is the serialized form of a State, used by sessions.
type stateSnapshot struct {
	Todos   []Todo                     `json:"todos"`
	Files   map[string]VirtualFile     `json:"files"`
	Scratch map[string]json.RawMessage `json:"scratch,omitempty"`
}

// Snapshot serializes the state. Shared-files sub-agent states snapshot
// their own (empty) file slice, never the parent's.
func (s *State) Snapshot() (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := stateSnapshot{
		Todos:   s.todos,
		Files:   s.files,
		Scratch: s.scratch,
	}
	return json.Marshal(snap)
}

// RestoreState deserializes a snapshot produced by Snapshot.
func RestoreState(data json.RawMessage) (*State, error) {
	var snap stateSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("state snapshot: %w", err)
	}
	normalized, err := normalizeTodos(snap.Todos)
	if err != nil {
		return nil, fmt.Errorf("state snapshot: %w", err)
	}
	s := NewState()
	s.todos = normalized
	if snap.Files != nil {
		s.files = snap.Files
	}
	if snap.Scratch != nil {
		s.scratch = snap.Scratch
	}
	return s, nil
}
