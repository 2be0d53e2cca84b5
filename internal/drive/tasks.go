package drive

import (
	"sync"

	"golang.org/x/text/unicode/norm"

	"github.com/google/uuid"
)

// maxSyncTasks caps the remembered synchronous results per adapter.
const maxSyncTasks = 256

// SyncTasks remembers the outcome of transfers that completed inside the
// TransferShared call, so PollTransfer can answer for them like it does
// for asynchronous providers.
type SyncTasks struct {
	mu    sync.Mutex
	order []string
	tasks map[string]TaskStatus
}

// Record stores a finished transfer and returns its synthetic task id.
func (t *SyncTasks) Record(saved []string) string {
	id := uuid.NewString()

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.tasks == nil {
		t.tasks = make(map[string]TaskStatus)
	}

	if len(t.order) >= maxSyncTasks {
		delete(t.tasks, t.order[0])
		t.order = t.order[1:]
	}

	t.order = append(t.order, id)
	t.tasks[id] = TaskStatus{State: TaskDone, Progress: 100, SavedIDs: saved}

	return id
}

// Lookup returns a recorded status.
func (t *SyncTasks) Lookup(id string) (TaskStatus, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.tasks[id]

	return st, ok
}

// Added returns the nodes of after whose IDs are absent from before, in
// listing order. Synchronous providers use it to learn the identifiers of
// freshly copied items.
func Added(before, after []Node) []Node {
	old := make(map[string]struct{}, len(before))
	for _, n := range before {
		old[n.ID] = struct{}{}
	}

	var out []Node

	for _, n := range after {
		if _, ok := old[n.ID]; !ok {
			out = append(out, n)
		}
	}

	return out
}

// IDs extracts node identifiers.
func IDs(nodes []Node) []string {
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = n.ID
	}

	return out
}

// AlignAdded lines up freshly copied nodes with the requested ids. Slot i
// is matched by names[i] when a name is known, otherwise it takes the next
// unclaimed node in listing order. Slots left without a copy hold "" and
// are reported in missing.
func AlignAdded(ids, names []string, added []Node) (saved []string, missing []FailedItem) {
	saved = make([]string, len(ids))
	claimed := make([]bool, len(added))

	for i := range ids {
		if i >= len(names) || names[i] == "" {
			continue
		}

		want := norm.NFC.String(names[i])

		for j, n := range added {
			if !claimed[j] && norm.NFC.String(n.Name) == want {
				saved[i] = n.ID
				claimed[j] = true

				break
			}
		}
	}

	for i := range ids {
		if saved[i] != "" || (i < len(names) && names[i] != "") {
			continue
		}

		for j, n := range added {
			if !claimed[j] {
				saved[i] = n.ID
				claimed[j] = true

				break
			}
		}
	}

	for i, id := range ids {
		if saved[i] == "" {
			missing = append(missing, FailedItem{ID: id, Message: "copy not found in target folder"})
		}
	}

	return saved, missing
}
