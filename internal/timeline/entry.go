package timeline

import "github.com/pelusa-v/pelusa-inbox/internal/chat"

// Entry is one row of a timeline. TempID is set while the message is an
// optimistic local copy and cleared once the server has confirmed it.
type Entry struct {
	chat.Message
	TempID string
}

func (e Entry) Pending() bool { return e.TempID != "" }

// Key is the id the entry is currently known by.
func (e Entry) Key() string {
	if e.TempID != "" {
		return e.TempID
	}
	return e.ID
}

// Reconcile returns a copy of entries with the pending entry tempID replaced,
// at the same index, by the confirmed message. Entries are returned unchanged
// when tempID is not present.
func Reconcile(entries []Entry, tempID string, confirmed chat.Message) []Entry {
	out := make([]Entry, len(entries))
	copy(out, entries)
	if i := indexOfTemp(out, tempID); i >= 0 {
		out[i] = Entry{Message: confirmed}
	}
	return out
}

// Remove returns a copy of entries without the pending entry tempID.
func Remove(entries []Entry, tempID string) []Entry {
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if e.TempID != tempID || tempID == "" {
			out = append(out, e)
		}
	}
	return out
}

func indexOfTemp(entries []Entry, tempID string) int {
	if tempID == "" {
		return -1
	}
	for i, e := range entries {
		if e.TempID == tempID {
			return i
		}
	}
	return -1
}
