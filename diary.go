package coherence

import (
	"fmt"
	"io"
)

// Diary reasons recorded by the simulation harness.
const (
	ReasonCollapse = "collapse" // Margin crossed below the collapse threshold
	ReasonUnstable = "unstable" // Run ended without reaching a stable window
)

// DiaryEntry is one notable run event.
type DiaryEntry struct {
	AtMs   int64  `json:"atMs"`
	Reason string `json:"reason"`
	Note   string `json:"note,omitempty"`
}

func (e DiaryEntry) String() string {
	if e.Note == "" {
		return fmt.Sprintf("%d\t%s", e.AtMs, e.Reason)
	}
	return fmt.Sprintf("%d\t%s\t%s", e.AtMs, e.Reason, e.Note)
}

// FailureDiary is an append-only, ordered log of run events.
type FailureDiary struct {
	entries []DiaryEntry
}

// Append records an entry.
func (d *FailureDiary) Append(atMs int64, reason, note string) {
	d.entries = append(d.entries, DiaryEntry{AtMs: atMs, Reason: reason, Note: note})
}

// Entries returns a copy of the log.
func (d *FailureDiary) Entries() []DiaryEntry {
	out := make([]DiaryEntry, len(d.entries))
	copy(out, d.entries)
	return out
}

// Count returns how many entries carry the given reason.
func (d *FailureDiary) Count(reason string) int {
	n := 0
	for _, e := range d.entries {
		if e.Reason == reason {
			n++
		}
	}
	return n
}

// Len returns the number of entries.
func (d *FailureDiary) Len() int {
	return len(d.entries)
}

// WriteTo writes one line per entry: timestamp, reason, optional note,
// separated by tabs.
func (d *FailureDiary) WriteTo(w io.Writer) (int64, error) {
	var total int64
	for _, e := range d.entries {
		n, err := fmt.Fprintln(w, e.String())
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
