package realtime

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// HistoryEntry is one completed message kept for reconnection replay.
type HistoryEntry struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// History is a bounded ring of the most recent conversation messages. When
// full, the oldest entry is evicted, so a replay after a reconnect restores
// at most the last limit messages. Not safe for concurrent use.
type History struct {
	entries []HistoryEntry
	start   int
	size    int
}

func NewHistory(limit int) *History {
	if limit <= 0 {
		limit = 100
	}
	return &History{entries: make([]HistoryEntry, limit)}
}

func (h *History) Append(e HistoryEntry) {
	idx := (h.start + h.size) % len(h.entries)
	h.entries[idx] = e
	if h.size < len(h.entries) {
		h.size++
		return
	}
	h.start = (h.start + 1) % len(h.entries)
}

func (h *History) Len() int { return h.size }

// Entries returns a copy oldest first.
func (h *History) Entries() []HistoryEntry {
	out := make([]HistoryEntry, h.size)
	for i := 0; i < h.size; i++ {
		out[i] = h.entries[(h.start+i)%len(h.entries)]
	}
	return out
}
