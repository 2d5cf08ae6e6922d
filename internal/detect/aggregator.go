package detect

import (
	"bytes"
	"encoding/json"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/detection-monitor/pkg/types"
)

// LabelCount is one entry of Counts.
type LabelCount struct {
	Label string `json:"label"`
	Count int    `json:"count"`
}

// Counts is an immutable snapshot of cumulative per-label totals. Labels are
// kept in first-seen order.
type Counts struct {
	entries []LabelCount
}

// Len returns the number of distinct labels.
func (c Counts) Len() int {
	return len(c.entries)
}

// Get returns the count for label, or 0.
func (c Counts) Get(label string) int {
	for _, e := range c.entries {
		if e.Label == label {
			return e.Count
		}
	}
	return 0
}

// Labels returns labels in first-seen order.
func (c Counts) Labels() []string {
	out := make([]string, len(c.entries))
	for i, e := range c.entries {
		out[i] = e.Label
	}
	return out
}

// Entries returns a copy of the entries in first-seen order.
func (c Counts) Entries() []LabelCount {
	out := make([]LabelCount, len(c.entries))
	copy(out, c.entries)
	return out
}

// Total returns the sum over all labels.
func (c Counts) Total() int {
	total := 0
	for _, e := range c.entries {
		total += e.Count
	}
	return total
}

// Map returns the counts as a plain map. Order is lost.
func (c Counts) Map() map[string]int {
	out := make(map[string]int, len(c.entries))
	for _, e := range c.entries {
		out[e.Label] = e.Count
	}
	return out
}

// MarshalJSON encodes the counts as an object whose keys keep first-seen order.
func (c Counts) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, e := range c.entries {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(e.Label)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		val, err := json.Marshal(e.Count)
		if err != nil {
			return nil, err
		}
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Aggregator folds filtered detection batches into cumulative per-label
// counts. It is owned by a single goroutine and does no locking.
type Aggregator struct {
	index   map[string]int // label -> position in entries
	entries []LabelCount
}

// NewAggregator returns an empty aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{index: make(map[string]int)}
}

// Update adds one to the label of every detection in batch, creating labels
// the first time they are seen, and returns the resulting totals. Repeated
// labels within one batch each count.
func (a *Aggregator) Update(batch []types.Detection) Counts {
	for _, d := range batch {
		i, ok := a.index[d.Label]
		if !ok {
			i = len(a.entries)
			a.index[d.Label] = i
			a.entries = append(a.entries, LabelCount{Label: d.Label})
		}
		a.entries[i].Count++
	}
	return a.Counts()
}

// Reset clears every label.
func (a *Aggregator) Reset() {
	clear(a.index)
	a.entries = nil
}

// Counts returns a snapshot of the current totals.
func (a *Aggregator) Counts() Counts {
	entries := make([]LabelCount, len(a.entries))
	copy(entries, a.entries)
	return Counts{entries: entries}
}
