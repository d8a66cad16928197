package mavlink

import (
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/bluenviron/gomavlib/v3/pkg/message"
)

// CensusEntry counts one message type received from one system id.
type CensusEntry struct {
	SystemID uint8
	Type     string
	Count    uint64
}

type censusKey struct {
	sysID uint8
	name  string
}

// Census tallies inbound traffic per (system id, message type). Heartbeats
// rejected by the filter are counted separately.
type Census struct {
	mu          sync.Mutex
	counts      map[censusKey]uint64
	filtered    uint64
	parseErrors uint64
}

func newCensus() *Census {
	return &Census{counts: make(map[censusKey]uint64)}
}

func (c *Census) record(sysID uint8, name string) {
	c.mu.Lock()
	c.counts[censusKey{sysID: sysID, name: name}]++
	c.mu.Unlock()
}

func (c *Census) recordFiltered() {
	c.mu.Lock()
	c.filtered++
	c.mu.Unlock()
}

func (c *Census) recordParseError() {
	c.mu.Lock()
	c.parseErrors++
	c.mu.Unlock()
}

// Entries returns the tallies ordered by system id, then type name.
func (c *Census) Entries() []CensusEntry {
	c.mu.Lock()
	out := make([]CensusEntry, 0, len(c.counts))
	for k, n := range c.counts {
		out = append(out, CensusEntry{SystemID: k.sysID, Type: k.name, Count: n})
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].SystemID != out[j].SystemID {
			return out[i].SystemID < out[j].SystemID
		}
		return out[i].Type < out[j].Type
	})
	return out
}

// Filtered is the number of heartbeats dropped by the system-id filter.
func (c *Census) Filtered() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.filtered
}

// ParseErrors counts frames the dialect could not decode.
func (c *Census) ParseErrors() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.parseErrors
}

// MessageName turns a dialect message into its short type name,
// e.g. *common.MessageHeartbeat -> "Heartbeat".
func MessageName(msg message.Message) string {
	if msg == nil {
		return "unknown"
	}
	t := reflect.TypeOf(msg)
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return strings.TrimPrefix(t.Name(), "Message")
}
