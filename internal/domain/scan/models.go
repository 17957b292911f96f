package scan

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Request is the camera placement for one scan. Fields are pointers so that a
// missing value can be told apart from a legitimate zero (due-north heading,
// level pitch).
type Request struct {
	Lat     *float64 `json:"lat"`
	Lng     *float64 `json:"lng"`
	Heading *float64 `json:"heading"`
	Pitch   *float64 `json:"pitch"`
	FOV     *float64 `json:"fov"`
}

type CaptureRequest struct {
	Request
	Label *string `json:"label"`
}

type Detection struct {
	Class      int        `json:"class"`
	Label      string     `json:"label"`
	Confidence float64    `json:"confidence"`
	XYXY       [4]float64 `json:"xyxy"`
}

type Result struct {
	ScanID     string            `json:"scan_id"`
	URL        string            `json:"url"`
	Outputs    []string          `json:"outputs"`
	Detections []Detection       `json:"detections"`
	TreeCounts *TreeCounts       `json:"tree_counts"`
	TotalTrees int               `json:"total_trees"`
	RecentLogs []InventoryRecord `json:"recent_logs,omitempty"`
}

type CaptureResult struct {
	Label     string `json:"label"`
	Filename  string `json:"filename"`
	ObjectURL string `json:"object_url,omitempty"`
}

// TimestampLayout is the local wall-clock format used for inventory
// timestamps, in the ledger file and in JSON alike.
const TimestampLayout = "2006-01-02 15:04:05"

// InventoryRecord is one ledger row.
type InventoryRecord struct {
	Timestamp  time.Time `json:"timestamp"`
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	TotalTrees int       `json:"total_trees"`
	Counts     string    `json:"counts"`
}

func (r InventoryRecord) MarshalJSON() ([]byte, error) {
	type record InventoryRecord
	return json.Marshal(struct {
		Timestamp string `json:"timestamp"`
		record
	}{
		Timestamp: r.Timestamp.Format(TimestampLayout),
		record:    record(r),
	})
}

// TreeCounts groups detections by label and remembers the order in which each
// label was first seen.
type TreeCounts struct {
	order  []string
	counts map[string]int
}

func NewTreeCounts() *TreeCounts {
	return &TreeCounts{counts: make(map[string]int)}
}

func (t *TreeCounts) Add(label string) {
	if _, ok := t.counts[label]; !ok {
		t.order = append(t.order, label)
	}
	t.counts[label]++
}

func (t *TreeCounts) Get(label string) int {
	return t.counts[label]
}

func (t *TreeCounts) Labels() []string {
	out := make([]string, len(t.order))
	copy(out, t.order)
	return out
}

func (t *TreeCounts) Len() int {
	return len(t.order)
}

// Summary renders the counts as "Label: N, Label2: M".
func (t *TreeCounts) Summary() string {
	parts := make([]string, 0, len(t.order))
	for _, label := range t.order {
		parts = append(parts, label+": "+strconv.Itoa(t.counts[label]))
	}
	return strings.Join(parts, ", ")
}

// MarshalJSON keeps first-seen order in the emitted object.
func (t *TreeCounts) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, label := range t.order {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(label)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.WriteString(strconv.Itoa(t.counts[label]))
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
