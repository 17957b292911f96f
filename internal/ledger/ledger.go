package ledger

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"treescan-service/internal/domain/scan"
)

// TimestampLayout is the wall-clock format of the Timestamp column.
const TimestampLayout = scan.TimestampLayout

var ErrNotFound = errors.New("inventory ledger not found")

var header = []string{"Timestamp", "Latitude", "Longitude", "Total_Trees", "Counts"}

// Ledger is the append-only CSV inventory log. All access from this process
// goes through mu.
type Ledger struct {
	path string
	log  zerolog.Logger
	mu   sync.Mutex
}

func New(path string, log zerolog.Logger) *Ledger {
	return &Ledger{path: path, log: log}
}

func (l *Ledger) Path() string {
	return l.path
}

// Append writes rec as one row. Records without trees are skipped. The header
// is written whenever the file does not exist at the moment of the call.
func (l *Ledger) Append(rec scan.InventoryRecord) error {
	if rec.TotalTrees == 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("create ledger directory: %w", err)
	}

	exists := true
	if _, err := os.Stat(l.path); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("stat ledger: %w", err)
		}
		exists = false
	}

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if !exists {
		if err := w.Write(header); err != nil {
			return fmt.Errorf("write ledger header: %w", err)
		}
	}
	if err := w.Write(encode(rec)); err != nil {
		return fmt.Errorf("write ledger row: %w", err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("flush ledger: %w", err)
	}
	return nil
}

// ReadAll returns every record, newest first. Failures are logged and reported
// as an empty history.
func (l *Ledger) ReadAll() []scan.InventoryRecord {
	l.mu.Lock()
	defer l.mu.Unlock()

	records, err := l.read()
	if err != nil {
		l.log.Warn().Err(err).Str("path", l.path).Msg("failed to read inventory ledger")
		return []scan.InventoryRecord{}
	}
	return records
}

func (l *Ledger) read() ([]scan.InventoryRecord, error) {
	f, err := os.Open(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return []scan.InventoryRecord{}, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = len(header)

	var records []scan.InventoryRecord
	first := true
	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read ledger row: %w", err)
		}
		if first {
			first = false
			if isHeader(row) {
				continue
			}
		}
		rec, err := decode(row)
		if err != nil {
			line, _ := r.FieldPos(0)
			return nil, fmt.Errorf("parse ledger line %d: %w", line, err)
		}
		records = append(records, rec)
	}

	out := make([]scan.InventoryRecord, 0, len(records))
	for i := len(records) - 1; i >= 0; i-- {
		out = append(out, records[i])
	}
	return out, nil
}

// Open returns the raw ledger file for export. The caller closes it.
func (l *Ledger) Open() (*os.File, error) {
	f, err := os.Open(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	return f, nil
}

func isHeader(row []string) bool {
	for i, col := range header {
		if row[i] != col {
			return false
		}
	}
	return true
}

func encode(rec scan.InventoryRecord) []string {
	return []string{
		rec.Timestamp.Format(TimestampLayout),
		strconv.FormatFloat(rec.Latitude, 'f', -1, 64),
		strconv.FormatFloat(rec.Longitude, 'f', -1, 64),
		strconv.Itoa(rec.TotalTrees),
		rec.Counts,
	}
}

func decode(row []string) (scan.InventoryRecord, error) {
	ts, err := time.ParseInLocation(TimestampLayout, row[0], time.Local)
	if err != nil {
		return scan.InventoryRecord{}, fmt.Errorf("invalid Timestamp: %w", err)
	}
	lat, err := strconv.ParseFloat(row[1], 64)
	if err != nil {
		return scan.InventoryRecord{}, fmt.Errorf("invalid Latitude: %w", err)
	}
	lng, err := strconv.ParseFloat(row[2], 64)
	if err != nil {
		return scan.InventoryRecord{}, fmt.Errorf("invalid Longitude: %w", err)
	}
	total, err := strconv.Atoi(row[3])
	if err != nil {
		return scan.InventoryRecord{}, fmt.Errorf("invalid Total_Trees: %w", err)
	}
	return scan.InventoryRecord{
		Timestamp:  ts,
		Latitude:   lat,
		Longitude:  lng,
		TotalTrees: total,
		Counts:     row[4],
	}, nil
}
