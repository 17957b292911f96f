package service

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"treescan-service/internal/detector"
	"treescan-service/internal/domain/scan"
	"treescan-service/internal/imagery"
	"treescan-service/internal/ledger"
)

// --- Mocks ---

type mockFetcher struct {
	fetchFn func(ctx context.Context, req imagery.Request) ([]byte, error)
	calls   int
	last    imagery.Request
}

func (m *mockFetcher) Fetch(ctx context.Context, req imagery.Request) ([]byte, error) {
	m.calls++
	m.last = req
	if m.fetchFn != nil {
		return m.fetchFn(ctx, req)
	}
	return []byte("raw-jpeg"), nil
}

func (m *mockFetcher) RequestURL(req imagery.Request) string {
	return "https://maps.example.com/streetview?key=****"
}

type mockEngine struct {
	predictFn func(ctx context.Context, image []byte, opts detector.Options) ([]detector.Frame, error)
	names     map[int]string
	calls     int
	lastOpts  detector.Options
}

func (m *mockEngine) Predict(ctx context.Context, image []byte, opts detector.Options) ([]detector.Frame, error) {
	m.calls++
	m.lastOpts = opts
	if m.predictFn != nil {
		return m.predictFn(ctx, image, opts)
	}
	return nil, nil
}

func (m *mockEngine) Names() map[int]string { return m.names }

type mockLedger struct {
	appendFn    func(rec scan.InventoryRecord) error
	appended    []scan.InventoryRecord
	history     []scan.InventoryRecord
	readCalls   int
	appendCalls int
}

func (m *mockLedger) Append(rec scan.InventoryRecord) error {
	m.appendCalls++
	if m.appendFn != nil {
		return m.appendFn(rec)
	}
	m.appended = append(m.appended, rec)
	return nil
}

func (m *mockLedger) ReadAll() []scan.InventoryRecord {
	m.readCalls++
	return m.history
}

func (m *mockLedger) Open() (*os.File, error) { return nil, ledger.ErrNotFound }

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

func ptr(v float64) *float64 { return &v }

func validRequest() scan.Request {
	return scan.Request{Lat: ptr(1.3521), Lng: ptr(103.8198), Heading: ptr(90), Pitch: ptr(0), FOV: ptr(90)}
}

func treeFrames(ctx context.Context, image []byte, opts detector.Options) ([]detector.Frame, error) {
	return []detector.Frame{{
		Annotated: []byte("annotated"),
		Boxes: []detector.Box{
			{Class: 0, Confidence: 0.91, XYXY: [4]float64{10, 20, 110, 220}},
			{Class: 0, Confidence: 0.84, XYXY: [4]float64{200, 30, 260, 300}},
			{Class: 1, Confidence: 0.66, XYXY: [4]float64{300, 40, 400, 350}},
		},
	}}, nil
}

var treeNames = map[int]string{0: "Angsana", 1: "Rain Tree"}

func newTestService(t *testing.T, fetcher ImageFetcher, engine detector.Engine, inv InventoryLedger) (*ScanService, string) {
	t.Helper()
	mediaRoot := t.TempDir()
	clock := fixedClock{t: time.Date(2024, 5, 1, 10, 15, 32, 0, time.Local)}
	return NewScanService(fetcher, engine, inv, clock, mediaRoot, "/media/", zerolog.Nop()), mediaRoot
}

// --- Tests ---

func TestValidateRequestMissingFields(t *testing.T) {
	tests := []struct {
		name  string
		field string
		clear func(r *scan.Request)
	}{
		{name: "missing lat", field: "lat", clear: func(r *scan.Request) { r.Lat = nil }},
		{name: "missing lng", field: "lng", clear: func(r *scan.Request) { r.Lng = nil }},
		{name: "missing heading", field: "heading", clear: func(r *scan.Request) { r.Heading = nil }},
		{name: "missing pitch", field: "pitch", clear: func(r *scan.Request) { r.Pitch = nil }},
		{name: "missing fov", field: "fov", clear: func(r *scan.Request) { r.FOV = nil }},
		{name: "zero fov", field: "fov", clear: func(r *scan.Request) { r.FOV = ptr(0) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fetcher := &mockFetcher{}
			engine := &mockEngine{}
			inv := &mockLedger{}
			svc, _ := newTestService(t, fetcher, engine, inv)

			req := validRequest()
			tt.clear(&req)

			_, err := svc.Scan(context.Background(), req, true)
			if !errors.Is(err, ErrInvalidInput) {
				t.Fatalf("expected ErrInvalidInput, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.field) {
				t.Errorf("error %q does not name field %s", err, tt.field)
			}
			if fetcher.calls != 0 || engine.calls != 0 || inv.appendCalls != 0 {
				t.Errorf("pipeline ran after validation failure: fetch=%d detect=%d append=%d", fetcher.calls, engine.calls, inv.appendCalls)
			}
		})
	}
}

func TestScanAcceptsZeroHeadingAndPitch(t *testing.T) {
	fetcher := &mockFetcher{}
	svc, _ := newTestService(t, fetcher, &mockEngine{}, &mockLedger{})

	req := scan.Request{Lat: ptr(1.3521), Lng: ptr(103.8198), Heading: ptr(0), Pitch: ptr(0), FOV: ptr(90)}
	if _, err := svc.Scan(context.Background(), req, false); err != nil {
		t.Fatalf("zero heading/pitch must be accepted, got %v", err)
	}
	if fetcher.last.Heading != 0 || fetcher.last.Pitch != 0 {
		t.Errorf("fetch request = %+v", fetcher.last)
	}
}

func TestScanProviderErrorStopsPipeline(t *testing.T) {
	fetcher := &mockFetcher{
		fetchFn: func(ctx context.Context, req imagery.Request) ([]byte, error) {
			return nil, &imagery.ProviderError{StatusCode: 403, ContentType: "text/plain", Detail: "API not enabled"}
		},
	}
	engine := &mockEngine{predictFn: treeFrames, names: treeNames}
	inv := &mockLedger{}
	svc, _ := newTestService(t, fetcher, engine, inv)

	_, err := svc.Scan(context.Background(), validRequest(), true)
	if !errors.Is(err, imagery.ErrProvider) {
		t.Fatalf("expected provider error, got %v", err)
	}
	var perr *imagery.ProviderError
	if !errors.As(err, &perr) {
		t.Fatalf("expected *imagery.ProviderError, got %T", err)
	}
	if engine.calls != 0 {
		t.Errorf("detector called %d times after provider failure", engine.calls)
	}
	if inv.appendCalls != 0 {
		t.Errorf("ledger appended %d times after provider failure", inv.appendCalls)
	}
}

func TestScanLedgerFailureIsNotFatal(t *testing.T) {
	engine := &mockEngine{predictFn: treeFrames, names: treeNames}
	inv := &mockLedger{
		appendFn: func(rec scan.InventoryRecord) error { return errors.New("disk full") },
		history:  []scan.InventoryRecord{{TotalTrees: 5, Counts: "Angsana: 5"}},
	}
	svc, _ := newTestService(t, &mockFetcher{}, engine, inv)

	result, err := svc.Scan(context.Background(), validRequest(), true)
	if err != nil {
		t.Fatalf("ledger failure must not abort the scan: %v", err)
	}
	if inv.appendCalls != 1 {
		t.Errorf("append calls = %d, want 1", inv.appendCalls)
	}
	if result.TotalTrees != 3 || len(result.Detections) != 3 {
		t.Errorf("result = %+v", result)
	}
	if len(result.Outputs) != 1 {
		t.Errorf("outputs = %v", result.Outputs)
	}
	if len(result.RecentLogs) != 1 {
		t.Errorf("recent logs = %+v", result.RecentLogs)
	}
}

func TestScanDetectionFailure(t *testing.T) {
	engine := &mockEngine{
		predictFn: func(ctx context.Context, image []byte, opts detector.Options) ([]detector.Frame, error) {
			return nil, detector.ErrInference
		},
	}
	inv := &mockLedger{}
	svc, _ := newTestService(t, &mockFetcher{}, engine, inv)

	_, err := svc.Scan(context.Background(), validRequest(), true)
	if !errors.Is(err, ErrDetection) {
		t.Fatalf("expected ErrDetection, got %v", err)
	}
	if !errors.Is(err, detector.ErrInference) {
		t.Errorf("inference cause lost from %v", err)
	}
	if inv.appendCalls != 0 {
		t.Errorf("ledger appended after detection failure")
	}
}

func TestScanEndToEnd(t *testing.T) {
	fetcher := &mockFetcher{}
	engine := &mockEngine{predictFn: treeFrames, names: treeNames}
	mediaRoot := t.TempDir()
	inv := ledger.New(filepath.Join(mediaRoot, "logs", "treeInventory.csv"), zerolog.Nop())
	now := time.Date(2024, 5, 1, 10, 15, 32, 0, time.Local)
	svc := NewScanService(fetcher, engine, inv, fixedClock{t: now}, mediaRoot, "/media/", zerolog.Nop())

	result, err := svc.Scan(context.Background(), validRequest(), true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if engine.lastOpts != (detector.Options{Confidence: 0.25, ImageSize: 640, Augment: true}) {
		t.Errorf("detector options = %+v", engine.lastOpts)
	}

	if result.TotalTrees != 3 {
		t.Errorf("total trees = %d, want 3", result.TotalTrees)
	}
	if result.TreeCounts.Get("Angsana") != 2 || result.TreeCounts.Get("Rain Tree") != 1 || result.TreeCounts.Len() != 2 {
		t.Errorf("tree counts = %s", result.TreeCounts.Summary())
	}
	if result.Detections[2].Label != "Rain Tree" || result.Detections[2].XYXY != [4]float64{300, 40, 400, 350} {
		t.Errorf("detection = %+v", result.Detections[2])
	}
	if result.ScanID == "" {
		t.Error("expected scan id")
	}

	if len(result.Outputs) != 1 || result.Outputs[0] != "/media/scans/predicted_streetview_0.jpg" {
		t.Errorf("outputs = %v", result.Outputs)
	}
	raw, err := os.ReadFile(filepath.Join(mediaRoot, "scans", "captured_streetview.jpg"))
	if err != nil || string(raw) != "raw-jpeg" {
		t.Errorf("raw capture = %q, err %v", raw, err)
	}
	annotated, err := os.ReadFile(filepath.Join(mediaRoot, "scans", "predicted_streetview_0.jpg"))
	if err != nil || string(annotated) != "annotated" {
		t.Errorf("annotated frame = %q, err %v", annotated, err)
	}

	if len(result.RecentLogs) != 1 {
		t.Fatalf("recent logs = %+v", result.RecentLogs)
	}
	row := result.RecentLogs[0]
	if row.Counts != "Angsana: 2, Rain Tree: 1" || row.TotalTrees != 3 {
		t.Errorf("ledger row = %+v", row)
	}
	if row.Latitude != 1.3521 || row.Longitude != 103.8198 || !row.Timestamp.Equal(now) {
		t.Errorf("ledger row = %+v", row)
	}
}

func TestScanWithoutDetectionsSkipsLedgerRow(t *testing.T) {
	engine := &mockEngine{
		predictFn: func(ctx context.Context, image []byte, opts detector.Options) ([]detector.Frame, error) {
			return []detector.Frame{{}}, nil
		},
	}
	mediaRoot := t.TempDir()
	inv := ledger.New(filepath.Join(mediaRoot, "logs", "treeInventory.csv"), zerolog.Nop())
	svc := NewScanService(&mockFetcher{}, engine, inv, nil, mediaRoot, "/media/", zerolog.Nop())

	result, err := svc.Scan(context.Background(), validRequest(), true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.TotalTrees != 0 || len(result.RecentLogs) != 0 {
		t.Errorf("result = %+v", result)
	}
	if _, err := os.Stat(inv.Path()); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("ledger should not exist, stat err = %v", err)
	}
	// No rendering from the engine: the raw frame stands in.
	annotated, _ := os.ReadFile(filepath.Join(mediaRoot, "scans", "predicted_streetview_0.jpg"))
	if string(annotated) != "raw-jpeg" {
		t.Errorf("fallback frame = %q", annotated)
	}
}

func TestScanHistoryOptional(t *testing.T) {
	inv := &mockLedger{history: []scan.InventoryRecord{{TotalTrees: 1}}}
	svc, _ := newTestService(t, &mockFetcher{}, &mockEngine{predictFn: treeFrames, names: treeNames}, inv)

	result, err := svc.Scan(context.Background(), validRequest(), false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if inv.readCalls != 0 || result.RecentLogs != nil {
		t.Errorf("history read without being requested")
	}
}

func TestLabelFor(t *testing.T) {
	names := map[int]string{0: "Angsana", 1: ""}
	tests := []struct {
		class    int
		expected string
	}{
		{class: 0, expected: "Angsana"},
		{class: 1, expected: "1"},
		{class: 7, expected: "7"},
	}
	for _, tt := range tests {
		if got := labelFor(names, tt.class); got != tt.expected {
			t.Errorf("labelFor(%d) = %q, want %q", tt.class, got, tt.expected)
		}
	}
}

func TestOpenLedgerNotFound(t *testing.T) {
	svc, _ := newTestService(t, &mockFetcher{}, &mockEngine{}, &mockLedger{})
	if _, err := svc.OpenLedger(); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
