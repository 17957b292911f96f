package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"treescan-service/internal/detector"
	"treescan-service/internal/domain/scan"
	"treescan-service/internal/imagery"
	"treescan-service/internal/ledger"
	"treescan-service/internal/metrics"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = errors.New("not found")
	ErrDetection    = errors.New("detection failed")
)

// Inference settings the model was validated with.
const (
	ConfidenceThreshold = 0.25
	InferenceSize       = 640
	TestTimeAugment     = true
)

const (
	scanSubdir     = "scans"
	rawCaptureName = "captured_streetview.jpg"
)

type ImageFetcher interface {
	Fetch(ctx context.Context, req imagery.Request) ([]byte, error)
	RequestURL(req imagery.Request) string
}

type InventoryLedger interface {
	Append(rec scan.InventoryRecord) error
	ReadAll() []scan.InventoryRecord
	Open() (*os.File, error)
}

type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

type ScanService struct {
	imagery  ImageFetcher
	engine   detector.Engine
	ledger   InventoryLedger
	clock    Clock
	mediaDir string
	mediaURL string
	log      zerolog.Logger
}

// NewScanService wires the pipeline. Collaborators are built once at startup
// and shared by every request.
func NewScanService(
	fetcher ImageFetcher,
	engine detector.Engine,
	inventory InventoryLedger,
	clock Clock,
	mediaRoot, mediaURL string,
	log zerolog.Logger,
) *ScanService {
	if clock == nil {
		clock = SystemClock{}
	}
	return &ScanService{
		imagery:  fetcher,
		engine:   engine,
		ledger:   inventory,
		clock:    clock,
		mediaDir: filepath.Join(mediaRoot, scanSubdir),
		mediaURL: mediaURL,
		log:      log,
	}
}

// Scan runs fetch -> detect -> log for one camera placement. Only validation,
// provider and detection failures are returned; ledger failures are logged.
func (s *ScanService) Scan(ctx context.Context, req scan.Request, withHistory bool) (*scan.Result, error) {
	imgReq, err := validateRequest(req)
	if err != nil {
		metrics.ScansTotal.WithLabelValues("invalid").Inc()
		return nil, err
	}

	scanID := uuid.New().String()
	requestURL := s.imagery.RequestURL(imgReq)
	log := s.log.With().Str("scan_id", scanID).Logger()

	log.Info().
		Float64("lat", imgReq.Lat).
		Float64("lng", imgReq.Lng).
		Float64("heading", imgReq.Heading).
		Float64("pitch", imgReq.Pitch).
		Float64("fov", imgReq.FOV).
		Str("url", requestURL).
		Msg("starting scan")

	start := time.Now()
	image, err := s.imagery.Fetch(ctx, imgReq)
	metrics.ObserveStage("fetch", start)
	if err != nil {
		log.Warn().Err(err).Msg("street view fetch failed")
		metrics.ScansTotal.WithLabelValues("provider_error").Inc()
		return nil, err
	}

	if err := os.MkdirAll(s.mediaDir, 0o755); err != nil {
		metrics.ScansTotal.WithLabelValues("internal_error").Inc()
		return nil, fmt.Errorf("create scan directory: %w", err)
	}
	if err := os.WriteFile(filepath.Join(s.mediaDir, rawCaptureName), image, 0o644); err != nil {
		metrics.ScansTotal.WithLabelValues("internal_error").Inc()
		return nil, fmt.Errorf("save raw capture: %w", err)
	}

	start = time.Now()
	frames, err := s.engine.Predict(ctx, image, detector.Options{
		Confidence: ConfidenceThreshold,
		ImageSize:  InferenceSize,
		Augment:    TestTimeAugment,
	})
	metrics.ObserveStage("detect", start)
	if err != nil {
		log.Error().Err(err).Msg("detection failed")
		metrics.ScansTotal.WithLabelValues("detection_error").Inc()
		return nil, fmt.Errorf("%w: %w", ErrDetection, err)
	}

	names := s.engine.Names()
	result := &scan.Result{
		ScanID:     scanID,
		URL:        requestURL,
		Outputs:    make([]string, 0, len(frames)),
		Detections: make([]scan.Detection, 0),
		TreeCounts: scan.NewTreeCounts(),
	}

	for i, frame := range frames {
		name := "predicted_streetview_" + strconv.Itoa(i) + ".jpg"
		rendered := frame.Annotated
		if len(rendered) == 0 {
			rendered = image
		}
		if err := os.WriteFile(filepath.Join(s.mediaDir, name), rendered, 0o644); err != nil {
			metrics.ScansTotal.WithLabelValues("internal_error").Inc()
			return nil, fmt.Errorf("save annotated frame %d: %w", i, err)
		}
		result.Outputs = append(result.Outputs, s.mediaURL+scanSubdir+"/"+name)

		for _, box := range frame.Boxes {
			label := labelFor(names, box.Class)
			result.TreeCounts.Add(label)
			result.Detections = append(result.Detections, scan.Detection{
				Class:      box.Class,
				Label:      label,
				Confidence: box.Confidence,
				XYXY:       box.XYXY,
			})
		}
	}
	result.TotalTrees = len(result.Detections)

	for _, label := range result.TreeCounts.Labels() {
		metrics.TreesDetected.WithLabelValues(label).Add(float64(result.TreeCounts.Get(label)))
	}

	record := scan.InventoryRecord{
		Timestamp:  s.clock.Now().Truncate(time.Second),
		Latitude:   imgReq.Lat,
		Longitude:  imgReq.Lng,
		TotalTrees: result.TotalTrees,
		Counts:     result.TreeCounts.Summary(),
	}
	if err := s.ledger.Append(record); err != nil {
		metrics.LedgerWriteErrors.Inc()
		log.Error().Err(err).Msg("failed to write inventory ledger, continuing")
	}

	if withHistory {
		result.RecentLogs = s.ledger.ReadAll()
	}

	metrics.ScansTotal.WithLabelValues("ok").Inc()
	log.Info().
		Int("total_trees", result.TotalTrees).
		Str("counts", record.Counts).
		Int("frames", len(frames)).
		Msg("scan complete")

	return result, nil
}

// History returns the inventory ledger, newest first.
func (s *ScanService) History() []scan.InventoryRecord {
	return s.ledger.ReadAll()
}

// OpenLedger returns the raw ledger file for download.
func (s *ScanService) OpenLedger() (*os.File, error) {
	f, err := s.ledger.Open()
	if errors.Is(err, ledger.ErrNotFound) {
		return nil, fmt.Errorf("%w: inventory ledger has not been written yet", ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return f, nil
}

func validateRequest(req scan.Request) (imagery.Request, error) {
	fields := []struct {
		name  string
		value *float64
	}{
		{"lat", req.Lat},
		{"lng", req.Lng},
		{"heading", req.Heading},
		{"pitch", req.Pitch},
		{"fov", req.FOV},
	}
	for _, f := range fields {
		if f.value == nil {
			return imagery.Request{}, fmt.Errorf("%w: %s is required", ErrInvalidInput, f.name)
		}
	}
	if *req.FOV == 0 {
		return imagery.Request{}, fmt.Errorf("%w: fov must be non-zero", ErrInvalidInput)
	}

	return imagery.Request{
		Lat:     *req.Lat,
		Lng:     *req.Lng,
		Heading: *req.Heading,
		Pitch:   *req.Pitch,
		FOV:     *req.FOV,
	}, nil
}

func labelFor(names map[int]string, class int) string {
	if name, ok := names[class]; ok && name != "" {
		return name
	}
	return strconv.Itoa(class)
}
