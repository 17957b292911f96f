package service

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/rs/zerolog"

	"treescan-service/internal/domain/scan"
	"treescan-service/internal/metrics"
	"treescan-service/internal/utils"
)

const defaultCaptureLabel = "Unknown"

type Uploader interface {
	Upload(ctx context.Context, key string, body io.Reader, size int64, contentType string) (string, error)
}

// CaptureService saves labelled street view frames into a dataset
// collection, one directory per label.
type CaptureService struct {
	imagery     ImageFetcher
	uploader    Uploader
	datasetRoot string
	log         zerolog.Logger
}

// NewCaptureService builds the service. uploader may be nil when object
// storage is not configured.
func NewCaptureService(fetcher ImageFetcher, uploader Uploader, datasetRoot string, log zerolog.Logger) *CaptureService {
	return &CaptureService{
		imagery:     fetcher,
		uploader:    uploader,
		datasetRoot: datasetRoot,
		log:         log,
	}
}

func (s *CaptureService) Save(ctx context.Context, req scan.CaptureRequest) (*scan.CaptureResult, error) {
	imgReq, err := validateRequest(req.Request)
	if err != nil {
		return nil, err
	}

	label := defaultCaptureLabel
	if req.Label != nil {
		label = utils.NormalizeLabel(*req.Label)
		if label == "" {
			return nil, fmt.Errorf("%w: label is required", ErrInvalidInput)
		}
	}

	image, err := s.imagery.Fetch(ctx, imgReq)
	if err != nil {
		s.log.Warn().Err(err).Str("label", label).Msg("street view fetch failed for capture")
		return nil, err
	}

	dir := filepath.Join(s.datasetRoot, label)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create dataset directory: %w", err)
	}

	filename := fmt.Sprintf("%s_%s_%s_%.0f.jpg",
		label,
		strconv.FormatFloat(imgReq.Lat, 'f', -1, 64),
		strconv.FormatFloat(imgReq.Lng, 'f', -1, 64),
		imgReq.Heading,
	)
	path := filepath.Join(dir, filename)
	if err := os.WriteFile(path, image, 0o644); err != nil {
		return nil, fmt.Errorf("save capture: %w", err)
	}

	result := &scan.CaptureResult{Label: label, Filename: path}

	outcome := "local"
	if s.uploader != nil {
		key := "dataset/" + label + "/" + filename
		url, err := s.uploader.Upload(ctx, key, bytes.NewReader(image), int64(len(image)), "image/jpeg")
		if err != nil {
			outcome = "upload_failed"
			s.log.Error().Err(err).Str("key", key).Msg("failed to upload capture to object storage")
		} else {
			outcome = "uploaded"
			result.ObjectURL = url
		}
	}

	metrics.CapturesTotal.WithLabelValues(outcome).Inc()
	s.log.Info().
		Str("label", label).
		Str("path", path).
		Str("object_url", result.ObjectURL).
		Msg("saved dataset capture")

	return result, nil
}
