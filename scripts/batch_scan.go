package main

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Point is one camera placement read from the input CSV.
type Point struct {
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
	Heading float64 `json:"heading"`
	Pitch   float64 `json:"pitch"`
	FOV     float64 `json:"fov"`
}

type scanResponse struct {
	TotalTrees int            `json:"total_trees"`
	TreeCounts map[string]int `json:"tree_counts"`
	Error      string         `json:"error"`
}

const (
	defaultServiceURL = "http://localhost:8080"
	defaultPitch      = 0
	defaultFOV        = 90
)

// A heading of "sweep" expands to these four directions.
var sweepHeadings = []float64{0, 90, 180, 270}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: go run batch_scan.go <points.csv> [service-url]")
		fmt.Println("CSV columns: lat,lng,heading[,pitch,fov]; heading may be \"sweep\"")
		os.Exit(1)
	}

	csvPath := os.Args[1]
	serviceURL := defaultServiceURL
	if len(os.Args) > 2 {
		serviceURL = strings.TrimRight(os.Args[2], "/")
	}

	points, err := readPoints(csvPath)
	if err != nil {
		fmt.Printf("Error reading CSV: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Read %d camera placements from %s\n", len(points), csvPath)

	client := &http.Client{Timeout: 120 * time.Second}
	totals := make(map[string]int)
	var ok, failed, trees int

	for i, p := range points {
		resp, err := scanPoint(client, serviceURL, p)
		if err != nil {
			failed++
			fmt.Printf("[%d/%d] %.6f,%.6f heading %.0f: %v\n", i+1, len(points), p.Lat, p.Lng, p.Heading, err)
			continue
		}
		ok++
		trees += resp.TotalTrees
		for label, n := range resp.TreeCounts {
			totals[label] += n
		}
		fmt.Printf("[%d/%d] %.6f,%.6f heading %.0f: %d trees\n", i+1, len(points), p.Lat, p.Lng, p.Heading, resp.TotalTrees)
	}

	fmt.Println("\n" + strings.Repeat("=", 60))
	fmt.Printf("Scanned: %d | Failed: %d | Trees: %d\n", ok, failed, trees)
	for _, label := range sortedLabels(totals) {
		fmt.Printf("  %-30s %d\n", label, totals[label])
	}

	if failed > 0 {
		os.Exit(2)
	}
}

func sortedLabels(totals map[string]int) []string {
	labels := make([]string, 0, len(totals))
	for label := range totals {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	return labels
}

func readPoints(path string) ([]Point, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	return parsePoints(file)
}

func parsePoints(r io.Reader) ([]Point, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	// Skip header
	if _, err := reader.Read(); err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	var points []Point
	for line := 2; ; line++ {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read record: %w", err)
		}

		if len(record) < 3 || strings.TrimSpace(record[0]) == "" {
			continue
		}

		base := Point{Pitch: defaultPitch, FOV: defaultFOV}
		if base.Lat, err = parseField(record[0]); err != nil {
			return nil, fmt.Errorf("line %d: lat: %w", line, err)
		}
		if base.Lng, err = parseField(record[1]); err != nil {
			return nil, fmt.Errorf("line %d: lng: %w", line, err)
		}
		if len(record) > 3 && strings.TrimSpace(record[3]) != "" {
			if base.Pitch, err = parseField(record[3]); err != nil {
				return nil, fmt.Errorf("line %d: pitch: %w", line, err)
			}
		}
		if len(record) > 4 && strings.TrimSpace(record[4]) != "" {
			if base.FOV, err = parseField(record[4]); err != nil {
				return nil, fmt.Errorf("line %d: fov: %w", line, err)
			}
		}

		if strings.EqualFold(strings.TrimSpace(record[2]), "sweep") {
			for _, h := range sweepHeadings {
				p := base
				p.Heading = h
				points = append(points, p)
			}
			continue
		}

		if base.Heading, err = parseField(record[2]); err != nil {
			return nil, fmt.Errorf("line %d: heading: %w", line, err)
		}
		points = append(points, base)
	}

	return points, nil
}

func parseField(s string) (float64, error) {
	return strconv.ParseFloat(strings.TrimSpace(s), 64)
}

func scanPoint(client *http.Client, serviceURL string, p Point) (*scanResponse, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	url := serviceURL + "/api/v1/streetview/scan?history=false"
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	var result scanResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, result.Error)
	}

	return &result, nil
}
