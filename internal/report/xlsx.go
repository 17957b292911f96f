package report

import (
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"

	"treescan-service/internal/domain/scan"
)

const (
	SheetName       = "Inventory"
	timestampLayout = "2006-01-02 15:04:05"
)

var columns = []string{"Timestamp", "Latitude", "Longitude", "Total_Trees", "Counts"}

// WriteInventoryXLSX renders ledger records as a single-sheet workbook, in
// the order given.
func WriteInventoryXLSX(w io.Writer, records []scan.InventoryRecord) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", SheetName); err != nil {
		return fmt.Errorf("rename sheet: %w", err)
	}

	head := make([]interface{}, len(columns))
	for i, c := range columns {
		head[i] = c
	}
	if err := f.SetSheetRow(SheetName, "A1", &head); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	for i, rec := range records {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		row := []interface{}{
			rec.Timestamp.Format(timestampLayout),
			rec.Latitude,
			rec.Longitude,
			rec.TotalTrees,
			rec.Counts,
		}
		if err := f.SetSheetRow(SheetName, cell, &row); err != nil {
			return fmt.Errorf("write row %d: %w", i+1, err)
		}
	}

	if err := f.SetColWidth(SheetName, "A", "A", 20); err != nil {
		return err
	}
	if err := f.SetColWidth(SheetName, "E", "E", 40); err != nil {
		return err
	}

	if err := f.Write(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}
