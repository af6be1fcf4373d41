package export

import (
	"fmt"

	"github.com/xuri/excelize/v2"
)

const sheetName = "Temperature Data"

func writeXLSX(t Table) ([]byte, error) {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	if err := f.SetSheetName("Sheet1", sheetName); err != nil {
		return nil, fmt.Errorf("name sheet: %w", err)
	}

	cols := header(t.Aggregation)
	headerRow := make([]any, len(cols))
	for i, c := range cols {
		headerRow[i] = c
	}
	if err := f.SetSheetRow(sheetName, "A1", &headerRow); err != nil {
		return nil, fmt.Errorf("write header: %w", err)
	}

	style, err := f.NewStyle(&excelize.Style{
		Font:      &excelize.Font{Bold: true},
		Fill:      excelize.Fill{Type: "pattern", Color: []string{"#D7E4BC"}, Pattern: 1},
		Alignment: &excelize.Alignment{WrapText: true, Vertical: "top"},
		Border: []excelize.Border{
			{Type: "left", Color: "000000", Style: 1},
			{Type: "top", Color: "000000", Style: 1},
			{Type: "right", Color: "000000", Style: 1},
			{Type: "bottom", Color: "000000", Style: 1},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("header style: %w", err)
	}
	last, err := excelize.CoordinatesToCellName(len(cols), 1)
	if err != nil {
		return nil, err
	}
	if err := f.SetCellStyle(sheetName, "A1", last, style); err != nil {
		return nil, fmt.Errorf("apply header style: %w", err)
	}

	rowNum := 2
	writeRow := func(values []any) error {
		cell, err := excelize.CoordinatesToCellName(1, rowNum)
		if err != nil {
			return err
		}
		rowNum++
		return f.SetSheetRow(sheetName, cell, &values)
	}

	if t.Aggregation == Full {
		for _, s := range t.Samples {
			if err := writeRow([]any{s.Timestamp.UTC().Format(hourLayout), s.Temperature}); err != nil {
				return nil, fmt.Errorf("write row %d: %w", rowNum, err)
			}
		}
	} else {
		for _, b := range t.Buckets {
			if err := writeRow([]any{bucketLabel(t.Aggregation, b.Bucket), b.Avg, b.Min, b.Max, b.Readings}); err != nil {
				return nil, fmt.Errorf("write row %d: %w", rowNum, err)
			}
		}
	}

	if err := f.SetColWidth(sheetName, "A", "A", 20); err != nil {
		return nil, err
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("encode workbook: %w", err)
	}
	return buf.Bytes(), nil
}
