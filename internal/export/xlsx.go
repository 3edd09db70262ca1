// Package export reads and writes the job spreadsheet.
package export

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/tealeg/xlsx/v2"

	"github.com/JakeFAU/jobboard-scraper/internal/scraper"
	"github.com/JakeFAU/jobboard-scraper/internal/storage/local"
)

// SheetName is the name of the single sheet in every export.
const SheetName = "Jobs"

// WriteRecords replaces path with a sheet holding a header row plus one row
// per record, in scraper.Columns order. The replacement is atomic.
func WriteRecords(path string, records []scraper.Record) error {
	f := xlsx.NewFile()
	sheet, err := f.AddSheet(SheetName)
	if err != nil {
		return fmt.Errorf("xlsx: add sheet: %w", err)
	}
	appendRow(sheet, scraper.Columns)
	for _, rec := range records {
		appendRow(sheet, rec.Values())
	}

	return local.ReplaceFile(path, func(tmpPath string) error {
		if err := f.Save(tmpPath); err != nil {
			return fmt.Errorf("xlsx: save: %w", err)
		}
		return nil
	})
}

func appendRow(sheet *xlsx.Sheet, values []string) {
	row := sheet.AddRow()
	for _, v := range values {
		cell := row.AddCell()
		cell.SetString(v)
	}
}

// ReadRecords loads every row of the first sheet at path. Columns are matched
// by header name, so files written with an older column order still load.
// A missing file returns an error wrapping os.ErrNotExist.
func ReadRecords(path string) ([]scraper.Record, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("xlsx: stat: %w", err)
	}
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("xlsx: open file: %w", err)
	}
	if len(f.Sheets) == 0 {
		return nil, errors.New("xlsx: file has no sheets")
	}
	sheet := f.Sheets[0]
	if len(sheet.Rows) == 0 {
		return nil, nil
	}

	header := rowToStrings(sheet.Rows[0])
	index := make(map[int]string, len(header))
	for i, name := range header {
		index[i] = strings.ToLower(strings.TrimSpace(name))
	}

	records := make([]scraper.Record, 0, len(sheet.Rows)-1)
	for _, row := range sheet.Rows[1:] {
		cells := rowToStrings(row)
		var rec scraper.Record
		for i, v := range cells {
			rec.SetField(index[i], v)
		}
		if rec == (scraper.Record{}) {
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// ReadURLs returns the url column of the spreadsheet at path.
func ReadURLs(path string) ([]string, error) {
	records, err := ReadRecords(path)
	if err != nil {
		return nil, err
	}
	urls := make([]string, 0, len(records))
	for _, rec := range records {
		if rec.URL != "" {
			urls = append(urls, rec.URL)
		}
	}
	return urls, nil
}

func rowToStrings(row *xlsx.Row) []string {
	if row == nil {
		return nil
	}
	cells := make([]string, len(row.Cells))
	for j, cell := range row.Cells {
		cells[j] = cell.String()
	}
	return cells
}
