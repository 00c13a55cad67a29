// Package importer reads DaaS lease spreadsheets exported by the leasing
// vendor. XLSX and CSV files are accepted; the first row holds the headers.
package importer

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/tealeg/xlsx/v3"
)

// Required columns of a lease file
const (
	ColumnSerial        = "Serial Number"
	ColumnLeaseStart    = "Lease Start Date"
	ColumnLeaseMaturity = "Lease Maturity Date"
)

var (
	// ErrUnsupportedFormat файл не XLSX и не CSV
	ErrUnsupportedFormat = errors.New("unsupported file format, use .xlsx or .csv")

	// ErrMissingColumns в заголовке нет обязательных колонок
	ErrMissingColumns = errors.New("missing required columns")
)

// aliases допустимые написания заголовков, сравнение без учета регистра
var aliases = map[string][]string{
	ColumnSerial:        {"Serial Number", "Serial", "S/N", "Serial No"},
	ColumnLeaseStart:    {"Lease Start Date", "Lease Start", "Start Date"},
	ColumnLeaseMaturity: {"Lease Maturity Date", "Lease Maturity", "Maturity Date", "Lease End Date"},
}

var dateLayouts = []string{
	time.DateOnly,
	"2006-01-02 15:04:05",
	"01/02/2006",
	"1/2/2006",
	"02/01/2006",
	"2006/01/02",
	"01/02/2006 15:04:05",
}

// LeaseRow одна строка файла аренды. Пустая дата не меняет значение актива.
type LeaseRow struct {
	Start    *time.Time
	Maturity *time.Time
	Serial   string
	Row      int // номер строки в файле, с единицы
}

// RowError represents an error that occurred during row processing
type RowError struct {
	Serial  string `json:"serial,omitempty"`
	Message string `json:"message"`
	Row     int    `json:"row"`
}

// Result parsed rows plus rows that were skipped or failed to parse
type Result struct {
	Rows    []LeaseRow
	Errors  []RowError
	Total   int // строк данных в файле
	Skipped int // строк без серийного номера или без дат
}

// ReadLeases parses a lease file. The format is taken from the file name.
func ReadLeases(r io.Reader, filename string) (*Result, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read lease file: %w", err)
	}

	var (
		table    [][]string
		date1904 bool
	)
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".xlsx":
		table, date1904, err = readXLSX(data)
	case ".csv":
		table, err = readCSV(data)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, filename)
	}
	if err != nil {
		return nil, err
	}

	return parseTable(table, date1904)
}

func readXLSX(data []byte) ([][]string, bool, error) {
	wb, err := xlsx.OpenBinary(data)
	if err != nil {
		return nil, false, fmt.Errorf("failed to open Excel file: %w", err)
	}
	if len(wb.Sheets) == 0 {
		return nil, false, fmt.Errorf("%w: workbook has no sheets", ErrMissingColumns)
	}

	// Как и у поставщика: данные на первом листе
	sheet := wb.Sheets[0]
	table := make([][]string, 0, sheet.MaxRow)
	for rowIdx := 0; rowIdx < sheet.MaxRow; rowIdx++ {
		row, err := sheet.Row(rowIdx)
		if err != nil {
			return nil, false, fmt.Errorf("failed to read row %d: %w", rowIdx+1, err)
		}

		values := make([]string, sheet.MaxCol)
		for colIdx := 0; colIdx < sheet.MaxCol; colIdx++ {
			values[colIdx] = cellValue(row.GetCell(colIdx), wb.Date1904)
		}
		table = append(table, values)
	}

	return table, wb.Date1904, nil
}

// cellValue приводит ячейку-дату к ISO виду, остальные ячейки отдает как текст
func cellValue(cell *xlsx.Cell, date1904 bool) string {
	if cell == nil {
		return ""
	}
	if cell.IsTime() {
		if t, err := cell.GetTime(date1904); err == nil {
			return t.Format(time.DateOnly)
		}
	}
	return strings.TrimSpace(cell.String())
}

func readCSV(data []byte) ([][]string, error) {
	reader := csv.NewReader(bytes.NewReader(data))
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	table, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to parse CSV file: %w", err)
	}
	return table, nil
}

func parseTable(table [][]string, date1904 bool) (*Result, error) {
	if len(table) == 0 {
		return nil, fmt.Errorf("%w: file is empty", ErrMissingColumns)
	}

	columns, err := headerColumns(table[0])
	if err != nil {
		return nil, err
	}

	res := &Result{}
	for i, values := range table[1:] {
		rowNum := i + 2
		get := func(column string) string {
			idx := columns[column]
			if idx >= len(values) {
				return ""
			}
			return strings.TrimSpace(values[idx])
		}

		if isBlank(values) {
			continue
		}
		res.Total++

		serial := get(ColumnSerial)
		if serial == "" {
			res.Skipped++
			continue
		}

		start, err := parseDate(get(ColumnLeaseStart), date1904)
		if err != nil {
			res.Errors = append(res.Errors, RowError{Row: rowNum, Serial: serial, Message: fmt.Sprintf("lease start: %v", err)})
			continue
		}
		maturity, err := parseDate(get(ColumnLeaseMaturity), date1904)
		if err != nil {
			res.Errors = append(res.Errors, RowError{Row: rowNum, Serial: serial, Message: fmt.Sprintf("lease maturity: %v", err)})
			continue
		}
		if start == nil && maturity == nil {
			res.Skipped++
			continue
		}

		res.Rows = append(res.Rows, LeaseRow{Row: rowNum, Serial: serial, Start: start, Maturity: maturity})
	}

	return res, nil
}

func headerColumns(header []string) (map[string]int, error) {
	columns := make(map[string]int, len(aliases))
	for idx, name := range header {
		name = strings.TrimSpace(name)
		for column, names := range aliases {
			if _, seen := columns[column]; seen {
				continue
			}
			for _, alias := range names {
				if strings.EqualFold(alias, name) {
					columns[column] = idx
					break
				}
			}
		}
	}

	var missing []string
	for _, column := range []string{ColumnSerial, ColumnLeaseStart, ColumnLeaseMaturity} {
		if _, ok := columns[column]; !ok {
			missing = append(missing, column)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingColumns, strings.Join(missing, ", "))
	}

	return columns, nil
}

// parseDate понимает текстовые даты и серийные номера дат Excel
func parseDate(value string, date1904 bool) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}

	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return &t, nil
		}
	}

	if serial, err := strconv.ParseFloat(value, 64); err == nil && serial > 0 {
		t := xlsx.TimeFromExcelTime(serial, date1904)
		t = time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		return &t, nil
	}

	return nil, fmt.Errorf("invalid date %q", value)
}

func isBlank(values []string) bool {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
