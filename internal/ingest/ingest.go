// Package ingest turns spreadsheet exports into validated cohorts and writes
// assessment results back out as CSV.
//
// Both .xlsx workbooks and .csv files are accepted. The first non-empty row is
// the header; header names are trimmed and lowercased before they are matched
// against the required columns. Cells that are empty or do not parse as numbers
// become missing values (NaN) and are imputed later by the engine.
package ingest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/spf13/cast"
	"github.com/xuri/excelize/v2"

	"github.com/rewired-gh/cohortguard/internal/logger"
	"github.com/rewired-gh/cohortguard/internal/models"
)

// DefaultSheet is the worksheet read when none is configured.
const DefaultSheet = "Ark1"

// previewRows is how many data rows LoadCohort logs at debug level.
const previewRows = 5

// ErrNoHeader is returned when a table holds no non-empty row.
var ErrNoHeader = errors.New("table has no header row")

// decimalComma matches a number written with a comma as its only separator.
var decimalComma = regexp.MustCompile(`^[+-]?\d+,(\d+)$`)

// ReadTable returns the raw cell grid of a spreadsheet or CSV file.
// For workbooks an empty sheet name selects the first sheet.
func ReadTable(path, sheet string) ([][]string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xlsx", ".xlsm", ".xltx", ".xltm":
		return readWorkbook(path, sheet)
	case ".csv":
		return readCSV(path)
	default:
		return nil, fmt.Errorf("unsupported file type %q", filepath.Ext(path))
	}
}

func readWorkbook(path, sheet string) ([][]string, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open workbook: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("workbook %s has no sheets", path)
	}
	if sheet == "" {
		sheet = sheets[0]
	}
	if idx, err := f.GetSheetIndex(sheet); err != nil || idx < 0 {
		return nil, fmt.Errorf("sheet %q not found in %s (available: %s)", sheet, path, strings.Join(sheets, ", "))
	}

	// Stored values, not the display text produced by the cell number format.
	rows, err := f.GetRows(sheet, excelize.Options{RawCellValue: true})
	if err != nil {
		return nil, fmt.Errorf("failed to read sheet %q: %w", sheet, err)
	}
	return rows, nil
}

func readCSV(path string) ([][]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open csv: %w", err)
	}
	defer file.Close()

	r := csv.NewReader(file)
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true
	rows, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to parse csv: %w", err)
	}
	return rows, nil
}

// ParseCohort maps a cell grid onto the record schema. Every required column
// missing from the header is reported in a single *models.SchemaError.
func ParseCohort(grid [][]string) (models.Cohort, error) {
	start := -1
	for i, row := range grid {
		if !blank(row) {
			start = i
			break
		}
	}
	if start < 0 {
		return nil, ErrNoHeader
	}

	index := make(map[string]int)
	for j, cell := range grid[start] {
		name := strings.ToLower(strings.TrimSpace(cell))
		if _, dup := index[name]; !dup && name != "" {
			index[name] = j
		}
	}

	var missing []string
	for _, col := range models.RequiredColumns() {
		if _, ok := index[col]; !ok {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		return nil, &models.SchemaError{Missing: missing}
	}

	cohort := make(models.Cohort, 0, len(grid)-start-1)
	for _, row := range grid[start+1:] {
		if blank(row) {
			continue
		}
		rec := models.Record{
			PatientID: strings.TrimSpace(cell(row, index[models.PatientColumn])),
			Values:    make(map[string]float64, len(models.FeatureNames)),
		}
		for _, name := range models.FeatureNames {
			rec.Values[name] = ParseNumber(cell(row, index[name]))
		}
		cohort = append(cohort, rec)
	}
	return cohort, nil
}

// LoadCohort reads and parses a table in one step.
func LoadCohort(path, sheet string) (models.Cohort, error) {
	grid, err := ReadTable(path, sheet)
	if err != nil {
		return nil, err
	}
	cohort, err := ParseCohort(grid)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}

	logger.Debug("Loaded %d records from %s", len(cohort), path)
	for i := 0; i < len(cohort) && i < previewRows; i++ {
		logger.Debug("Row %d: patient=%s values=%v", i, cohort[i].PatientID, cohort[i].Values)
	}
	return cohort, nil
}

// ParseNumber converts cell text to a float. Empty or non-numeric text yields
// NaN. A single decimal comma is accepted unless exactly three digits follow
// it, since "1,234" reads as a thousands group just as well.
func ParseNumber(s string) float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return math.NaN()
	}
	if strings.Contains(s, ",") {
		m := decimalComma.FindStringSubmatch(s)
		if m == nil || len(m[1]) == 3 {
			return math.NaN()
		}
		s = strings.Replace(s, ",", ".", 1)
	}
	v, err := cast.ToFloat64E(s)
	if err != nil || math.IsInf(v, 0) {
		return math.NaN()
	}
	return v
}

// ResultHeader returns the column names written by WriteResults.
func ResultHeader() []string {
	header := []string{"patient", "isolation_anomaly", "distance_anomaly", "isolation_score"}
	for _, name := range models.FeatureNames {
		header = append(header, models.ZScoreColumn(name))
	}
	return header
}

// WriteResults writes one CSV row per assessment result.
func WriteResults(w io.Writer, results []models.AssessmentResult) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(ResultHeader()); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	for _, r := range results {
		row := []string{
			r.PatientID,
			strconv.FormatBool(r.IsolationAnomaly),
			strconv.FormatBool(r.DistanceAnomaly),
			formatFloat(r.IsolationScore),
		}
		for _, name := range models.FeatureNames {
			row = append(row, formatFloat(r.ZScores[name]))
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("failed to write result for %s: %w", r.PatientID, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteResultsFile writes results to path, replacing any existing file.
func WriteResultsFile(path string, results []models.AssessmentResult) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create output directory: %w", err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create results file: %w", err)
	}
	if err := WriteResults(f, results); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func cell(row []string, j int) string {
	if j < len(row) {
		return row[j]
	}
	return ""
}

func blank(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
