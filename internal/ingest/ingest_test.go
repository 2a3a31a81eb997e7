package ingest

import (
	"bytes"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/rewired-gh/cohortguard/internal/models"
)

var header = []string{
	"PatientNumber", "Length", "WeightPre", "WeightPost", "BMIPre",
	"BMIPost", "WaistPre", "WaistPost", "PulsePre", "PulsePost",
}

func writeWorkbook(t *testing.T, sheet string, rows [][]interface{}) string {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()

	_, err := f.NewSheet(sheet)
	require.NoError(t, err)
	for i, row := range rows {
		addr, err := excelize.CoordinatesToCellName(1, i+1)
		require.NoError(t, err)
		require.NoError(t, f.SetSheetRow(sheet, addr, &row))
	}

	path := filepath.Join(t.TempDir(), "cohort.xlsx")
	require.NoError(t, f.SaveAs(path))
	return path
}

func writeCSV(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cohort.csv")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func toRow(cells []string) []interface{} {
	out := make([]interface{}, len(cells))
	for i, c := range cells {
		out[i] = c
	}
	return out
}

func TestLoadCohort_Workbook(t *testing.T) {
	path := writeWorkbook(t, DefaultSheet, [][]interface{}{
		toRow(header),
		{"p-1", 172, 98.5, 95, 33.3, 32.1, 110, 106, 72, 68},
		{"p-2", 165, 80, 78.5, 29.4, 28.8, 95, 93, "n/a", 70},
		{},
		{"p-3", 180, 120, 115, 37, 35.5, 120, 114, 80, ""},
	})

	cohort, err := LoadCohort(path, DefaultSheet)
	require.NoError(t, err)
	require.Len(t, cohort, 3)

	assert.Equal(t, "p-1", cohort[0].PatientID)
	assert.Equal(t, 98.5, cohort[0].Values[models.FeatureWeightPre])
	assert.True(t, math.IsNaN(cohort[1].Values[models.FeaturePulsePre]))
	assert.True(t, math.IsNaN(cohort[2].Values[models.FeaturePulsePost]))
	assert.NoError(t, cohort.Validate())
}

func TestLoadCohort_WorkbookIgnoresNumberFormat(t *testing.T) {
	f := excelize.NewFile()
	defer f.Close()

	_, err := f.NewSheet(DefaultSheet)
	require.NoError(t, err)
	head := toRow(header)
	require.NoError(t, f.SetSheetRow(DefaultSheet, "A1", &head))
	row := []interface{}{"p-1", 172.4, 1234.567, 82.46, 29.87, 28.8, 95, 93, 71, 70}
	require.NoError(t, f.SetSheetRow(DefaultSheet, "A2", &row))

	numFmt := "#,##0.0"
	style, err := f.NewStyle(&excelize.Style{CustomNumFmt: &numFmt})
	require.NoError(t, err)
	require.NoError(t, f.SetCellStyle(DefaultSheet, "B2", "E2", style))

	path := filepath.Join(t.TempDir(), "formatted.xlsx")
	require.NoError(t, f.SaveAs(path))

	cohort, err := LoadCohort(path, DefaultSheet)
	require.NoError(t, err)
	require.Len(t, cohort, 1)

	values := cohort[0].Values
	assert.Equal(t, 172.4, values[models.FeatureLength])
	assert.Equal(t, 1234.567, values[models.FeatureWeightPre])
	assert.Equal(t, 82.46, values[models.FeatureWeightPost])
	assert.Equal(t, 29.87, values[models.FeatureBMIPre])
}

func TestReadTable_FirstSheetWhenUnset(t *testing.T) {
	path := writeWorkbook(t, "Results", [][]interface{}{{"a", "b"}, {1, 2}})

	// NewFile creates Sheet1 ahead of the added sheet.
	grid, err := ReadTable(path, "")
	require.NoError(t, err)
	assert.Empty(t, grid)

	grid, err = ReadTable(path, "Results")
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"a", "b"}, {"1", "2"}}, grid)
}

func TestReadTable_MissingSheet(t *testing.T) {
	path := writeWorkbook(t, "Data", [][]interface{}{toRow(header)})

	_, err := ReadTable(path, DefaultSheet)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `sheet "Ark1" not found`)
}

func TestReadTable_UnsupportedType(t *testing.T) {
	_, err := ReadTable("cohort.json", "")
	assert.Error(t, err)
}

func TestLoadCohort_CSV(t *testing.T) {
	path := writeCSV(t, "patientnumber,length,weightpre,weightpost,bmipre,bmipost,waistpre,waistpost,pulsepre,pulsepost\n"+
		"p-1,172,\"98,5\",95,33.3,32.1,110,106,72,68\n"+
		"p-2,165,80,78.5,29.4,28.8,95,93,71,70\n")

	cohort, err := LoadCohort(path, "")
	require.NoError(t, err)
	require.Len(t, cohort, 2)
	assert.Equal(t, 98.5, cohort[0].Values[models.FeatureWeightPre])
	assert.Equal(t, 70.0, cohort[1].Values[models.FeaturePulsePost])
}

func TestParseCohort_MissingColumns(t *testing.T) {
	grid := [][]string{
		{"patientnumber", "length", "weightpre", "weightpost", "bmipre", "waistpre", "waistpost", "pulsepre"},
		{"p-1", "172", "98", "95", "33", "110", "106", "72"},
	}

	_, err := ParseCohort(grid)
	var schemaErr *models.SchemaError
	require.True(t, errors.As(err, &schemaErr))
	assert.Equal(t, []string{models.FeatureBMIPost, models.FeaturePulsePost}, schemaErr.Missing)
}

func TestParseCohort_MissingPatientColumn(t *testing.T) {
	grid := [][]string{header[1:]}

	_, err := ParseCohort(grid)
	var schemaErr *models.SchemaError
	require.True(t, errors.As(err, &schemaErr))
	assert.Equal(t, []string{models.PatientColumn}, schemaErr.Missing)
}

func TestParseCohort_HeaderAfterBlankRowsAndShortRows(t *testing.T) {
	grid := [][]string{
		{},
		{"", "  "},
		{" PatientNumber ", "LENGTH", "weightpre", "weightpost", "bmipre", "bmipost", "waistpre", "waistpost", "pulsepre", "pulsepost"},
		{"p-1", "172", "98"},
	}

	cohort, err := ParseCohort(grid)
	require.NoError(t, err)
	require.Len(t, cohort, 1)
	assert.Equal(t, 172.0, cohort[0].Values[models.FeatureLength])
	assert.True(t, math.IsNaN(cohort[0].Values[models.FeaturePulsePost]))
	assert.NoError(t, cohort[0].Validate())
}

func TestParseCohort_NoHeader(t *testing.T) {
	_, err := ParseCohort([][]string{{}, {" "}})
	assert.ErrorIs(t, err, ErrNoHeader)
}

func TestParseNumber(t *testing.T) {
	tests := []struct {
		in   string
		want float64
		nan  bool
	}{
		{"172", 172, false},
		{" 98.5 ", 98.5, false},
		{"98,5", 98.5, false},
		{"-3", -3, false},
		{"", 0, true},
		{"n/a", 0, true},
		{"1,234.5", 0, true},
		{"1,234", 0, true},
		{"1,234,567", 0, true},
		{"-0,25", -0.25, false},
		{"3,1416", 3.1416, false},
		{"Inf", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got := ParseNumber(tt.in)
			if tt.nan {
				assert.True(t, math.IsNaN(got), "got %v", got)
				return
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestWriteResults(t *testing.T) {
	z := make(map[string]float64, len(models.FeatureNames))
	for i, name := range models.FeatureNames {
		z[name] = float64(i) / 4
	}
	results := []models.AssessmentResult{
		{PatientID: "p-1", IsolationAnomaly: true, IsolationScore: 0.625, ZScores: z},
		{PatientID: "p-2", DistanceAnomaly: true, IsolationScore: 0.5, ZScores: z},
	}

	var buf bytes.Buffer
	require.NoError(t, WriteResults(&buf, results))

	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)

	assert.Equal(t, ResultHeader(), rows[0])
	assert.Equal(t, "weightpre_z_score", rows[0][5])
	assert.Equal(t, []string{"p-1", "true", "false", "0.625", "0", "0.25", "0.5", "0.75", "1", "1.25", "1.5", "1.75", "2"}, rows[1])
	assert.Equal(t, "false", rows[2][1])
	assert.Equal(t, "true", rows[2][2])
}

func TestWriteResultsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "resultsData.csv")
	require.NoError(t, WriteResultsFile(path, nil))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "patient,isolation_anomaly,distance_anomaly,isolation_score,length_z_score,weightpre_z_score,weightpost_z_score,bmipre_z_score,bmipost_z_score,waistpre_z_score,waistpost_z_score,pulsepre_z_score,pulsepost_z_score\n", string(data))
}
