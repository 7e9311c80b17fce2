package ingest

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/enrich-cli/internal/model"
)

func createTestXLSX(t *testing.T, sheets map[string][][]string) string {
	t.Helper()
	f := xlsx.NewFile()
	for name, rows := range sheets {
		sheet, err := f.AddSheet(name)
		require.NoError(t, err)
		for _, rowData := range rows {
			row := sheet.AddRow()
			for _, cellData := range rowData {
				cell := row.AddCell()
				cell.SetString(cellData)
			}
		}
	}
	path := filepath.Join(t.TempDir(), "records.xlsx")
	require.NoError(t, f.Save(path))
	return path
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestReadCSV_TrimsAndAllowsRaggedRows(t *testing.T) {
	rows, err := ReadCSV(context.Background(), strings.NewReader("\ufeffName, Address\n Fix4Phone ,1 Main St,extra\nSolo\n"))
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, []string{"Name", "Address"}, rows[0])
	assert.Equal(t, []string{"Fix4Phone", "1 Main St", "extra"}, rows[1])
	assert.Equal(t, []string{"Solo"}, rows[2])
}

func TestReadCSV_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := ReadCSV(ctx, strings.NewReader("name\na\n"))
	assert.ErrorContains(t, err, "cancelled")
}

func TestReadXLSX_FirstSheetAndByName(t *testing.T) {
	path := createTestXLSX(t, map[string][][]string{
		"Shops": {{"Name", "Phone"}, {"Fix4Phone", "555-0100"}},
	})

	rows, err := ReadXLSX(context.Background(), path, "")
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"Name", "Phone"}, {"Fix4Phone", "555-0100"}}, rows)

	rows, err = ReadXLSX(context.Background(), path, "Shops")
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	_, err = ReadXLSX(context.Background(), path, "Missing")
	assert.ErrorContains(t, err, `sheet "Missing" not found`)
}

func TestReadRows_UnsupportedExtension(t *testing.T) {
	path := writeFile(t, "records.json", "[]")
	_, err := ReadRows(context.Background(), path)
	assert.ErrorContains(t, err, "unsupported file type")
}

func TestMapRows_Aliases(t *testing.T) {
	res, err := MapRows([][]string{
		{"Record ID", "Business Name", "Street Address", "About", "Phone Number", "E-mail", "Latitude", "Longitude"},
		{"r1", "Fix4Phone", "1 Main St", "phone repair", "555-0100", "hi@fix4phone.test", "40.7", "-74.0"},
	})
	require.NoError(t, err)
	require.Len(t, res.Records, 1)

	rec := res.Records[0]
	assert.Equal(t, "r1", rec.ID)
	assert.Equal(t, "Fix4Phone", rec.Name)
	assert.Equal(t, "1 Main St", rec.Address)
	assert.Equal(t, "phone repair", rec.Description)
	assert.Equal(t, "555-0100", rec.Phone)
	assert.Equal(t, "hi@fix4phone.test", rec.Email)
	assert.Equal(t, model.StatusPending, rec.Status)
	require.NotNil(t, rec.Coordinates)
	assert.InDelta(t, 40.7, rec.Coordinates.Lat, 0.0001)
	assert.InDelta(t, -74.0, rec.Coordinates.Lng, 0.0001)
}

func TestMapRows_SkipsBadRows(t *testing.T) {
	res, err := MapRows([][]string{
		{"id", "name", "lat", "lng"},
		{"a", "Shop A", "", ""},
		{"b", "", "", ""},
		{"a", "Shop A again", "", ""},
		{"", "", "", ""},
		{"c", "Shop C", "91", "10"},
		{"d", "Shop D", "12.5", ""},
		{"e", "Shop E", "abc", "1"},
	})
	require.NoError(t, err)
	require.Len(t, res.Records, 1)
	assert.Equal(t, "a", res.Records[0].ID)
	assert.Nil(t, res.Records[0].Coordinates)

	require.Len(t, res.Skipped, 5)
	assert.Equal(t, RowError{Row: 3, Reason: "missing name"}, res.Skipped[0])
	assert.Equal(t, 4, res.Skipped[1].Row)
	assert.Contains(t, res.Skipped[1].Reason, "duplicate id")
	assert.Contains(t, res.Skipped[2].Reason, "out of range")
	assert.Contains(t, res.Skipped[3].Reason, "must both be set")
	assert.Contains(t, res.Skipped[4].Reason, "invalid latitude")
	assert.Equal(t, "row 3: missing name", res.Skipped[0].Error())
}

func TestMapRows_GeneratesIDs(t *testing.T) {
	res, err := MapRows([][]string{{"name"}, {"One"}, {"Two"}})
	require.NoError(t, err)
	require.Len(t, res.Records, 2)
	assert.NotEmpty(t, res.Records[0].ID)
	assert.NotEqual(t, res.Records[0].ID, res.Records[1].ID)
}

func TestMapRows_RequiresNameColumn(t *testing.T) {
	_, err := MapRows([][]string{{"address"}, {"1 Main St"}})
	assert.ErrorContains(t, err, "no name column")

	res, err := MapRows(nil)
	require.NoError(t, err)
	assert.Empty(t, res.Records)
}

func TestLoad_CSVAndXLSX(t *testing.T) {
	csvPath := writeFile(t, "records.csv", "name,address\nFix4Phone,1 Main St\nBakery,2 Oak Ave\n")
	res, err := Load(context.Background(), csvPath)
	require.NoError(t, err)
	assert.Len(t, res.Records, 2)

	xlsxPath := createTestXLSX(t, map[string][][]string{
		"Sheet1": {{"Name", "Address"}, {"Fix4Phone", "1 Main St"}},
	})
	res, err = Load(context.Background(), xlsxPath)
	require.NoError(t, err)
	require.Len(t, res.Records, 1)
	assert.Equal(t, "1 Main St", res.Records[0].Address)
}
