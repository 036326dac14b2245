package archive

import (
	"archive/zip"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildZip(t *testing.T, files map[string][]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, data := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func gz(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write(data)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func staticLoader(data []byte, calls *int) Loader {
	return func(ctx context.Context) (Source, error) {
		*calls++
		return bytes.NewReader(data), nil
	}
}

type closingSource struct {
	*bytes.Reader
	closed int
}

func (s *closingSource) Close() error {
	s.closed++
	return nil
}

const indexCSV = "Activity ID,Activity Date,Activity Name,Activity Type,Elapsed Time,Distance,Filename,Media,Distance\r\n" +
	"101,\"May 1, 2024, 6:00:00 AM\",\"Run, \"\"easy\"\"\",Run,1800,5.2,activities/101.gpx,media/a.jpg|media/b.jpg,5200\r\n" +
	"102,\"May 2, 2024, 7:00:00 AM\",Ride,Ride,3600,20,activities/102.TCX.gz,,20000\n" +
	"103,\"May 3, 2024, 8:00:00 AM\",Yoga,Yoga,1200,0,,,0\n"

func TestParseIndex(t *testing.T) {
	rows, err := ParseIndex(strings.NewReader(indexCSV))
	require.NoError(t, err)
	require.Len(t, rows, 3)

	assert.Equal(t, 0, rows[0].Index)
	assert.Equal(t, "101", rows[0].ID)
	assert.Equal(t, `Run, "easy"`, rows[0].Name)
	assert.Equal(t, 2024, rows[0].Date.Year())
	assert.Equal(t, 6, rows[0].Date.Hour())
	assert.Equal(t, 1800.0, rows[0].ElapsedSeconds)
	assert.Equal(t, 5.2, rows[0].Distance, "first Distance column wins")
	assert.Equal(t, []string{"media/a.jpg", "media/b.jpg"}, rows[0].Media)

	assert.Equal(t, "activities/102.TCX.gz", rows[1].Filename)
	assert.Empty(t, rows[1].Media)
	assert.Equal(t, 2, rows[2].Index)
	assert.Empty(t, rows[2].Filename)
}

func TestParseIndexOnlyNeedsFilename(t *testing.T) {
	rows, err := ParseIndex(strings.NewReader("\ufeffFilename\nactivities/1.fit\n"))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "activities/1.fit", rows[0].Filename)
	assert.True(t, rows[0].Date.IsZero())

	_, err = ParseIndex(strings.NewReader("Activity ID,Media\n1,\n"))
	assert.Error(t, err)

	_, err = ParseIndex(strings.NewReader(""))
	assert.Error(t, err)
}

func TestReaderFindsNestedIndex(t *testing.T) {
	data := buildZip(t, map[string][]byte{
		"export_42/activities.csv":          []byte(indexCSV),
		"export_42/activities/101.gpx":      []byte("<gpx/>"),
		"export_42/Activities/102.tcx.gz":   gz(t, []byte("<tcx/>")),
		"export_42/media/a.jpg":             []byte("jpeg"),
		"export_42/nested/x/activities.csv": []byte("Filename\n"),
	})
	calls := 0
	r := NewReader(staticLoader(data, &calls))
	ctx := context.Background()

	rows, err := r.Activities(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 3)

	name, content, err := r.FitnessFile(ctx, rows[0].Filename)
	require.NoError(t, err)
	assert.Equal(t, "activities/101.gpx", name)
	assert.Equal(t, "<gpx/>", string(content))

	name, content, err = r.FitnessFile(ctx, rows[1].Filename)
	require.NoError(t, err)
	assert.Equal(t, "activities/102.TCX", name)
	assert.Equal(t, "<tcx/>", string(content))

	media, err := r.ReadFile(ctx, `.\media\A.JPG`)
	require.NoError(t, err)
	assert.Equal(t, "jpeg", string(media))

	_, err = r.ReadFile(ctx, "media/missing.jpg")
	assert.ErrorIs(t, err, ErrEntryNotFound)

	assert.Equal(t, 1, calls, "archive is loaded once")
}

func TestParseNumber(t *testing.T) {
	for in, want := range map[string]float64{
		"5.2":       5.2,
		"5,23":      5.23,
		"12,5":      12.5,
		"1,234":     1234,
		"1,234.56":  1234.56,
		"1,234,567": 1234567,
		" 42 ":      42,
		"":          0,
		"n/a":       0,
	} {
		assert.InDelta(t, want, parseNumber(in), 1e-9, in)
	}
}

func TestReaderWithoutIndex(t *testing.T) {
	calls := 0
	r := NewReader(staticLoader(buildZip(t, map[string][]byte{"readme.txt": []byte("hi")}), &calls))
	_, err := r.Activities(context.Background())
	assert.ErrorIs(t, err, ErrNoIndex)
}

func TestReaderIsLazy(t *testing.T) {
	loadErr := errors.New("storage down")
	calls := 0
	r := NewReader(func(ctx context.Context) (Source, error) {
		calls++
		return nil, loadErr
	})
	assert.Zero(t, calls)

	_, err := r.Activities(context.Background())
	assert.ErrorIs(t, err, loadErr)
	_, err = r.Activities(context.Background())
	assert.ErrorIs(t, err, loadErr)
	assert.Equal(t, 2, calls, "failed loads are retried")
}

func TestReaderClose(t *testing.T) {
	data := buildZip(t, map[string][]byte{"activities.csv": []byte("Filename\na.gpx\n")})
	src := &closingSource{Reader: bytes.NewReader(data)}
	calls := 0
	r := NewReader(func(ctx context.Context) (Source, error) {
		calls++
		return src, nil
	})

	require.NoError(t, r.Close(), "closing an unopened reader")
	_, err := r.Activities(context.Background())
	require.NoError(t, err)
	require.NoError(t, r.Close())
	assert.Equal(t, 1, src.closed)

	_, err = r.Activities(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, calls, "a closed reader opens the source again")
}

func TestReaderClosesInvalidSource(t *testing.T) {
	src := &closingSource{Reader: bytes.NewReader([]byte("not a zip"))}
	r := NewReader(func(ctx context.Context) (Source, error) { return src, nil })
	_, err := r.Activities(context.Background())
	assert.ErrorIs(t, err, ErrInvalid)
	assert.Equal(t, 1, src.closed)
}

func TestFitnessFileRejectsUnsupported(t *testing.T) {
	calls := 0
	r := NewReader(staticLoader(buildZip(t, map[string][]byte{"a.kml": []byte("x")}), &calls))
	_, _, err := r.FitnessFile(context.Background(), "a.kml")
	assert.Error(t, err)
	assert.Zero(t, calls)
}

func TestSupportedFitnessFile(t *testing.T) {
	for _, name := range []string{"a.fit", "a.GPX", "b/c.tcx.gz", "x.Fit.GZ"} {
		assert.True(t, SupportedFitnessFile(name), name)
	}
	for _, name := range []string{"", "a.gz", "a.kml", "a.gpx.zip"} {
		assert.False(t, SupportedFitnessFile(name), name)
	}
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "a/b.gpx", Normalize(`./A\B.GPX`))
	assert.Equal(t, "x", Normalize("/./x"))
}

func TestReaderRejectsGarbage(t *testing.T) {
	calls := 0
	r := NewReader(staticLoader([]byte("not a zip"), &calls))
	_, err := r.Activities(context.Background())
	assert.ErrorIs(t, err, ErrInvalid)

	r = NewReader(staticLoader(buildZip(t, map[string][]byte{"activities.csv": []byte("Activity ID\n1\n")}), &calls))
	_, err = r.Activities(context.Background())
	assert.ErrorIs(t, err, ErrInvalid)
}
