package archive

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// Activity is one row of activities.csv. Index is the zero-based row
// position and is what import checkpoints refer to.
type Activity struct {
	Index          int
	ID             string
	Date           time.Time
	Name           string
	Type           string
	ElapsedSeconds float64
	Distance       float64 // as exported, kilometers in Strava archives
	Filename       string
	Media          []string
}

// Column names of activities.csv. Only Filename is required.
const (
	ColumnID       = "Activity ID"
	ColumnDate     = "Activity Date"
	ColumnName     = "Activity Name"
	ColumnType     = "Activity Type"
	ColumnElapsed  = "Elapsed Time"
	ColumnDistance = "Distance"
	ColumnFilename = "Filename"
	ColumnMedia    = "Media"
)

var dateLayouts = []string{
	"Jan 2, 2006, 3:04:05 PM",
	"Jan 2, 2006 3:04:05 PM",
	"2006-01-02 15:04:05",
	time.RFC3339,
}

// ParseIndex reads activities.csv. Columns are located by header name, the
// first of duplicated headers wins and unknown columns are ignored.
func ParseIndex(r io.Reader) ([]Activity, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%s is empty", indexName)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s header: %w", indexName, err)
	}
	cols := make(map[string]int, len(header))
	for i, h := range header {
		h = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
		if _, dup := cols[h]; !dup {
			cols[h] = i
		}
	}
	if _, ok := cols[ColumnFilename]; !ok {
		return nil, fmt.Errorf("%s has no %q column", indexName, ColumnFilename)
	}

	field := func(record []string, name string) string {
		i, ok := cols[name]
		if !ok || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}

	var out []Activity
	for {
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", indexName, err)
		}
		a := Activity{
			Index:          len(out),
			ID:             field(record, ColumnID),
			Name:           field(record, ColumnName),
			Type:           field(record, ColumnType),
			ElapsedSeconds: parseNumber(field(record, ColumnElapsed)),
			Distance:       parseNumber(field(record, ColumnDistance)),
			Filename:       field(record, ColumnFilename),
			Media:          splitMedia(field(record, ColumnMedia)),
		}
		a.Date = parseDate(field(record, ColumnDate))
		out = append(out, a)
	}
	return out, nil
}

// parseNumber reads "1,234.5" and "5,23" alike. A lone comma is a decimal
// comma unless exactly three digits follow it.
func parseNumber(v string) float64 {
	v = strings.TrimSpace(v)
	if i := strings.IndexByte(v, ','); i >= 0 && !strings.Contains(v, ".") &&
		strings.Count(v, ",") == 1 && len(v)-i-1 != 3 {
		v = v[:i] + "." + v[i+1:]
	}
	f, err := strconv.ParseFloat(strings.ReplaceAll(v, ",", ""), 64)
	if err != nil {
		return 0
	}
	return f
}

func parseDate(v string) time.Time {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

func splitMedia(v string) []string {
	var out []string
	for _, m := range strings.Split(v, "|") {
		if m = strings.TrimSpace(m); m != "" {
			out = append(out, m)
		}
	}
	return out
}
