package fitness

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/tkrajina/gpxgo/gpx"
	"github.com/tormoder/fit"
)

// ErrUnsupportedFormat is returned for files that are not .fit, .gpx or .tcx.
var ErrUnsupportedFormat = errors.New("fitness: unsupported file format")

// Track is the parsed content of a fitness file.
type Track struct {
	Name            string
	ActivityType    string
	Points          []Point
	StartTime       time.Time
	DurationSeconds float64
	DistanceMeters  float64
}

// Format returns "fit", "gpx" or "tcx" for a file name, ignoring case.
// ok is false for anything else.
func Format(name string) (format string, ok bool) {
	switch ext := strings.ToLower(path.Ext(name)); ext {
	case ".fit", ".gpx", ".tcx":
		return ext[1:], true
	}
	return "", false
}

// ParseTrack decodes data according to the extension of name.
func ParseTrack(name string, data []byte) (*Track, error) {
	format, ok := Format(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, name)
	}

	var (
		t   *Track
		err error
	)
	switch format {
	case "gpx":
		t, err = parseGPX(data)
	case "tcx":
		t, err = parseTCX(data)
	case "fit":
		t, err = parseFIT(data)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", name, err)
	}
	t.fillDerived()
	return t, nil
}

// fillDerived computes start, duration and distance where the file did not
// carry them.
func (t *Track) fillDerived() {
	if len(t.Points) == 0 {
		return
	}
	first, last := t.Points[0].Time, t.Points[len(t.Points)-1].Time
	if t.StartTime.IsZero() {
		t.StartTime = first
	}
	if t.DurationSeconds <= 0 && !first.IsZero() && last.After(first) {
		t.DurationSeconds = last.Sub(first).Seconds()
	}
	if t.DistanceMeters <= 0 {
		t.DistanceMeters = PathLength(t.Points)
	}
}

func parseGPX(data []byte) (*Track, error) {
	doc, err := gpx.ParseBytes(data)
	if err != nil {
		return nil, err
	}
	t := &Track{}
	for _, trk := range doc.Tracks {
		if t.Name == "" {
			t.Name = trk.Name
		}
		if t.ActivityType == "" {
			t.ActivityType = trk.Type
		}
		for _, seg := range trk.Segments {
			for _, p := range seg.Points {
				t.Points = append(t.Points, Point{Lat: p.Latitude, Lng: p.Longitude, Time: p.Timestamp.UTC()})
			}
		}
	}
	return t, nil
}

type tcxDatabase struct {
	Activities []struct {
		Sport string `xml:"Sport,attr"`
		Laps  []struct {
			StartTime        string  `xml:"StartTime,attr"`
			TotalTimeSeconds float64 `xml:"TotalTimeSeconds"`
			DistanceMeters   float64 `xml:"DistanceMeters"`
			Trackpoints      []struct {
				Time     string `xml:"Time"`
				Position *struct {
					Lat float64 `xml:"LatitudeDegrees"`
					Lng float64 `xml:"LongitudeDegrees"`
				} `xml:"Position"`
			} `xml:"Track>Trackpoint"`
		} `xml:"Lap"`
	} `xml:"Activities>Activity"`
}

func parseTCX(data []byte) (*Track, error) {
	var doc tcxDatabase
	if err := xml.Unmarshal(bytes.TrimSpace(data), &doc); err != nil {
		return nil, err
	}
	if len(doc.Activities) == 0 {
		return nil, errors.New("no activity in tcx file")
	}
	t := &Track{ActivityType: doc.Activities[0].Sport}
	for _, act := range doc.Activities {
		for _, lap := range act.Laps {
			if start, err := time.Parse(time.RFC3339, lap.StartTime); err == nil && (t.StartTime.IsZero() || start.Before(t.StartTime)) {
				t.StartTime = start.UTC()
			}
			t.DurationSeconds += lap.TotalTimeSeconds
			t.DistanceMeters += lap.DistanceMeters
			for _, tp := range lap.Trackpoints {
				if tp.Position == nil {
					continue
				}
				ts, _ := time.Parse(time.RFC3339, tp.Time)
				t.Points = append(t.Points, Point{Lat: tp.Position.Lat, Lng: tp.Position.Lng, Time: ts.UTC()})
			}
		}
	}
	return t, nil
}

func parseFIT(data []byte) (*Track, error) {
	file, err := fit.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	activity, err := file.Activity()
	if err != nil {
		return nil, err
	}
	t := &Track{}
	if len(activity.Sessions) > 0 {
		t.ActivityType = activity.Sessions[0].Sport.String()
	}
	for _, rec := range activity.Records {
		if rec.PositionLat.Invalid() || rec.PositionLong.Invalid() {
			continue
		}
		t.Points = append(t.Points, Point{
			Lat:  rec.PositionLat.Degrees(),
			Lng:  rec.PositionLong.Degrees(),
			Time: rec.Timestamp.UTC(),
		})
	}
	return t, nil
}
