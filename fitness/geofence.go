package fitness

import (
	"math"
	"time"
)

// EarthRadiusMeters is the mean Earth radius used for distances.
const EarthRadiusMeters = 6371008.8

// PrivacyRadii are the accepted geofence radii in meters. Any other value
// disables the geofence; 0 hides nothing.
var PrivacyRadii = []int{0, 5, 10, 20, 50}

// Point is one GPS fix.
type Point struct {
	Lat  float64
	Lng  float64
	Time time.Time
}

// Segment is a maximal run of consecutive points sharing the hidden flag.
type Segment struct {
	Hidden bool
	Points []Point
}

// Home is the center and radius of an actor's privacy zone.
type Home struct {
	Lat    float64
	Lng    float64
	Radius int
}

// ValidRadius reports whether r is one of PrivacyRadii.
func ValidRadius(r int) bool {
	for _, allowed := range PrivacyRadii {
		if r == allowed {
			return true
		}
	}
	return false
}

// Distance is the great-circle distance between a and b in meters.
func Distance(a, b Point) float64 {
	lat1, lat2 := a.Lat*math.Pi/180, b.Lat*math.Pi/180
	dLat := lat2 - lat1
	dLng := (b.Lng - a.Lng) * math.Pi / 180
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * EarthRadiusMeters * math.Asin(math.Min(1, math.Sqrt(h)))
}

// PathLength is the summed distance along points.
func PathLength(points []Point) float64 {
	total := 0.0
	for i := 1; i < len(points); i++ {
		total += Distance(points[i-1], points[i])
	}
	return total
}

// BuildSegments splits points into runs inside and outside the privacy
// zone. A nil home or an invalid radius leaves everything visible.
func BuildSegments(points []Point, home *Home) []Segment {
	var segments []Segment
	for _, p := range points {
		hidden := home != nil && home.Radius > 0 && ValidRadius(home.Radius) &&
			Distance(p, Point{Lat: home.Lat, Lng: home.Lng}) <= float64(home.Radius)
		if n := len(segments); n > 0 && segments[n-1].Hidden == hidden {
			segments[n-1].Points = append(segments[n-1].Points, p)
			continue
		}
		segments = append(segments, Segment{Hidden: hidden, Points: []Point{p}})
	}
	return segments
}

// Downsample reduces the total point count to at most budget. Every
// segment keeps at least one point, and two when it has several and the
// budget allows it; the rest of the budget is shared round-robin. A
// non-positive budget keeps everything.
func Downsample(segments []Segment, budget int) []Segment {
	total := 0
	for _, s := range segments {
		total += len(s.Points)
	}
	if budget <= 0 || total <= budget {
		return segments
	}

	allot := make([]int, len(segments))
	minimum := 0
	for i, s := range segments {
		allot[i] = min(len(s.Points), 2)
		minimum += allot[i]
	}
	if minimum > budget {
		for i, s := range segments {
			allot[i] = min(len(s.Points), 1)
		}
	} else {
		remaining := budget - minimum
		for remaining > 0 {
			progressed := false
			for i, s := range segments {
				if remaining == 0 {
					break
				}
				if allot[i] < len(s.Points) {
					allot[i]++
					remaining--
					progressed = true
				}
			}
			if !progressed {
				break
			}
		}
	}

	out := make([]Segment, len(segments))
	for i, s := range segments {
		out[i] = Segment{Hidden: s.Hidden, Points: pickStride(s.Points, allot[i])}
	}
	return out
}

// pickStride selects k points spread evenly over points, including the
// first and last when k >= 2.
func pickStride(points []Point, k int) []Point {
	n := len(points)
	if k >= n {
		return append([]Point(nil), points...)
	}
	if k <= 0 {
		return nil
	}
	if k == 1 {
		return []Point{points[0]}
	}
	out := make([]Point, k)
	step := float64(n-1) / float64(k-1)
	for j := 0; j < k; j++ {
		out[j] = points[int(math.Round(float64(j)*step))]
	}
	return out
}

// Geofence masks the points near home and downsamples the result.
func Geofence(points []Point, home *Home, budget int) []Segment {
	return Downsample(BuildSegments(points, home), budget)
}

// VisibleSegments returns the point runs that may be published.
func VisibleSegments(segments []Segment) [][]Point {
	var out [][]Point
	for _, s := range segments {
		if !s.Hidden && len(s.Points) > 0 {
			out = append(out, s.Points)
		}
	}
	return out
}
