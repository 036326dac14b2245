package fitness

import (
	"github.com/twpayne/go-polyline"
)

// EncodePolylines encodes every visible segment as a Google polyline.
// Hidden segments are never encoded.
func EncodePolylines(segments []Segment) []string {
	var out []string
	for _, points := range VisibleSegments(segments) {
		coords := make([][]float64, len(points))
		for i, p := range points {
			coords[i] = []float64{p.Lat, p.Lng}
		}
		out = append(out, string(polyline.EncodeCoords(coords)))
	}
	return out
}

// DecodePolyline decodes one encoded segment.
func DecodePolyline(encoded string) ([]Point, error) {
	coords, _, err := polyline.DecodeCoords([]byte(encoded))
	if err != nil {
		return nil, err
	}
	points := make([]Point, len(coords))
	for i, c := range coords {
		points[i] = Point{Lat: c[0], Lng: c[1]}
	}
	return points, nil
}
