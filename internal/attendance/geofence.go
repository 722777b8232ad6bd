package attendance

// Point is a WGS84 coordinate.
type Point struct {
	Lat float64
	Lon float64
}

// Polygon is an ordered ring of vertices; the closing edge from the last
// vertex back to the first is implicit.
type Polygon []Point

// Contains reports whether p lies inside the polygon. Points exactly on an
// edge or vertex count as inside.
func (poly Polygon) Contains(p Point) bool {
	n := len(poly)
	if n < 3 {
		return false
	}

	for i := 0; i < n; i++ {
		if onSegment(poly[i], poly[(i+1)%n], p) {
			return true
		}
	}

	// Ray casting: count crossings of a ray going in +lon direction.
	inside := false
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		a, b := poly[i], poly[j]
		if (a.Lat > p.Lat) != (b.Lat > p.Lat) {
			crossLon := (b.Lon-a.Lon)*(p.Lat-a.Lat)/(b.Lat-a.Lat) + a.Lon
			if p.Lon < crossLon {
				inside = !inside
			}
		}
	}
	return inside
}

// onSegment reports whether p lies on the segment a-b.
func onSegment(a, b, p Point) bool {
	cross := (b.Lat-a.Lat)*(p.Lon-a.Lon) - (b.Lon-a.Lon)*(p.Lat-a.Lat)
	if cross > epsilon || cross < -epsilon {
		return false
	}
	if p.Lat < min(a.Lat, b.Lat)-epsilon || p.Lat > max(a.Lat, b.Lat)+epsilon {
		return false
	}
	if p.Lon < min(a.Lon, b.Lon)-epsilon || p.Lon > max(a.Lon, b.Lon)+epsilon {
		return false
	}
	return true
}

const epsilon = 1e-12
