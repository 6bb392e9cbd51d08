package verification

import "math"

const earthRadiusKm = 6371.0

// DistanceKm returns the great-circle distance between a and b (haversine).
func DistanceKm(a, b GeoPoint) float64 {
	dLat := toRadians(b.Lat - a.Lat)
	dLon := toRadians(b.Lon - a.Lon)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRadians(a.Lat))*math.Cos(toRadians(b.Lat))*
			math.Sin(dLon/2)*math.Sin(dLon/2)

	return earthRadiusKm * 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180
}

// expectedLocation reads metadata["expectedLocation"], which arrives either
// as a GeoPoint or as a decoded JSON object with numeric lat and lon.
func expectedLocation(meta map[string]any) (GeoPoint, bool) {
	switch v := meta["expectedLocation"].(type) {
	case GeoPoint:
		return v, true
	case *GeoPoint:
		if v != nil {
			return *v, true
		}
	case map[string]any:
		lat, okLat := toFloat(v["lat"])
		lon, okLon := toFloat(v["lon"])
		if okLat && okLon {
			return GeoPoint{Lat: lat, Lon: lon}, true
		}
	}
	return GeoPoint{}, false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
