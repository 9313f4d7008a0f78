package naming

import (
	"fmt"
	"math"
)

// FormatBBox renders an extent for descriptions and log lines, e.g.
// "35.0000N-55.0000N_10.0000W-30.0000E".
func FormatBBox(north, south, east, west float64) string {
	return fmt.Sprintf("%s-%s_%s-%s",
		formatCoordinate(south, true),
		formatCoordinate(north, true),
		formatCoordinate(west, false),
		formatCoordinate(east, false))
}

// formatCoordinate formats a coordinate without a sign, using N/S/E/W.
func formatCoordinate(coord float64, isLat bool) string {
	var dir string
	switch {
	case isLat && coord < 0:
		dir = "S"
	case isLat:
		dir = "N"
	case coord < 0:
		dir = "W"
	default:
		dir = "E"
	}
	return fmt.Sprintf("%.4f%s", math.Abs(coord), dir)
}
