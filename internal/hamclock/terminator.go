package hamclock

import (
	"math"
	"time"
)

// SubsolarPoint locates the point where the sun is directly overhead.
// The terminator circle itself is rendered client-side from this.
type SubsolarPoint struct {
	Lat       float64 `json:"subsolar_lat"`
	Lon       float64 `json:"subsolar_lon"`
	Timestamp string  `json:"timestamp"`
}

// Terminator computes the subsolar point for t using the low-accuracy
// declination approximation, good to about half a degree.
func Terminator(t time.Time) SubsolarPoint {
	t = t.UTC()
	dayOfYear := float64(t.YearDay())
	hourUTC := float64(t.Hour()) + float64(t.Minute())/60.0

	declination := -23.44 * math.Cos((360.0/365.0)*(dayOfYear+10)*math.Pi/180.0)

	// The subsolar longitude moves 15 degrees per hour westward from
	// solar noon at Greenwich.
	lon := (12.0 - hourUTC) * 15.0
	if lon > 180 {
		lon -= 360
	} else if lon < -180 {
		lon += 360
	}

	return SubsolarPoint{
		Lat:       declination,
		Lon:       lon,
		Timestamp: t.Format(time.RFC3339),
	}
}

// AssessBandConditions grades HF conditions from solar flux and the
// planetary K-index. Either input missing yields "unknown".
func AssessBandConditions(sfi, kp *float64) string {
	if sfi == nil || kp == nil {
		return "unknown"
	}
	switch {
	case *kp >= 7:
		return "poor" // major geomagnetic storm
	case *kp >= 5:
		return "fair" // minor storm
	case *sfi >= 150 && *kp < 4:
		return "excellent"
	case *sfi >= 100 && *kp < 4:
		return "good"
	case *sfi >= 70:
		return "fair"
	default:
		return "poor"
	}
}
