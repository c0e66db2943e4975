package conflict

import (
	"math"

	"github.com/shopspring/decimal"
)

// =============================================================================
// GEOSPATIAL MODEL - Great-circle distance and expected travel time
// =============================================================================

// EarthRadiusMiles is the mean earth radius used by the haversine formula.
const EarthRadiusMiles = 3958.8

var sixty = decimal.NewFromInt(60)

// HaversineMiles is the straight-line great-circle distance.
func HaversineMiles(a, b Coordinates) float64 {
	lat1, lat2 := radians(a.Lat), radians(b.Lat)
	dLat := lat2 - lat1
	dLon := radians(b.Lon - a.Lon)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * EarthRadiusMiles * math.Asin(math.Sqrt(h))
}

func radians(deg float64) float64 { return deg * math.Pi / 180 }

// Distance returns the inflated distance in miles, rounded to 2 decimals.
// ok is false when either location is missing.
func Distance(a, b *Coordinates, multiplier decimal.Decimal) (decimal.Decimal, bool) {
	if a == nil || b == nil {
		return decimal.Zero, false
	}
	raw := decimal.NewFromFloat(HaversineMiles(*a, *b))
	return raw.Mul(multiplier).Round(2), true
}

// ExpectedMinutes returns the travel time in minutes (2 decimals) and the
// speed used. ok is false when no bin matches or the bin speed is zero.
func ExpectedMinutes(miles decimal.Decimal, table SpeedTable) (minutes, mph decimal.Decimal, ok bool) {
	mph, found := table.Lookup(miles)
	if !found || mph.IsZero() {
		return decimal.Zero, mph, false
	}
	return miles.Div(mph).Mul(sixty).Round(2), mph, true
}

// =============================================================================
// BATCH FORMS - One value per pair, validity carried in parallel masks
// =============================================================================

// Distances computes Distance for every row.
func Distances(a, b []*Coordinates, multiplier decimal.Decimal) ([]decimal.Decimal, mask) {
	out := make([]decimal.Decimal, len(a))
	ok := make(mask, len(a))
	for i := range a {
		out[i], ok[i] = Distance(a[i], b[i], multiplier)
	}
	return out, ok
}

// ExpectedMinutesBatch computes ExpectedMinutes for every row where valid is
// set. mphOK marks rows where a speed bin matched, etaOK rows with a usable ETA.
func ExpectedMinutesBatch(miles []decimal.Decimal, valid mask, table SpeedTable) (eta, mph []decimal.Decimal, etaOK, mphOK mask) {
	eta = make([]decimal.Decimal, len(miles))
	mph = make([]decimal.Decimal, len(miles))
	etaOK = make(mask, len(miles))
	mphOK = make(mask, len(miles))
	for i := range miles {
		if !valid[i] {
			continue
		}
		mph[i], mphOK[i] = table.Lookup(miles[i])
		eta[i], _, etaOK[i] = ExpectedMinutes(miles[i], table)
	}
	return eta, mph, etaOK, mphOK
}
