package geo

import "github.com/touristguard/geofence/internal/domain"

// Unit is a supported length unit.
type Unit string

const (
	Metres        Unit = "m"
	Kilometres    Unit = "km"
	Miles         Unit = "mi"
	Feet          Unit = "ft"
	NauticalMiles Unit = "nmi"
)

var metresPerUnit = map[Unit]float64{
	Metres:        1,
	Kilometres:    1000,
	Miles:         1609.344,
	Feet:          0.3048,
	NauticalMiles: 1852,
}

// Convert converts a length between units.
func Convert(value float64, from, to Unit) (float64, error) {
	f, ok := metresPerUnit[from]
	if !ok {
		return 0, domain.Errorf(domain.KindValidation, "unknown unit %q", from)
	}
	t, ok := metresPerUnit[to]
	if !ok {
		return 0, domain.Errorf(domain.KindValidation, "unknown unit %q", to)
	}
	return value * f / t, nil
}
