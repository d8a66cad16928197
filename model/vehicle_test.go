package model

import (
	"math"
	"testing"
)

func TestGeofenceValidate(t *testing.T) {
	nan, inf := math.NaN(), math.Inf(1)
	cases := []struct {
		name  string
		fence Geofence
		ok    bool
	}{
		{"default", DefaultGeofence, true},
		{"flat band", Geofence{Radius: 5, AltMin: 20, AltMax: 20}, true},
		{"zero radius", Geofence{Radius: 0, AltMin: 10, AltMax: 30}, false},
		{"infinite radius", Geofence{Radius: inf, AltMin: 10, AltMax: 30}, false},
		{"NaN radius", Geofence{Radius: nan, AltMin: 10, AltMax: 30}, false},
		{"negative alt_min", Geofence{Radius: 100, AltMin: -1, AltMax: 30}, false},
		{"NaN alt_min", Geofence{Radius: 100, AltMin: nan, AltMax: 30}, false},
		{"infinite alt_min", Geofence{Radius: 100, AltMin: inf, AltMax: inf}, false},
		{"inverted band", Geofence{Radius: 100, AltMin: 30, AltMax: 10}, false},
		{"NaN alt_max", Geofence{Radius: 100, AltMin: 10, AltMax: nan}, false},
		{"infinite alt_max", Geofence{Radius: 100, AltMin: 10, AltMax: inf}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.fence.Validate()
			if tc.ok && err != nil {
				t.Fatalf("Validate(%+v) = %v", tc.fence, err)
			}
			if !tc.ok && err == nil {
				t.Fatalf("Validate(%+v) accepted a bad fence", tc.fence)
			}
		})
	}
}

func TestGeofenceClampAndContains(t *testing.T) {
	g := DefaultGeofence
	p := g.Clamp(Position{X: 150, Y: -150, Z: -5})
	if p != (Position{X: 100, Y: -100, Z: -10}) {
		t.Fatalf("Clamp = %s", p)
	}
	if !g.Contains(p) {
		t.Fatalf("clamped point %s outside fence", p)
	}
	if g.Contains(Position{Z: -31}) {
		t.Fatalf("point above alt_max reported inside")
	}
	if c := g.Center(); c.Altitude() != 20 {
		t.Fatalf("center altitude = %v", c.Altitude())
	}
}
