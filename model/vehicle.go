package model

import (
	"fmt"
	"math"
)

// VehicleID identifies one commanded vehicle. IDs are positive and stable
// for the lifetime of the process; they double as the MAVLink system id the
// autopilot is expected to report.
type VehicleID int

// Position is a point in the vehicle-local NED frame, in metres. Z is
// negative above the origin, so an altitude of 20m is Z = -20.
type Position struct {
	X float64
	Y float64
	Z float64
}

// Altitude returns the height above the local origin in metres.
func (p Position) Altitude() float64 {
	return -p.Z
}

func (p Position) String() string {
	return fmt.Sprintf("(%.2f, %.2f, %.2f)", p.X, p.Y, p.Z)
}

// Geofence bounds every waypoint handed to a vehicle. Horizontal extent is
// the box |x| <= Radius, |y| <= Radius; vertical extent is the altitude band
// [AltMin, AltMax].
type Geofence struct {
	Radius float64
	AltMin float64
	AltMax float64
}

// DefaultGeofence is the reference flight volume: a 200m square at 10-30m
// altitude.
var DefaultGeofence = Geofence{Radius: 100, AltMin: 10, AltMax: 30}

// Validate reports whether the fence describes a non-empty, finite volume.
func (g Geofence) Validate() error {
	switch {
	case !finite(g.Radius) || g.Radius <= 0:
		return fmt.Errorf("geofence radius must be positive and finite, got %v", g.Radius)
	case !finite(g.AltMin) || g.AltMin < 0:
		return fmt.Errorf("geofence alt_min must be non-negative and finite, got %v", g.AltMin)
	case !finite(g.AltMax) || g.AltMax < g.AltMin:
		return fmt.Errorf("geofence alt_max (%v) must be finite and not below alt_min (%v)", g.AltMax, g.AltMin)
	}
	return nil
}

// Contains reports whether p lies inside the fence, boundary included.
func (g Geofence) Contains(p Position) bool {
	alt := p.Altitude()
	return math.Abs(p.X) <= g.Radius &&
		math.Abs(p.Y) <= g.Radius &&
		alt >= g.AltMin && alt <= g.AltMax
}

// Clamp projects p onto the fence axis by axis.
func (g Geofence) Clamp(p Position) Position {
	return Position{
		X: clamp(p.X, -g.Radius, g.Radius),
		Y: clamp(p.Y, -g.Radius, g.Radius),
		Z: clamp(p.Z, -g.AltMax, -g.AltMin),
	}
}

// Center returns the point in the middle of the altitude band above the
// origin. Commanders start from here before their first waypoint.
func (g Geofence) Center() Position {
	return Position{Z: -(g.AltMin + g.AltMax) / 2}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
