package core

import (
	"math"

	"github.com/signalsfoundry/uav-fleet-commander/model"
)

// Vec3 is a displacement in the local NED frame, in metres.
type Vec3 struct {
	X, Y, Z float64
}

// Between returns the vector pointing from a to b.
func Between(a, b model.Position) Vec3 {
	return Vec3{X: b.X - a.X, Y: b.Y - a.Y, Z: b.Z - a.Z}
}

// Norm returns the Euclidean norm of the vector.
func (v Vec3) Norm() float64 {
	return math.Sqrt(v.X*v.X + v.Y*v.Y + v.Z*v.Z)
}

// Scale returns v multiplied by k.
func (v Vec3) Scale(k float64) Vec3 {
	return Vec3{X: v.X * k, Y: v.Y * k, Z: v.Z * k}
}

// Unit returns v scaled to length one. The zero vector has no direction;
// Unit reports ok=false for it.
func (v Vec3) Unit() (Vec3, bool) {
	n := v.Norm()
	if n == 0 {
		return Vec3{}, false
	}
	return v.Scale(1 / n), true
}

// Offset returns p displaced by v.
func Offset(p model.Position, v Vec3) model.Position {
	return model.Position{X: p.X + v.X, Y: p.Y + v.Y, Z: p.Z + v.Z}
}

// Distance returns the straight-line distance between two positions.
func Distance(a, b model.Position) float64 {
	return Between(a, b).Norm()
}

// Nearest returns the peer closest to p. ok is false when peers is empty.
// Ties are broken by the lower vehicle id so the result does not depend on
// map iteration order.
func Nearest(p model.Position, peers map[model.VehicleID]model.Position) (id model.VehicleID, pos model.Position, dist float64, ok bool) {
	dist = math.Inf(1)
	for pid, pp := range peers {
		d := Distance(p, pp)
		if d < dist || (d == dist && pid < id) {
			id, pos, dist, ok = pid, pp, d, true
		}
	}
	return id, pos, dist, ok
}
