package core

import (
	"math"

	"github.com/signalsfoundry/uav-fleet-commander/model"
)

// Defaults for WaypointGenerator.
const (
	DefaultMaxAttempts = 50
	DefaultRelaxAfter  = 30
	DefaultRelaxFactor = 0.8

	// DefaultMinSeparation is the waypoint clearance from other vehicles,
	// in metres.
	DefaultMinSeparation = 10.0
)

// PeerSource returns the fresh positions of every other vehicle. It is
// consulted once per sampling attempt so late-arriving peer updates are seen.
type PeerSource func() map[model.VehicleID]model.Position

// WaypointResult describes how a waypoint was chosen.
type WaypointResult struct {
	Position model.Position
	// Attempts is the number of candidates sampled, at most MaxAttempts.
	Attempts int
	// Relaxed is set when the accepted candidate only met the relaxed
	// separation threshold.
	Relaxed bool
	// Fallback is set when sampling was exhausted and the push-away move
	// (or, without peers, the unchanged current target) was used.
	Fallback bool
	// MinDistance is the distance to the nearest fresh peer at acceptance
	// time, +Inf when there were no peers.
	MinDistance float64
}

// WaypointGenerator picks random targets inside a geofence that keep clear
// of other vehicles. Sampling is bounded: after MaxAttempts rejected
// candidates it falls back to a deterministic move away from the nearest
// peer, so under heavy crowding separation is best-effort only.
type WaypointGenerator struct {
	Fence         model.Geofence
	MinSeparation float64
	MaxAttempts   int
	// Attempts numbered above RelaxAfter accept candidates at
	// RelaxFactor*MinSeparation.
	RelaxAfter  int
	RelaxFactor float64
	Sampler     Sampler
}

// NewWaypointGenerator constructs a generator with the reference attempt
// budget and relaxation policy.
func NewWaypointGenerator(fence model.Geofence, minSeparation float64, sampler Sampler) *WaypointGenerator {
	return &WaypointGenerator{
		Fence:         fence,
		MinSeparation: minSeparation,
		MaxAttempts:   DefaultMaxAttempts,
		RelaxAfter:    DefaultRelaxAfter,
		RelaxFactor:   DefaultRelaxFactor,
		Sampler:       sampler,
	}
}

// Sample draws one candidate uniformly from the fence volume.
func (g *WaypointGenerator) Sample() model.Position {
	return model.Position{
		X: Uniform(g.Sampler, -g.Fence.Radius, g.Fence.Radius),
		Y: Uniform(g.Sampler, -g.Fence.Radius, g.Fence.Radius),
		Z: Uniform(g.Sampler, -g.Fence.AltMax, -g.Fence.AltMin),
	}
}

// threshold returns the separation required of the given 1-based attempt.
func (g *WaypointGenerator) threshold(attempt int) (float64, bool) {
	if attempt > g.RelaxAfter {
		return g.MinSeparation * g.RelaxFactor, true
	}
	return g.MinSeparation, false
}

// Generate returns a new target for a vehicle currently heading to current.
func (g *WaypointGenerator) Generate(current model.Position, peers PeerSource) WaypointResult {
	maxAttempts := g.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		candidate := g.Sample()

		others := peers()
		if len(others) == 0 {
			return WaypointResult{Position: candidate, Attempts: attempt, MinDistance: math.Inf(1)}
		}

		_, _, minDist, _ := Nearest(candidate, others)
		need, relaxed := g.threshold(attempt)
		if minDist >= need {
			return WaypointResult{
				Position:    candidate,
				Attempts:    attempt,
				Relaxed:     relaxed && minDist < g.MinSeparation,
				MinDistance: minDist,
			}
		}
	}

	others := peers()
	pos, moved := FallbackWaypoint(current, others, g.Fence, g.MinSeparation)
	res := WaypointResult{Position: pos, Attempts: maxAttempts, Fallback: true, MinDistance: math.Inf(1)}
	if moved {
		_, _, res.MinDistance, _ = Nearest(pos, others)
	}
	return res
}

// FallbackWaypoint pushes current directly away from its nearest peer by
// twice the minimum separation and clamps the result into the fence. It is
// a pure function of its inputs. When current coincides with the nearest
// peer the push goes along +X. With no peers, current is returned unchanged
// and moved is false.
func FallbackWaypoint(current model.Position, peers map[model.VehicleID]model.Position, fence model.Geofence, minSeparation float64) (pos model.Position, moved bool) {
	_, nearest, _, ok := Nearest(current, peers)
	if !ok {
		return current, false
	}

	dir, ok := Between(nearest, current).Unit()
	if !ok {
		dir = Vec3{X: 1}
	}
	return fence.Clamp(Offset(current, dir.Scale(2*minSeparation))), true
}
