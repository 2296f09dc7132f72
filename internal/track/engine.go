package track

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"
)

const (
	earthRadiusM = 6371000.0

	// point spacing along the replayed polyline, meters
	sampleStepM = 5.0

	// average stride length used for the fabricated step series, meters
	strideM = 1.15
)

// Point is one trace sample in the wire shape: o=longitude, a=latitude,
// t=timestamp in ms.
type Point struct {
	Longitude float64 `json:"o"`
	Latitude  float64 `json:"a"`
	Timestamp int64   `json:"t"`
}

// StepSample is one entry of the fabricated step-count series.
type StepSample struct {
	Time int64 `json:"time"`
	Step int   `json:"step"`
}

// Trace is the playback result for one session.
type Trace struct {
	Points   []Point
	Steps    []StepSample
	Distance float64 // meters actually covered
}

// End returns the timestamp of the final trace point.
func (t *Trace) End() int64 {
	if len(t.Points) == 0 {
		return 0
	}
	return t.Points[len(t.Points)-1].Timestamp
}

// Last returns the final trace point.
func (t *Trace) Last() Point {
	return t.Points[len(t.Points)-1]
}

// Engine replays a route template into a concrete trace. Deterministic for a
// given rand source.
type Engine struct {
	rnd *rand.Rand
}

// NewEngine creates an engine around the given rand source.
func NewEngine(rnd *rand.Rand) *Engine {
	return &Engine{rnd: rnd}
}

// Generate walks the template polyline, repeating the loop until the target
// distance is covered, and spreads point timestamps over the planned duration
// starting at startMillis. Returns the trace, the step series and the total
// covered distance in meters.
func (e *Engine) Generate(template [][]float64, targetMeters float64, startMillis int64, plannedSeconds float64) (*Trace, error) {
	if len(template) < 2 {
		return nil, errors.Errorf("route template too short: %d points", len(template))
	}
	if targetMeters <= 0 || plannedSeconds <= 0 {
		return nil, errors.New("target distance and planned duration must be positive")
	}
	// A template whose points are all effectively identical can never cover
	// the target, the replay loop would spin forever.
	longest := 0.0
	for i := range template {
		next := template[(i+1)%len(template)]
		if d := haversine(template[i][1], template[i][0], next[1], next[0]); d > longest {
			longest = d
		}
	}
	if longest < 1e-6 {
		return nil, errors.New("route template covers no distance")
	}

	positions, covered := e.samplePositions(template, targetMeters)

	points := make([]Point, len(positions))
	cum := 0.0
	prev := positions[0]
	for i, pos := range positions {
		if i > 0 {
			cum += haversine(prev[1], prev[0], pos[1], pos[0])
			prev = pos
		}
		frac := cum / covered
		ts := startMillis + int64(frac*plannedSeconds*1000)
		if i > 0 {
			ts += int64(e.rnd.Intn(400)) - 200
			if ts <= points[i-1].Timestamp {
				ts = points[i-1].Timestamp + 1
			}
		}
		points[i] = Point{
			Longitude: jitterCoord(pos[0], e.rnd),
			Latitude:  jitterCoord(pos[1], e.rnd),
			Timestamp: ts,
		}
	}

	steps := e.stepSeries(startMillis, points[len(points)-1].Timestamp, covered)

	return &Trace{Points: points, Steps: steps, Distance: covered}, nil
}

// samplePositions replays the polyline (wrapping back to its head) until the
// target distance is reached, emitting a position roughly every sampleStepM.
func (e *Engine) samplePositions(template [][]float64, targetMeters float64) ([][2]float64, float64) {
	positions := [][2]float64{{template[0][0], template[0][1]}}
	covered := 0.0

	seg := 0
	cur := [2]float64{template[0][0], template[0][1]}
	for covered < targetMeters {
		next := template[(seg+1)%len(template)]
		nextPos := [2]float64{next[0], next[1]}

		segLen := haversine(cur[1], cur[0], nextPos[1], nextPos[0])
		if segLen < 1e-6 {
			seg++
			cur = nextPos
			continue
		}

		steps := int(math.Ceil(segLen / sampleStepM))
		for i := 1; i <= steps && covered < targetMeters; i++ {
			frac := float64(i) / float64(steps)
			pos := [2]float64{
				cur[0] + (nextPos[0]-cur[0])*frac,
				cur[1] + (nextPos[1]-cur[1])*frac,
			}
			covered += haversine(positions[len(positions)-1][1], positions[len(positions)-1][0], pos[1], pos[0])
			positions = append(positions, pos)
		}

		seg++
		cur = nextPos
	}

	return positions, covered
}

// stepSeries fabricates a cumulative step count sampled every ten seconds,
// with mild cadence noise.
func (e *Engine) stepSeries(startMillis, endMillis int64, meters float64) []StepSample {
	totalSteps := int(meters / strideM)
	durationMs := endMillis - startMillis
	if durationMs <= 0 {
		return []StepSample{{Time: endMillis, Step: totalSteps}}
	}

	var samples []StepSample
	const intervalMs = 10_000
	for ts := startMillis + intervalMs; ts < endMillis; ts += intervalMs {
		frac := float64(ts-startMillis) / float64(durationMs)
		step := int(frac * float64(totalSteps))
		step += e.rnd.Intn(7) - 3
		if step < 0 {
			step = 0
		}
		if n := len(samples); n > 0 && step < samples[n-1].Step {
			step = samples[n-1].Step
		}
		samples = append(samples, StepSample{Time: ts, Step: step})
	}
	samples = append(samples, StepSample{Time: endMillis, Step: totalSteps})
	return samples
}

func jitterCoord(v float64, rnd *rand.Rand) float64 {
	return v + (rnd.Float64()-0.5)*0.00004
}

// haversine returns the great-circle distance in meters.
func haversine(lat1, lon1, lat2, lon2 float64) float64 {
	rad := math.Pi / 180
	dLat := (lat2 - lat1) * rad
	dLon := (lon2 - lon1) * rad

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusM * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}
