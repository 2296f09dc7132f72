package track

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// a small loop around a campus field, roughly 400m around
var testTemplate = [][]float64{
	{108.9110, 34.2300},
	{108.9122, 34.2300},
	{108.9122, 34.2310},
	{108.9110, 34.2310},
}

func TestGenerateCoversTargetDistance(t *testing.T) {
	engine := NewEngine(rand.New(rand.NewSource(1)))

	trace, err := engine.Generate(testTemplate, 2400, 1700000000000, 720)
	require.NoError(t, err)

	assert.GreaterOrEqual(t, trace.Distance, 2400.0)
	assert.Less(t, trace.Distance, 2400.0+50)
	assert.NotEmpty(t, trace.Points)
	assert.NotEmpty(t, trace.Steps)
}

func TestGenerateTimestampsMonotonic(t *testing.T) {
	engine := NewEngine(rand.New(rand.NewSource(2)))

	trace, err := engine.Generate(testTemplate, 1200, 1700000000000, 600)
	require.NoError(t, err)

	assert.Equal(t, int64(1700000000000), trace.Points[0].Timestamp)
	for i := 1; i < len(trace.Points); i++ {
		assert.Greater(t, trace.Points[i].Timestamp, trace.Points[i-1].Timestamp)
	}
	assert.InDelta(t, 1700000000000+600*1000, trace.End(), 1000)
}

func TestGenerateStepSeriesCumulative(t *testing.T) {
	engine := NewEngine(rand.New(rand.NewSource(3)))

	trace, err := engine.Generate(testTemplate, 1500, 1700000000000, 500)
	require.NoError(t, err)

	for i := 1; i < len(trace.Steps); i++ {
		assert.GreaterOrEqual(t, trace.Steps[i].Step, trace.Steps[i-1].Step)
	}
	last := trace.Steps[len(trace.Steps)-1]
	assert.Equal(t, trace.End(), last.Time)
	assert.InDelta(t, trace.Distance/strideM, float64(last.Step), 1)
}

func TestGenerateDeterministicForSeed(t *testing.T) {
	a, err := NewEngine(rand.New(rand.NewSource(7))).Generate(testTemplate, 1000, 1700000000000, 400)
	require.NoError(t, err)
	b, err := NewEngine(rand.New(rand.NewSource(7))).Generate(testTemplate, 1000, 1700000000000, 400)
	require.NoError(t, err)
	assert.Equal(t, a.Points, b.Points)
	assert.Equal(t, a.Steps, b.Steps)
}

func TestGenerateRejectsDegenerateInput(t *testing.T) {
	engine := NewEngine(rand.New(rand.NewSource(4)))

	_, err := engine.Generate([][]float64{{1, 2}}, 1000, 0, 300)
	assert.Error(t, err)

	_, err = engine.Generate(testTemplate, 0, 0, 300)
	assert.Error(t, err)
}

func TestGenerateRejectsZeroLengthTemplate(t *testing.T) {
	engine := NewEngine(rand.New(rand.NewSource(5)))

	// all points identical, the loop covers no distance
	_, err := engine.Generate([][]float64{
		{108.9110, 34.2300},
		{108.9110, 34.2300},
		{108.9110, 34.2300},
	}, 100, 1700000000000, 60)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "covers no distance")
}
