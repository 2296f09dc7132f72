package session

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"math"
	"math/rand"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maolilup/TiShiNengRunning/internal/apperrors"
	"github.com/maolilup/TiShiNengRunning/internal/client"
	"github.com/maolilup/TiShiNengRunning/internal/facecache"
	"github.com/maolilup/TiShiNengRunning/internal/store"
	"github.com/maolilup/TiShiNengRunning/internal/track"
)

// fakeClock advances instantly on Sleep so sessions run in simulated time.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d > 0 {
		c.now = c.now.Add(d)
	}
}

type call struct {
	name string
	at   time.Time
}

type fakeBackend struct {
	mu    sync.Mutex
	clock *fakeClock

	summary   client.RunKindSummary
	setting   client.ExerciseSetting
	userInfo  client.UserInfo
	startTime int64
	recordID  string
	status    client.RecordStatus
	images    []client.FaceImage
	imageData []byte
	uploadErr error

	calls     []call
	faceTypes []int
	submitted *client.ExerciseRecord
}

func (b *fakeBackend) record(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, call{name: name, at: b.clock.Now()})
}

func (b *fakeBackend) callIndex(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, c := range b.calls {
		if c.name == name {
			return i
		}
	}
	return -1
}

func (b *fakeBackend) callCount(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, c := range b.calls {
		if c.name == name {
			n++
		}
	}
	return n
}

func (b *fakeBackend) callAt(name string) time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range b.calls {
		if c.name == name {
			return c.at
		}
	}
	return time.Time{}
}

func (b *fakeBackend) Account() client.Account {
	return client.Account{UserID: "user-1", SchoolID: "school-1", SchoolCode: "sc01"}
}

func (b *fakeBackend) SumExerciseRecord(_ context.Context) (*client.RunKindSummary, error) {
	b.record("SumExerciseRecord")
	s := b.summary
	return &s, nil
}

func (b *fakeBackend) GetExerciseSetting(_ context.Context, _ int, _, _ float64) (*client.ExerciseSetting, error) {
	b.record("GetExerciseSetting")
	s := b.setting
	return &s, nil
}

func (b *fakeBackend) GetExerciseExplanation(_ context.Context) error {
	b.record("GetExerciseExplanation")
	return nil
}

func (b *fakeBackend) GetLoginUserInfo(_ context.Context) (*client.UserInfo, error) {
	b.record("GetLoginUserInfo")
	u := b.userInfo
	return &u, nil
}

func (b *fakeBackend) GetExerciseStartTime(_ context.Context, _ string) (int64, error) {
	b.record("GetExerciseStartTime")
	return b.startTime, nil
}

func (b *fakeBackend) AddExerciseRecord(_ context.Context, rec *client.ExerciseRecord) (string, error) {
	b.record("AddExerciseRecord")
	b.mu.Lock()
	b.submitted = rec
	b.mu.Unlock()
	return b.recordID, nil
}

func (b *fakeBackend) GetExerciseRecord(_ context.Context, _ string) (*client.RecordStatus, error) {
	b.record("GetExerciseRecord")
	s := b.status
	return &s, nil
}

func (b *fakeBackend) GetFeedbackBalance(_ context.Context) error {
	b.record("GetFeedbackBalance")
	return nil
}

func (b *fakeBackend) StatisticsExerciseRecord(_ context.Context) error {
	b.record("StatisticsExerciseRecord")
	return nil
}

func (b *fakeBackend) ListFaceImages(_ context.Context) ([]client.FaceImage, error) {
	b.record("ListFaceImages")
	return b.images, nil
}

func (b *fakeBackend) DownloadImage(_ context.Context, _ string) ([]byte, error) {
	b.record("DownloadImage")
	return b.imageData, nil
}

func (b *fakeBackend) UploadRunningFace(_ context.Context, _ []byte, _, _ string, _, faceType int) error {
	b.record("UploadRunningFace")
	if b.uploadErr != nil {
		return b.uploadErr
	}
	b.mu.Lock()
	b.faceTypes = append(b.faceTypes, faceType)
	b.mu.Unlock()
	return nil
}

type fakeRoutes struct {
	routes []store.RouteTemplate
}

func (r *fakeRoutes) QueryNearest(_ context.Context, schoolCode string, km float64, limit int) ([]store.RouteTemplate, error) {
	out := make([]store.RouteTemplate, 0, len(r.routes))
	for _, rt := range r.routes {
		if rt.SchoolCode == schoolCode {
			out = append(out, rt)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return math.Abs(out[i].SportRange-km) < math.Abs(out[j].SportRange-km)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type fakeEngine struct {
	mu        sync.Mutex
	record    func(name string)
	targets   []float64
	templates [][][]float64
	endMillis int64
}

func (e *fakeEngine) Generate(template [][]float64, targetMeters float64, startMillis int64, plannedSeconds float64) (*track.Trace, error) {
	e.record("Generate")
	e.mu.Lock()
	defer e.mu.Unlock()
	e.targets = append(e.targets, targetMeters)
	e.templates = append(e.templates, template)
	end := startMillis + int64(plannedSeconds*1000)
	e.endMillis = end
	last := template[len(template)-1]
	points := []track.Point{
		{Longitude: template[0][0], Latitude: template[0][1], Timestamp: startMillis},
		{Longitude: template[0][0], Latitude: template[0][1], Timestamp: (startMillis + end) / 2},
		{Longitude: last[0], Latitude: last[1], Timestamp: end},
	}
	steps := []track.StepSample{{Time: end, Step: int(targetMeters / 1.15)}}
	return &track.Trace{Points: points, Steps: steps, Distance: targetMeters}, nil
}

func testPNG(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 24, 24))))
	return buf.Bytes()
}

type fixture struct {
	clock   *fakeClock
	backend *fakeBackend
	routes  *fakeRoutes
	engine  *fakeEngine
	cache   *facecache.Cache
	orch    *Orchestrator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	clock := &fakeClock{now: time.UnixMilli(1_700_000_000_000)}
	backend := &fakeBackend{
		clock: clock,
		summary: client.RunKindSummary{
			MorningRun: client.RunKindFlag{IsShow: "1"},
			SunRun:     client.RunKindFlag{IsShow: "1"},
			FreedomRun: client.RunKindFlag{IsShow: "1"},
		},
		setting: client.ExerciseSetting{
			Identify:    "idf-1",
			Geofence:    []byte(`[{"latitude":30.0,"longitude":120.0}]`),
			List:        []byte(`[{"id":"w1","content":"gate","latitude":"30.001","longitude":"120.001","sort":1}]`),
			IsStartFace: 1,
			IsEndFace:   1,
			TotalRange:  2.3,
			LimitSpeed:  "12",
		},
		startTime: 1_700_000_000_000,
		recordID:  "rec-1",
		status:    client.RecordStatus{SportStatus: "1"},
	}
	routes := &fakeRoutes{routes: []store.RouteTemplate{
		{ID: 1, SchoolCode: "sc01", SportRange: 2.5, RunLinePath: `[[120.0,30.0],[120.002,30.002]]`},
	}}
	engine := &fakeEngine{record: backend.record}

	cache := facecache.New(t.TempDir())
	_, err := cache.Save("school-1", "user-1", "seed", ".png", testPNG(t))
	require.NoError(t, err)

	rnd := rand.New(rand.NewSource(1))
	scheduler := NewScheduler(backend, cache, clock, rnd)
	return &fixture{
		clock:   clock,
		backend: backend,
		routes:  routes,
		engine:  engine,
		cache:   cache,
		orch:    NewOrchestrator(backend, routes, engine, scheduler, clock, rnd),
	}
}

func TestRunHappyPathOrderingAndTiming(t *testing.T) {
	f := newFixture(t)

	result, err := f.orch.Run(context.Background(), RunKindSun, 2.0, nil)
	require.NoError(t, err)
	require.Equal(t, PhaseVerified, result.Phase)
	assert.Equal(t, "rec-1", result.RecordID)
	require.NotNil(t, result.Anchor)
	assert.Equal(t, "idf-1", result.Anchor.Identify)

	// capability query before settings, start face before trace generation,
	// trace generation before submission
	capIdx := f.backend.callIndex("SumExerciseRecord")
	setIdx := f.backend.callIndex("GetExerciseSetting")
	faceIdx := f.backend.callIndex("UploadRunningFace")
	genIdx := f.backend.callIndex("Generate")
	subIdx := f.backend.callIndex("AddExerciseRecord")
	require.True(t, capIdx >= 0 && setIdx >= 0 && faceIdx >= 0 && genIdx >= 0 && subIdx >= 0)
	assert.Less(t, capIdx, setIdx)
	assert.Less(t, setIdx, faceIdx)
	assert.Less(t, faceIdx, genIdx)
	assert.Less(t, genIdx, subIdx)

	// start face then end face, nothing else
	assert.Equal(t, []int{1, 3}, f.backend.faceTypes)

	// submission only after simulated time reached the trace end
	submitAt := f.backend.callAt("AddExerciseRecord")
	assert.GreaterOrEqual(t, submitAt.UnixMilli(), f.engine.endMillis)

	require.NotNil(t, f.backend.submitted)
	assert.Equal(t, 1, f.backend.submitted.IsFaceStatus)
	assert.Equal(t, "0", f.backend.submitted.IsSequencePoint)
	assert.Equal(t, "idf-1", f.backend.submitted.Identify)
	assert.NotEmpty(t, f.backend.submitted.GitudeLatitude)
	assert.NotEmpty(t, f.backend.submitted.OkPointList)
}

func TestRunWithoutVerificationSignals(t *testing.T) {
	f := newFixture(t)
	f.backend.setting.IsStartFace = 0
	f.backend.setting.IsEndFace = 0

	result, err := f.orch.Run(context.Background(), RunKindSun, 2.0, nil)
	require.NoError(t, err)
	assert.Equal(t, PhaseVerified, result.Phase)

	assert.Zero(t, f.backend.callCount("UploadRunningFace"))
	require.NotNil(t, f.backend.submitted)
	assert.Equal(t, 0, f.backend.submitted.IsFaceStatus)
}

func TestDistanceFloorBumpsToMinimum(t *testing.T) {
	f := newFixture(t)
	f.backend.setting.TotalRange = 2.3

	_, err := f.orch.Run(context.Background(), RunKindSun, 2.0, nil)
	require.NoError(t, err)

	require.Len(t, f.engine.targets, 1)
	target := f.engine.targets[0]
	assert.GreaterOrEqual(t, target, 2400.0)
	assert.Less(t, target, 2500.0)
}

func TestRequestedDistanceAboveMinimumKept(t *testing.T) {
	f := newFixture(t)
	f.backend.setting.TotalRange = 2.3

	_, err := f.orch.Run(context.Background(), RunKindSun, 3.0, nil)
	require.NoError(t, err)

	require.Len(t, f.engine.targets, 1)
	assert.InDelta(t, 3000.0, f.engine.targets[0], 0.001)
}

func TestRouteSelectionSkipsFarTemplate(t *testing.T) {
	f := newFixture(t)
	f.routes.routes = []store.RouteTemplate{
		{ID: 1, SchoolCode: "sc01", SportRange: 1.8, RunLinePath: `[[120.0,30.0],[120.002,30.002]]`},
		{ID: 2, SchoolCode: "sc01", SportRange: 2.0, RunLinePath: `[[121.0,31.0],[121.002,31.002]]`},
		{ID: 3, SchoolCode: "sc01", SportRange: 5.0, RunLinePath: `[[125.0,35.0],[125.002,35.002]]`},
	}

	for i := 0; i < 25; i++ {
		_, err := f.orch.Run(context.Background(), RunKindSun, 2.0, nil)
		require.NoError(t, err)
	}
	for _, template := range f.engine.templates {
		assert.NotEqual(t, 125.0, template[0][0], "5.0km template must never be selected for a 2.0km request")
	}
}

func TestRejectionCarriesRemarkAndStopsFollowUps(t *testing.T) {
	f := newFixture(t)
	f.backend.status = client.RecordStatus{SportStatus: "0", Remark: "配速异常"}

	result, err := f.orch.Run(context.Background(), RunKindSun, 2.0, nil)
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.KindVerificationRejected))
	assert.Contains(t, err.Error(), "配速异常")
	require.NotNil(t, result)
	assert.Equal(t, PhaseRejected, result.Phase)

	assert.Zero(t, f.backend.callCount("GetFeedbackBalance"))
	assert.Zero(t, f.backend.callCount("StatisticsExerciseRecord"))
}

func TestUnsupportedRunKind(t *testing.T) {
	f := newFixture(t)
	f.backend.summary = client.RunKindSummary{
		MorningRun: client.RunKindFlag{IsShow: "0"},
		SunRun:     client.RunKindFlag{IsShow: "0"},
		FreedomRun: client.RunKindFlag{IsShow: "1"},
	}

	result, err := f.orch.Run(context.Background(), RunKindSun, 2.0, nil)
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.KindPrecondition))
	assert.Equal(t, PhaseFailed, result.Phase)
	assert.Zero(t, f.backend.callCount("GetExerciseSetting"))
}

func TestNoRouteAvailable(t *testing.T) {
	f := newFixture(t)
	f.routes.routes = nil

	result, err := f.orch.Run(context.Background(), RunKindSun, 2.0, nil)
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.KindPrecondition))
	assert.Equal(t, PhaseFailed, result.Phase)
}

func TestAnchorReusedAcrossRetries(t *testing.T) {
	f := newFixture(t)

	first, err := f.orch.Run(context.Background(), RunKindSun, 2.0, nil)
	require.NoError(t, err)
	require.NotNil(t, first.Anchor)
	assert.Equal(t, 1, f.backend.callCount("GetExerciseStartTime"))

	second, err := f.orch.Run(context.Background(), RunKindSun, 2.0, first.Anchor)
	require.NoError(t, err)
	assert.Equal(t, 1, f.backend.callCount("GetExerciseStartTime"))
	assert.Equal(t, first.Anchor.StartMillis, second.Anchor.StartMillis)
}

func TestMidChallengeFailureFailsSession(t *testing.T) {
	f := newFixture(t)
	f.backend.setting.IsStartFace = 0
	f.backend.setting.IsEndFace = 0
	f.backend.setting.IsMidwayFace = 1
	f.backend.uploadErr = errors.New("boom")

	result, err := f.orch.Run(context.Background(), RunKindSun, 2.0, nil)
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.KindChallenge))
	assert.Equal(t, PhaseFailed, result.Phase)
	assert.Zero(t, f.backend.callCount("AddExerciseRecord"))
}

func TestCampusFallbackResolvesWaypoints(t *testing.T) {
	f := newFixture(t)
	f.backend.setting.List = []byte(`""`)
	f.backend.setting.CampusList = []client.Campus{
		{ID: "c1", Point: []byte(`[{"id":"p1","content":"east gate","latitude":30.1,"longitude":120.1}]`)},
		{ID: "c2", Point: []byte(`[{"id":"p2","content":"west gate","latitude":30.2,"longitude":120.2}]`)},
	}
	f.backend.userInfo = client.UserInfo{CampusID: "c2"}

	_, err := f.orch.Run(context.Background(), RunKindSun, 2.0, nil)
	require.NoError(t, err)

	assert.Equal(t, 1, f.backend.callCount("GetLoginUserInfo"))
	require.NotNil(t, f.backend.submitted)
	assert.Contains(t, f.backend.submitted.PointList, "west gate")
	assert.NotContains(t, f.backend.submitted.PointList, "east gate")
}

func TestSchedulerFillsCacheFromBackend(t *testing.T) {
	clock := &fakeClock{now: time.UnixMilli(1_700_000_000_000)}
	backend := &fakeBackend{clock: clock}
	backend.images = []client.FaceImage{{ID: "img-1", ImageRouteURL: "https://cdn.example.com/face/img-1.png"}}
	backend.imageData = testPNG(t)

	cache := facecache.New(t.TempDir())
	s := NewScheduler(backend, cache, clock, rand.New(rand.NewSource(2)))

	err := s.Execute(context.Background(), Challenge{Kind: ChallengeStart, Coordinates: "30,120"}, "idf-1", 1)
	require.NoError(t, err)
	assert.Equal(t, []int{1}, backend.faceTypes)

	files, err := cache.List("school-1", "user-1")
	require.NoError(t, err)
	assert.Len(t, files, 1)

	// second execution reuses the cached copy, no further downloads
	require.NoError(t, s.Execute(context.Background(), Challenge{Kind: ChallengeEnd, Coordinates: "30,120"}, "idf-1", 1))
	assert.Equal(t, 1, backend.callCount("DownloadImage"))
}

func TestSchedulerNoRegisteredImages(t *testing.T) {
	clock := &fakeClock{now: time.UnixMilli(1_700_000_000_000)}
	backend := &fakeBackend{clock: clock}

	s := NewScheduler(backend, facecache.New(t.TempDir()), clock, rand.New(rand.NewSource(3)))
	err := s.Execute(context.Background(), Challenge{Kind: ChallengeStart}, "idf-1", 1)
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.KindChallenge))
}
