package session

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/maolilup/TiShiNengRunning/internal/apperrors"
	"github.com/maolilup/TiShiNengRunning/internal/client"
	"github.com/maolilup/TiShiNengRunning/internal/track"
	"github.com/maolilup/TiShiNengRunning/internal/util"
)

const (
	// start-coordinate jitter radius, degrees per axis
	coordJitterDeg = 0.0005

	// candidate routes may be at most this much further from the requested
	// distance than the best match
	routeToleranceKm = 0.5

	routeCandidateLimit = 10

	timeFormat = "2006-01-02 15:04:05"
)

// Orchestrator drives one exercise session end to end: capability check,
// route and settings negotiation, wall-clock playback, identity challenges,
// submission and verification.
type Orchestrator struct {
	backend   Backend
	routes    RouteSource
	engine    TraceEngine
	scheduler *Scheduler
	clock     util.Clock
	rnd       *rand.Rand
}

// NewOrchestrator creates an orchestrator; rnd drives every sampled value so
// tests can make sessions deterministic.
func NewOrchestrator(backend Backend, routes RouteSource, engine TraceEngine, scheduler *Scheduler, clock util.Clock, rnd *rand.Rand) *Orchestrator {
	return &Orchestrator{
		backend:   backend,
		routes:    routes,
		engine:    engine,
		scheduler: scheduler,
		clock:     clock,
		rnd:       rnd,
	}
}

// sessionState carries everything accumulated across phases. Each phase reads
// the fields of earlier phases and fills its own.
type sessionState struct {
	kind        RunKind
	requestedKm float64

	// route selection
	template       [][]float64
	startLongitude float64
	startLatitude  float64

	// settings
	identify           string
	geofence           string
	waypoints          []Waypoint
	isStartFace        bool
	isEndFace          bool
	middleFaces        []Challenge
	faceStatus         int
	limitSpeed         string
	limitStride        string
	limitStepFrequency string
	totalRangeKm       float64

	// timing
	anchorMillis   int64
	effectiveKm    float64
	plannedSeconds float64

	// playback
	trace     *track.Trace
	endMillis int64

	recordID string
}

func (st *sessionState) anchor() *Anchor {
	if st.identify == "" || st.anchorMillis == 0 {
		return nil
	}
	return &Anchor{Identify: st.identify, StartMillis: st.anchorMillis}
}

// Run executes one full session. A previously returned anchor may be passed
// back in so a retried session keeps the same start time; pass nil otherwise.
func (o *Orchestrator) Run(ctx context.Context, kind RunKind, requestedKm float64, cached *Anchor) (*Result, error) {
	st := &sessionState{kind: kind, requestedKm: requestedKm, faceStatus: 1}

	fail := func(err error) (*Result, error) {
		return &Result{Phase: PhaseFailed, Kind: kind, Anchor: st.anchor()}, err
	}

	if err := o.resolveCapabilities(ctx, st); err != nil {
		return fail(err)
	}
	if err := o.selectRoute(ctx, st); err != nil {
		return fail(err)
	}
	if err := o.resolveSettings(ctx, st); err != nil {
		return fail(err)
	}
	if err := o.anchorTime(ctx, st, cached); err != nil {
		return fail(err)
	}
	o.plan(st)
	if err := o.startChallenge(ctx, st); err != nil {
		return fail(err)
	}
	if err := o.play(st); err != nil {
		return fail(err)
	}
	if err := o.submit(ctx, st); err != nil {
		return fail(err)
	}
	return o.verify(ctx, st)
}

// resolveCapabilities checks the requested run kind against the set the
// server advertises for this account.
func (o *Orchestrator) resolveCapabilities(ctx context.Context, st *sessionState) error {
	log := util.LogFromContext(ctx)

	summary, err := o.backend.SumExerciseRecord(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to query run kind capabilities")
	}

	allowed := map[RunKind]bool{}
	if summary.MorningRun.IsShow.String() == "1" {
		allowed[RunKindMorning] = true
	}
	if summary.SunRun.IsShow.String() == "1" {
		allowed[RunKindSun] = true
	}
	if summary.FreedomRun.IsShow.String() == "1" {
		allowed[RunKindFree] = true
	}
	log.Debug().Int("allowed", len(allowed)).Str("requested", st.kind.String()).Msg("run kind capabilities resolved")

	if !allowed[st.kind] {
		return apperrors.Newf(apperrors.KindPrecondition, "run kind %s is not available for this account", st.kind)
	}
	return nil
}

// selectRoute picks a stored route template near the requested distance and
// jitters its start point.
func (o *Orchestrator) selectRoute(ctx context.Context, st *sessionState) error {
	log := util.LogFromContext(ctx)

	account := o.backend.Account()
	candidates, err := o.routes.QueryNearest(ctx, account.SchoolCode, st.requestedKm, routeCandidateLimit)
	if err != nil {
		return errors.Wrap(err, "failed to query route templates")
	}
	if len(candidates) == 0 {
		return apperrors.Newf(apperrors.KindPrecondition, "no route template for school %s", account.SchoolCode)
	}

	// Drop candidates much further from the target than the best match, then
	// pick at random among the rest so repeated sessions do not always replay
	// the single nearest template.
	best := math.Abs(candidates[0].SportRange - st.requestedKm)
	near := candidates[:0:0]
	for _, c := range candidates {
		if math.Abs(c.SportRange-st.requestedKm) <= best+routeToleranceKm {
			near = append(near, c)
		}
	}
	route := near[o.rnd.Intn(len(near))]

	template, err := route.Polyline()
	if err != nil {
		return errors.Wrapf(err, "route %d has a broken polyline", route.ID)
	}
	if len(template) == 0 {
		return apperrors.Newf(apperrors.KindPrecondition, "route %d has an empty polyline", route.ID)
	}

	st.template = template
	st.startLongitude = template[0][0] + (o.rnd.Float64()*2-1)*coordJitterDeg
	st.startLatitude = template[0][1] + (o.rnd.Float64()*2-1)*coordJitterDeg
	log.Info().Int64("route_id", route.ID).Float64("range_km", route.SportRange).Msg("route selected")
	return nil
}

// resolveSettings fetches exercise settings for the jittered start point and
// extracts everything later phases depend on.
func (o *Orchestrator) resolveSettings(ctx context.Context, st *sessionState) error {
	log := util.LogFromContext(ctx)

	setting, err := o.backend.GetExerciseSetting(ctx, st.kind.SportType(), st.startLongitude, st.startLatitude)
	if err != nil {
		return errors.Wrap(err, "failed to fetch exercise settings")
	}
	if err := o.backend.GetExerciseExplanation(ctx); err != nil {
		log.Warn().Err(err).Msg("exercise explanation fetch failed")
	}

	if setting.Identify == "" {
		return apperrors.New(apperrors.KindPrecondition, "settings carry no identify token")
	}
	if len(setting.Geofence) == 0 {
		return apperrors.New(apperrors.KindPrecondition, "settings carry no geofence")
	}

	st.identify = setting.Identify
	st.geofence = string(setting.Geofence)
	st.totalRangeKm = setting.TotalRange.Float64()
	st.limitSpeed = setting.LimitSpeed.String()
	st.limitStride = setting.EndStride.String()
	st.limitStepFrequency = setting.EndLimitStepFrequency.String()
	st.isStartFace = setting.IsStartFace.Int() == 1
	st.isEndFace = setting.IsEndFace.Int() == 1

	waypoints, err := parseWaypoints(setting.List)
	if err != nil {
		return errors.Wrap(err, "failed to decode waypoint list")
	}
	if len(setting.CampusList) > 0 {
		waypoints, err = o.campusWaypoints(ctx, setting.CampusList)
		if err != nil {
			return err
		}
	}
	st.waypoints = waypoints

	// Midway challenges: server-scheduled points, or one synthesized later if
	// only the flag is set. Offsets are computed at submission time, once the
	// trace window is known.
	st.middleFaces = nil
	for _, mf := range setting.MiddleFaces {
		st.middleFaces = append(st.middleFaces, Challenge{
			Kind:          ChallengeMid,
			OffsetSeconds: float64(mf.Timestamp.Int64()), // absolute ms, rebased in submit
			Coordinates:   fmt.Sprintf("%v,%v", mf.Latitude.Float64(), mf.Longitude.Float64()),
		})
	}
	if len(st.middleFaces) == 0 && setting.IsMidwayFace.Int() == 1 {
		// one synthetic midway point; position filled in once the trace exists
		st.middleFaces = append(st.middleFaces, Challenge{
			Kind:          ChallengeMid,
			OffsetSeconds: -(0.5 + o.rnd.Float64()*0.7), // negative = fraction of planned duration
		})
	}
	if len(st.middleFaces) == 0 && !st.isStartFace && !st.isEndFace {
		st.faceStatus = 0
	}
	log.Info().Str("identify", st.identify).Bool("start_face", st.isStartFace).
		Bool("end_face", st.isEndFace).Int("mid_faces", len(st.middleFaces)).
		Int("waypoints", len(st.waypoints)).Msg("settings resolved")
	return nil
}

// campusWaypoints resolves the checklist through the campus lookup, using the
// account's campus when known and a random one otherwise.
func (o *Orchestrator) campusWaypoints(ctx context.Context, campuses []client.Campus) ([]Waypoint, error) {
	info, err := o.backend.GetLoginUserInfo(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to fetch user info for campus lookup")
	}
	idx := -1
	for i, c := range campuses {
		if c.ID.String() == info.CampusID.String() {
			idx = i
			break
		}
	}
	if idx < 0 {
		idx = o.rnd.Intn(len(campuses))
	}
	return parseWaypoints(campuses[idx].Point)
}

// anchorTime reuses a cached start time for the same identify, or negotiates
// a fresh one plus a 14-20s jitter.
func (o *Orchestrator) anchorTime(ctx context.Context, st *sessionState, cached *Anchor) error {
	if cached != nil && cached.Identify == st.identify && cached.StartMillis > 0 {
		st.anchorMillis = cached.StartMillis
		return nil
	}
	start, err := o.backend.GetExerciseStartTime(ctx, st.identify)
	if err != nil {
		return errors.Wrap(err, "failed to negotiate start time")
	}
	st.anchorMillis = start + int64(14+o.rnd.Intn(7))*1000
	return nil
}

// plan fixes the effective distance and the planned duration.
func (o *Orchestrator) plan(st *sessionState) {
	st.effectiveKm = st.requestedKm
	if st.requestedKm < st.totalRangeKm {
		st.effectiveKm = st.totalRangeKm + 0.1 + o.rnd.Float64()*0.1
	}
	st.plannedSeconds = st.effectiveKm * (4.5 + o.rnd.Float64()) * 60
}

// startChallenge runs the start verification, when required, strictly before
// the trace is generated.
func (o *Orchestrator) startChallenge(ctx context.Context, st *sessionState) error {
	if !st.isStartFace {
		return nil
	}
	o.clock.Sleep(time.Duration((7 + o.rnd.Float64()*5) * float64(time.Second)))
	ch := Challenge{
		Kind:        ChallengeStart,
		Coordinates: fmt.Sprintf("%v,%v", st.startLatitude, st.startLongitude),
	}
	return o.scheduler.Execute(ctx, ch, st.identify, st.kind.SportType())
}

// play generates the trace and fixes the session's end timestamp.
func (o *Orchestrator) play(st *sessionState) error {
	o.clock.Sleep(time.Duration((1 + o.rnd.Float64()*3) * float64(time.Second)))

	traceStart := st.anchorMillis + int64(1200+o.rnd.Intn(601))
	trace, err := o.engine.Generate(st.template, st.effectiveKm*1000, traceStart, st.plannedSeconds)
	if err != nil {
		return errors.Wrap(err, "trace generation failed")
	}
	st.trace = trace
	st.endMillis = trace.End() + int64(100+o.rnd.Intn(101))
	return nil
}

// submit waits out the remaining session window (joining midway challenges),
// runs the end challenge and uploads the finished record.
func (o *Orchestrator) submit(ctx context.Context, st *sessionState) error {
	log := util.LogFromContext(ctx)

	usedTime := (st.endMillis - st.anchorMillis) / 1000
	distanceKm := st.trace.Distance / 1000

	nowMillis := o.clock.Now().UnixMilli()
	mainWait := time.Duration(st.endMillis-nowMillis) * time.Millisecond
	mids := o.rebaseMidChallenges(st, nowMillis, mainWait)

	log.Info().Dur("wait", mainWait).Int("mid_challenges", len(mids)).Msg("playback wait started")
	if err := o.scheduler.Join(ctx, mainWait, mids, st.identify, st.kind.SportType()); err != nil {
		return err
	}

	if st.isEndFace {
		last := st.trace.Last()
		ch := Challenge{
			Kind:        ChallengeEnd,
			Coordinates: fmt.Sprintf("%v,%v", last.Latitude, last.Longitude),
		}
		if err := o.scheduler.Execute(ctx, ch, st.identify, st.kind.SportType()); err != nil {
			return err
		}
	}

	record, err := o.buildRecord(st, usedTime, distanceKm)
	if err != nil {
		return err
	}
	recordID, err := o.backend.AddExerciseRecord(ctx, record)
	if err != nil {
		return errors.Wrap(err, "record submission failed")
	}
	st.recordID = recordID
	log.Info().Str("record_id", recordID).Msg("record submitted")
	return nil
}

// rebaseMidChallenges turns midway entries into relative offsets against the
// current clock. Server-scheduled entries carry absolute timestamps; a
// synthetic entry carries a negative fraction of the planned duration and is
// placed on a concrete trace point here.
func (o *Orchestrator) rebaseMidChallenges(st *sessionState, nowMillis int64, mainWait time.Duration) []Challenge {
	mids := make([]Challenge, 0, len(st.middleFaces))
	for _, ch := range st.middleFaces {
		if ch.OffsetSeconds < 0 {
			fraction := -ch.OffsetSeconds
			at := st.anchorMillis + int64(fraction*st.plannedSeconds*1000)
			mid := st.trace.Points[len(st.trace.Points)/2]
			ch.Coordinates = fmt.Sprintf("%v,%v", mid.Latitude, mid.Longitude)
			ch.OffsetSeconds = float64(at)
		}
		if mainWait > 0 {
			ch.OffsetSeconds = (ch.OffsetSeconds - float64(nowMillis)) / 1000
			if ch.OffsetSeconds < 0 {
				ch.OffsetSeconds = 0
			}
		} else {
			ch.OffsetSeconds = 0
		}
		mids = append(mids, ch)
	}
	return mids
}

// buildRecord assembles the submission payload.
func (o *Orchestrator) buildRecord(st *sessionState, usedTime int64, distanceKm float64) (*client.ExerciseRecord, error) {
	traceJSON, err := json.Marshal(st.trace.Points)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode trace")
	}
	stepsJSON, err := json.Marshal(st.trace.Steps)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode step series")
	}
	waypointsJSON, err := json.Marshal(st.waypoints)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode waypoint list")
	}
	confirmations, err := json.Marshal(o.confirmWaypoints(st))
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode waypoint confirmations")
	}

	sportRange := formatRounded(distanceKm)
	avgSpeed := formatRounded(st.trace.Distance / float64(usedTime) * 3.6)
	paceSeconds := float64(usedTime) / distanceKm
	pace := fmt.Sprintf("%d'%02d\"", int(paceSeconds)/60, int(paceSeconds)%60)

	return &client.ExerciseRecord{
		SportType:          st.kind.SportType(),
		StartTime:          st.anchorMillis,
		EndTime:            st.endMillis,
		SportTime:          usedTime,
		SportRange:         sportRange,
		Speed:              pace,
		AvgSpeed:           avgSpeed,
		StepNumbers:        string(stepsJSON),
		IsSequencePoint:    "0",
		GitudeLatitude:     string(traceJSON),
		PointList:          string(waypointsJSON),
		OkPointList:        string(confirmations),
		IsFaceStatus:       st.faceStatus,
		UploadType:         0,
		Identify:           st.identify,
		Geofence:           st.geofence,
		LimitSpeed:         st.limitSpeed,
		LimitStride:        st.limitStride,
		LimitStepFrequency: st.limitStepFrequency,
		GPSDistance:        sportRange,
	}, nil
}

// confirmWaypoints spreads the checklist evenly over the session window.
func (o *Orchestrator) confirmWaypoints(st *sessionState) []WaypointConfirmation {
	out := make([]WaypointConfirmation, 0, len(st.waypoints))
	if len(st.waypoints) == 0 {
		return out
	}
	step := (st.endMillis - st.anchorMillis) / int64(len(st.waypoints)+4)
	stamp := st.anchorMillis + step
	for _, wp := range st.waypoints {
		conf := WaypointConfirmation{
			Latitude:  wp.Latitude.Float64(),
			Content:   wp.Content,
			ID:        wp.ID.String(),
			Time:      time.UnixMilli(stamp).Format(timeFormat),
			Longitude: wp.Longitude.Float64(),
		}
		if wp.Sort != nil {
			sort := wp.Sort.Int()
			conf.Sort = &sort
		}
		out = append(out, conf)
		stamp += step
	}
	return out
}

// verify fetches the post-submission verdict and runs best-effort follow-ups.
func (o *Orchestrator) verify(ctx context.Context, st *sessionState) (*Result, error) {
	log := util.LogFromContext(ctx)

	result := &Result{
		Kind:       st.kind,
		RecordID:   st.recordID,
		Anchor:     st.anchor(),
		DistanceKm: st.trace.Distance / 1000,
		DurationS:  (st.endMillis - st.anchorMillis) / 1000,
	}

	if st.recordID == "" {
		result.Phase = PhaseVerified
		return result, nil
	}

	status, err := o.backend.GetExerciseRecord(ctx, st.recordID)
	if err != nil {
		result.Phase = PhaseFailed
		return result, errors.Wrap(err, "failed to fetch record status")
	}
	if status.SportStatus.String() != "1" {
		result.Phase = PhaseRejected
		return result, apperrors.New(apperrors.KindVerificationRejected, status.Remark)
	}

	if err := o.backend.GetFeedbackBalance(ctx); err != nil {
		log.Warn().Err(err).Msg("balance refresh failed")
	}
	if _, err := o.backend.SumExerciseRecord(ctx); err != nil {
		log.Warn().Err(err).Msg("summary refresh failed")
	}
	if err := o.backend.StatisticsExerciseRecord(ctx); err != nil {
		log.Warn().Err(err).Msg("statistics refresh failed")
	}

	result.Phase = PhaseVerified
	return result, nil
}

// parseWaypoints decodes a checklist field that may be an array, an empty
// string or absent.
func parseWaypoints(raw json.RawMessage) ([]Waypoint, error) {
	if len(raw) == 0 || string(raw) == `""` || string(raw) == "null" {
		return nil, nil
	}
	var out []Waypoint
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, errors.Wrap(err, "malformed waypoint list")
	}
	return out, nil
}

// formatRounded renders a float rounded to two decimals without trailing
// zeros, the way the app renders distances and speeds.
func formatRounded(v float64) string {
	return strconv.FormatFloat(math.Round(v*100)/100, 'f', -1, 64)
}
