package session

import (
	"context"

	"github.com/maolilup/TiShiNengRunning/internal/client"
	"github.com/maolilup/TiShiNengRunning/internal/store"
	"github.com/maolilup/TiShiNengRunning/internal/track"
	"github.com/maolilup/TiShiNengRunning/internal/types"
)

// RunKind 跑步类型
type RunKind string

const (
	RunKindMorning RunKind = "morning"
	RunKindSun     RunKind = "sun"
	RunKindFree    RunKind = "free"
)

// SportType maps the run kind to the numeric code the backend expects.
func (k RunKind) SportType() int {
	switch k {
	case RunKindMorning:
		return 2
	case RunKindSun:
		return 1
	default:
		return 0
	}
}

func (k RunKind) String() string {
	return string(k)
}

// Phase 会话状态
type Phase string

const (
	PhaseInit                 Phase = "init"
	PhaseCapabilitiesResolved Phase = "capabilities_resolved"
	PhaseRouteSelected        Phase = "route_selected"
	PhaseSettingsResolved     Phase = "settings_resolved"
	PhaseTimeAnchored         Phase = "time_anchored"
	PhasePlaying              Phase = "playing"
	PhaseSubmitted            Phase = "submitted"
	PhaseVerified             Phase = "verified"
	PhaseRejected             Phase = "rejected"
	PhaseFailed               Phase = "failed"
)

// Anchor is the server-issued start time for one exercise identify. Callers
// may carry it across retries so a failed session resumes against the same
// wall-clock origin instead of requesting a fresh one.
type Anchor struct {
	Identify    string
	StartMillis int64
}

// Waypoint is one checkpoint of a route's confirmation list. Numeric fields
// arrive as either strings or numbers depending on backend version.
type Waypoint struct {
	ID          types.FlexString `json:"id"`
	Content     string           `json:"content,omitempty"`
	Latitude    types.FlexFloat  `json:"latitude"`
	Longitude   types.FlexFloat  `json:"longitude"`
	Sort        *types.FlexInt   `json:"sort,omitempty"`
	IsMustPoint *types.FlexFloat `json:"isMustPoint,omitempty"`
	OkRadius    *types.FlexFloat `json:"okRadius,omitempty"`
}

// WaypointConfirmation is one entry of the confirmation list submitted with a
// finished record: the waypoint plus its synthetic pass-through time.
type WaypointConfirmation struct {
	Latitude  float64 `json:"latitude"`
	Content   string  `json:"content"`
	ID        string  `json:"id"`
	Time      string  `json:"time"`
	Longitude float64 `json:"longitude"`
	Sort      *int    `json:"sort,omitempty"`
}

// Result is what a finished (or terminally failed) session hands back.
type Result struct {
	Phase    Phase
	Kind     RunKind
	RecordID string
	// Anchor is populated as soon as a start time is known, even on failure,
	// so the caller can retry the same identify without re-anchoring.
	Anchor     *Anchor
	DistanceKm float64
	DurationS  int64
}

// Backend is the slice of the vendor API the orchestrator drives.
type Backend interface {
	Account() client.Account
	SumExerciseRecord(ctx context.Context) (*client.RunKindSummary, error)
	GetExerciseSetting(ctx context.Context, sportType int, longitude, latitude float64) (*client.ExerciseSetting, error)
	GetExerciseExplanation(ctx context.Context) error
	GetLoginUserInfo(ctx context.Context) (*client.UserInfo, error)
	GetExerciseStartTime(ctx context.Context, identify string) (int64, error)
	AddExerciseRecord(ctx context.Context, record *client.ExerciseRecord) (string, error)
	GetExerciseRecord(ctx context.Context, recordID string) (*client.RecordStatus, error)
	GetFeedbackBalance(ctx context.Context) error
	StatisticsExerciseRecord(ctx context.Context) error
	ListFaceImages(ctx context.Context) ([]client.FaceImage, error)
	DownloadImage(ctx context.Context, url string) ([]byte, error)
	UploadRunningFace(ctx context.Context, image []byte, coordinates, identify string, sportType, faceType int) error
}

// RouteSource yields stored route templates near a requested distance.
type RouteSource interface {
	QueryNearest(ctx context.Context, schoolCode string, distanceKm float64, limit int) ([]store.RouteTemplate, error)
}

// TraceEngine turns a route template into a playable trace.
type TraceEngine interface {
	Generate(template [][]float64, targetMeters float64, startMillis int64, plannedSeconds float64) (*track.Trace, error)
}
