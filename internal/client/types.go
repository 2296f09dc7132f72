package client

import (
	"encoding/json"

	"github.com/maolilup/TiShiNengRunning/internal/types"
)

// Account identifies the backend account all calls run as.
type Account struct {
	UserID     string
	SchoolID   string
	SchoolCode string
}

// Device describes the impersonated handset. UniqueCode is the md5 of the raw
// device identifier, as the app reports it.
type Device struct {
	Brand         string
	Model         string
	OSVersion     string
	UniqueCode    string
	SupportedAbis []string
}

// Campus is one campus entry in the settings response.
type Campus struct {
	ID    types.FlexString `json:"id"`
	Point json.RawMessage  `json:"point"`
}

// ExerciseSetting is the decrypted settings payload for one (run kind,
// coordinates) request.
type ExerciseSetting struct {
	Identify               string           `json:"identify"`
	Geofence               json.RawMessage  `json:"geofence"`
	List                   json.RawMessage  `json:"list"`
	CampusList             []Campus         `json:"campusList"`
	IsStartFace            types.FlexInt    `json:"isStartFace"`
	IsEndFace              types.FlexInt    `json:"isEndFace"`
	IsMidwayFace           types.FlexInt    `json:"isMidwayFace"`
	MiddleFaces            []MiddleFace     `json:"middleFaces"`
	TotalRange             types.FlexFloat  `json:"totalRange"`
	EndStride              types.FlexString `json:"endStride"`
	LimitSpeed             types.FlexString `json:"limitSpeed"`
	EndLimitStepFrequency  types.FlexString `json:"endLimitStepFrequency"`
}

// MiddleFace is a server-scheduled midway verification point.
type MiddleFace struct {
	Timestamp types.FlexInt64 `json:"timestamp"`
	Latitude  types.FlexFloat `json:"latitude"`
	Longitude types.FlexFloat `json:"longitude"`
}

// RunKindSummary advertises which run kinds the account may start.
type RunKindSummary struct {
	MorningRun RunKindFlag `json:"morningRun"`
	SunRun     RunKindFlag `json:"sunRun"`
	FreedomRun RunKindFlag `json:"freedomRun"`
}

// RunKindFlag is one advertised run kind entry.
type RunKindFlag struct {
	IsShow types.FlexString `json:"isShow"`
}

// UserInfo is the subset of the login user payload the session needs.
type UserInfo struct {
	CampusID types.FlexString `json:"campusId"`
}

// RecordStatus is the post-submission verdict for one exercise record.
type RecordStatus struct {
	SportStatus types.FlexString `json:"sportStatus"`
	Remark      string           `json:"remark"`
}

// FaceImage is one registered verification image.
type FaceImage struct {
	ID            types.FlexString `json:"id"`
	ImageRouteURL string           `json:"imageRouteUrl"`
}

// TokenResponse is the OAuth grant response. The backend piggybacks the
// account identifiers on it.
type TokenResponse struct {
	AccessToken  string           `json:"access_token"`
	RefreshToken string           `json:"refresh_token"`
	ExpiresIn    int64            `json:"expires_in"`
	TokenType    string           `json:"token_type"`
	Scope        string           `json:"scope"`
	UserID       types.FlexString `json:"user_id"`
	SchoolID     types.FlexString `json:"school_id"`
}

// ExerciseRecord is the final submission payload. String fields that carry
// JSON (trace, steps, waypoints, geofence) are kept opaque here; the session
// layer owns their shape.
type ExerciseRecord struct {
	SportType          int
	StartTime          int64
	EndTime            int64
	SportTime          int64
	SportRange         string
	Speed              string
	AvgSpeed           string
	StepNumbers        string
	IsSequencePoint    string
	GitudeLatitude     string
	PointList          string
	OkPointList        string
	IsFaceStatus       int
	UploadType         int
	Identify           string
	Geofence           string
	LimitSpeed         string
	LimitStride        string
	LimitStepFrequency string
	GPSDistance        string
}
