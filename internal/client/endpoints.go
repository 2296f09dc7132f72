package client

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/maolilup/TiShiNengRunning/internal/apperrors"
	"github.com/maolilup/TiShiNengRunning/internal/envelope"
	"github.com/maolilup/TiShiNengRunning/internal/types"
	"github.com/pkg/errors"
)

// GetAppID fetches the school's app binding. Used as a connectivity probe.
func (c *Client) GetAppID(ctx context.Context) (json.RawMessage, error) {
	env, err := c.get(ctx, "/upms/sysSchool/getAppid", map[string]any{}, "")
	if err != nil {
		return nil, err
	}
	return env.Data, nil
}

// SumExerciseRecord returns the run-kind capability summary and totals.
func (c *Client) SumExerciseRecord(ctx context.Context) (*RunKindSummary, error) {
	env, err := c.get(ctx, "/exercise/exerciseRecord/sumExerciseRecord", map[string]any{}, "")
	if err != nil {
		return nil, err
	}
	var summary RunKindSummary
	if err := json.Unmarshal(env.Data, &summary); err != nil {
		return nil, errors.Wrap(err, "failed to decode run kind summary")
	}
	return &summary, nil
}

// GetFeedbackBalance is a best-effort post-acceptance refresh call.
func (c *Client) GetFeedbackBalance(ctx context.Context) error {
	_, err := c.get(ctx, "/exercise/exerciseFeedback/getFeedbackBalance", map[string]any{}, "")
	return err
}

// StatisticsExerciseRecord is a best-effort post-acceptance refresh call.
func (c *Client) StatisticsExerciseRecord(ctx context.Context) error {
	_, err := c.get(ctx, "/exercise/exerciseRecord/statisticsExerciseRecord", map[string]any{}, "")
	return err
}

// GetExerciseExplanation mirrors the app's settings-page fetch.
func (c *Client) GetExerciseExplanation(ctx context.Context) error {
	_, err := c.get(ctx, "/exercise/exerciseExplanation/getExerciseExplanationV2", map[string]any{}, "")
	return err
}

// GetExerciseSetting negotiates the session settings for a run kind at the
// given start coordinates. Request and response both travel encrypted under
// the per-call session key.
func (c *Client) GetExerciseSetting(ctx context.Context, sportType int, longitude, latitude float64) (*ExerciseSetting, error) {
	timestamp := c.TimestampNow()

	params := c.v2BaseParams()
	params["runType"] = sportType
	params["longitude"] = longitude
	params["latitude"] = latitude

	enc, err := c.env.EncParams(params, timestamp, false)
	if err != nil {
		return nil, errors.Wrap(err, "failed to seal settings request")
	}

	env, err := c.get(ctx, c.exercisePath("/exercise/exerciseSetting/%s/getSetting"), map[string]any{
		"key":   enc.Key,
		"param": enc.Param,
	}, timestamp)
	if err != nil {
		return nil, err
	}

	var sealed string
	if err := json.Unmarshal(env.Data, &sealed); err != nil {
		return nil, errors.Wrap(err, "failed to decode sealed settings")
	}

	cipher, _, err := c.env.EphemeralCipher(timestamp)
	if err != nil {
		return nil, err
	}
	plain, err := cipher.Decrypt(sealed)
	if err != nil {
		return nil, errors.Wrap(err, "failed to decrypt settings")
	}

	var setting ExerciseSetting
	if err := json.Unmarshal([]byte(plain), &setting); err != nil {
		return nil, errors.Wrap(err, "failed to decode settings")
	}
	return &setting, nil
}

// GetExerciseStartTime asks the server for the authoritative session start.
func (c *Client) GetExerciseStartTime(ctx context.Context, identify string) (int64, error) {
	env, err := c.get(ctx, c.exercisePath("/exercise/exerciseSetting/%s/getExerciseStartTime"), map[string]any{
		"identify": identify,
	}, "")
	if err != nil {
		return 0, err
	}

	var payload struct {
		StartTime types.FlexInt64 `json:"startTime"`
	}
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		return 0, errors.Wrap(err, "failed to decode start time")
	}
	return payload.StartTime.Int64(), nil
}

// AddExerciseRecord submits the final record. Returns the server-assigned
// record id when one is present.
func (c *Client) AddExerciseRecord(ctx context.Context, rec *ExerciseRecord) (string, error) {
	timestamp := c.TimestampNow()

	environment, err := envelope.BuildEnvironment(c.device.UniqueCode, c.device.SupportedAbis, c.clock.Now())
	if err != nil {
		return "", errors.Wrap(err, "failed to build attestation")
	}

	params := c.v2BaseParams()
	for k, v := range map[string]any{
		"sportType":          rec.SportType,
		"startTime":          rec.StartTime,
		"endTime":            rec.EndTime,
		"sportTime":          rec.SportTime,
		"sportRange":         rec.SportRange,
		"speed":              rec.Speed,
		"avgSpeed":           rec.AvgSpeed,
		"appVersion":         c.cfg.App.VersionName,
		"stepNumbers":        rec.StepNumbers,
		"isSequencePoint":    rec.IsSequencePoint,
		"gitudeLatitude":     rec.GitudeLatitude,
		"pointList":          rec.PointList,
		"okPointList":        rec.OkPointList,
		"isFaceStatus":       strconv.Itoa(rec.IsFaceStatus),
		"uploadType":         rec.UploadType,
		"identify":           rec.Identify,
		"geofence":           rec.Geofence,
		"limitSpeed":         formatLimit(rec.LimitSpeed),
		"limitStride":        formatLimit(rec.LimitStride),
		"limitStepFrequency": rec.LimitStepFrequency,
		"gpsDistance":        rec.GPSDistance,
		"d":                  0,
		"f":                  0,
		"m":                  0,
		"h":                  0,
		"environment":        environment,
	} {
		params[k] = v
	}

	enc, err := c.env.EncParams(params, timestamp, true)
	if err != nil {
		return "", errors.Wrap(err, "failed to seal record")
	}

	env, err := c.postForm(ctx, c.exercisePath("/exercise/exerciseRecord/%s/addExerciseRecord"), map[string]any{
		"key":   enc.Key,
		"param": enc.Param,
	}, timestamp)
	if err != nil {
		return "", err
	}
	return env.ExerciseRecordID.String(), nil
}

// GetExerciseRecord fetches the post-submission status of a record.
func (c *Client) GetExerciseRecord(ctx context.Context, exerciseRecordID string) (*RecordStatus, error) {
	env, err := c.get(ctx, c.exercisePath("/exercise/exerciseRecord/%s/getExerciseRecord"), map[string]any{
		"exerciseRecordId": exerciseRecordID,
	}, "")
	if err != nil {
		return nil, err
	}

	var status RecordStatus
	if err := json.Unmarshal(env.Data, &status); err != nil {
		return nil, errors.Wrap(err, "failed to decode record status")
	}
	return &status, nil
}

// ListExerciseRecord pages through historical records.
func (c *Client) ListExerciseRecord(ctx context.Context, status int, date string, datePageIndex int) (json.RawMessage, error) {
	env, err := c.get(ctx, c.exercisePath("/exercise/exerciseRecord/%s/listExerciseRecord"), map[string]any{
		"status":        status,
		"date":          date,
		"datePageIndex": datePageIndex,
	}, "")
	if err != nil {
		return nil, err
	}
	return env.Data, nil
}

// GetLoginUserInfo returns the account profile (campus binding included).
func (c *Client) GetLoginUserInfo(ctx context.Context) (*UserInfo, error) {
	env, err := c.get(ctx, "/upms/basUser/getLoginUserInfo", map[string]any{}, "")
	if err != nil {
		return nil, err
	}
	var info UserInfo
	if err := json.Unmarshal(env.Data, &info); err != nil {
		return nil, errors.Wrap(err, "failed to decode user info")
	}
	return &info, nil
}

// ListFaceImages returns the account's registered verification gallery.
func (c *Client) ListFaceImages(ctx context.Context) ([]FaceImage, error) {
	env, err := c.get(ctx, "/upms/basUserImage/listBasUserImageFace", map[string]any{
		"basUserId": c.account.UserID,
	}, "")
	if err != nil {
		return nil, err
	}
	var images []FaceImage
	if err := json.Unmarshal(env.Data, &images); err != nil {
		return nil, errors.Wrap(err, "failed to decode face images")
	}
	return images, nil
}

// DownloadImage fetches an image by absolute URL, outside the signed envelope.
func (c *Client) DownloadImage(ctx context.Context, imageURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build request")
	}

	resp, err := c.upload.Do(req)
	if err != nil {
		return nil, apperrors.Newf(apperrors.KindTransport, "image download failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apperrors.Newf(apperrors.KindTransport, "image download status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// OAuthToken performs a grant against the auth endpoint using the school's
// Basic credential.
func (c *Client) OAuthToken(ctx context.Context, form url.Values) (*TokenResponse, error) {
	reqURL := c.cfg.Vendor.BaseURL + "/auth/oauth/token?" + form.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build request")
	}

	req.Header = c.baseHeaders()
	basic := base64.StdEncoding.EncodeToString([]byte(c.account.SchoolCode + ":" + c.cfg.Vendor.BasicSuffix))
	req.Header.Set("Authorization", "Basic "+basic)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, apperrors.Newf(apperrors.KindTransport, "token request failed: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperrors.Newf(apperrors.KindTransport, "failed to read token response: %v", err)
	}

	var token TokenResponse
	if err := json.Unmarshal(body, &token); err != nil || token.AccessToken == "" {
		var env apiEnvelope
		if jsonErr := json.Unmarshal(body, &env); jsonErr == nil && env.Msg != "" {
			return nil, apperrors.NewWithCode(apperrors.KindProtocol, env.Code, env.Msg)
		}
		return nil, apperrors.Newf(apperrors.KindTransport, "token grant failed: status %d", resp.StatusCode)
	}
	return &token, nil
}

func (c *Client) exercisePath(format string) string {
	return fmt.Sprintf(format, c.cfg.Vendor.PathSegment)
}

func formatLimit(v string) string {
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return v
	}
	return strconv.FormatFloat(f, 'f', 1, 64)
}
