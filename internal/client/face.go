package client

import (
	"bytes"
	"context"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"

	"github.com/maolilup/TiShiNengRunning/internal/envelope"
	"github.com/maolilup/TiShiNengRunning/internal/util"
	"github.com/pkg/errors"
)

// UploadRunningFace submits one identity-verification image for the session.
// The {key, param} pair travels as multipart form fields next to the binary
// image; the signature uses the multipart variant.
func (c *Client) UploadRunningFace(ctx context.Context, image []byte, coordinates, identify string, sportType, faceType int) error {
	timestamp := c.TimestampNow()

	environment, err := envelope.BuildEnvironment(c.device.UniqueCode, c.device.SupportedAbis, c.clock.Now())
	if err != nil {
		return errors.Wrap(err, "failed to build attestation")
	}

	params := c.v2BaseParams()
	for k, v := range map[string]any{
		"identify":    identify,
		"type":        strconv.Itoa(faceType),
		"runType":     strconv.Itoa(sportType),
		"coordinates": coordinates,
		"timeStamp":   timestamp,
		"exception":   "0",
		"environment": environment,
	} {
		params[k] = v
	}

	enc, err := c.env.FaceEncParams(params, timestamp)
	if err != nil {
		return errors.Wrap(err, "failed to seal face params")
	}

	sign, err := c.env.SignMultipart(map[string]any{"key": enc.Key, "param": enc.Param}, timestamp)
	if err != nil {
		return errors.Wrap(err, "failed to sign face upload")
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	if err := writeFormField(writer, "key", enc.Key); err != nil {
		return err
	}
	if err := writeFormField(writer, "param", enc.Param); err != nil {
		return err
	}

	fileHeader := textproto.MIMEHeader{}
	fileHeader.Set("Content-Disposition", `form-data; name="file"; filename="file.jpg"`)
	fileHeader.Set("Content-Type", "image/png")
	filePart, err := writer.CreatePart(fileHeader)
	if err != nil {
		return errors.Wrap(err, "failed to create file part")
	}
	if _, err := filePart.Write(image); err != nil {
		return errors.Wrap(err, "failed to write image")
	}
	if err := writer.Close(); err != nil {
		return errors.Wrap(err, "failed to finalize multipart body")
	}

	reqURL := c.cfg.Vendor.BaseURL + c.exercisePath("/exercise/exerciseRunningFace/%s/face")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, &body)
	if err != nil {
		return errors.Wrap(err, "failed to build request")
	}
	req.Header = c.baseHeaders()
	req.Header.Set("sign", sign)
	req.Header.Set("timestamp", timestamp)
	req.Header.Set("Authorization", "Bearer "+c.env.Token())
	req.Header.Set("Content-Type", writer.FormDataContentType())

	log := util.LogFromContext(ctx)
	log.Debug().Str("identify", identify).Int("faceType", faceType).Msg("uploading verification image")

	_, err = c.do(c.upload, req)
	return err
}

func writeFormField(writer *multipart.Writer, name, value string) error {
	header := textproto.MIMEHeader{}
	header.Set("Content-Disposition", `form-data; name="`+name+`"`)
	header.Set("Content-Type", "multipart/form-data; charset=utf-8")
	part, err := writer.CreatePart(header)
	if err != nil {
		return errors.Wrapf(err, "failed to create %s part", name)
	}
	if _, err := part.Write([]byte(value)); err != nil {
		return errors.Wrapf(err, "failed to write %s part", name)
	}
	return nil
}
