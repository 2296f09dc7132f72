package envelope

import (
	"bytes"
	"encoding/json"

	"github.com/gowebpki/jcs"
	"github.com/pkg/errors"
)

// Canonicalize serializes a parameter map as compact JSON with keys in
// ascending byte order (RFC 8785). The output is a pure function of content:
// two maps with equal entries produce byte-identical output regardless of
// construction order.
func Canonicalize(params any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(params); err != nil {
		return nil, errors.Wrap(err, "failed to marshal params")
	}

	canonical, err := jcs.Transform(buf.Bytes())
	if err != nil {
		return nil, errors.Wrap(err, "failed to canonicalize params")
	}
	return canonical, nil
}
