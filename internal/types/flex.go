package types

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// The backend serializes numbers and flags inconsistently: the same field
// arrives as 1, "1" or 1.0 depending on the school deployment. These types
// absorb that at the unmarshal boundary so business logic sees one shape.

// FlexInt unmarshals from a JSON number or a numeric string.
type FlexInt int

func (f *FlexInt) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(bytes.TrimSpace(data)), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	val, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return errors.Wrapf(err, "cannot parse %q as int", s)
	}
	*f = FlexInt(int(val))
	return nil
}

// Int returns the plain int value.
func (f FlexInt) Int() int { return int(f) }

// FlexInt64 unmarshals from a JSON number or a numeric string.
type FlexInt64 int64

func (f *FlexInt64) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(bytes.TrimSpace(data)), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	val, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		fval, ferr := strconv.ParseFloat(s, 64)
		if ferr != nil {
			return errors.Wrapf(err, "cannot parse %q as int64", s)
		}
		val = int64(fval)
	}
	*f = FlexInt64(val)
	return nil
}

// Int64 returns the plain int64 value.
func (f FlexInt64) Int64() int64 { return int64(f) }

// FlexFloat unmarshals from a JSON number or a numeric string.
type FlexFloat float64

func (f *FlexFloat) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(bytes.TrimSpace(data)), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	val, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return errors.Wrapf(err, "cannot parse %q as float", s)
	}
	*f = FlexFloat(val)
	return nil
}

// Float64 returns the plain float64 value.
func (f FlexFloat) Float64() float64 { return float64(f) }

// FlexString unmarshals from a JSON string or any scalar, keeping its textual
// form.
type FlexString string

func (f *FlexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		*f = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return errors.Wrap(err, "cannot parse flex string")
		}
		*f = FlexString(s)
		return nil
	}
	*f = FlexString(string(data))
	return nil
}

// String returns the plain string value.
func (f FlexString) String() string { return string(f) }
