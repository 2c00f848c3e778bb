package stream

import (
	"strconv"
	"time"
)

// Attribute is the typed wrapper used on the change stream: exactly one of
// S, N or BOOL is set. Numbers travel as strings, the way the upstream
// store serializes them.
type Attribute struct {
	S    *string `json:"S,omitempty"`
	N    *string `json:"N,omitempty"`
	BOOL *bool   `json:"BOOL,omitempty"`
}

// Image is a snapshot of a record's fields as delivered on the change
// stream. Business logic never touches Attribute directly; the typed
// accessors below unwrap it at the boundary.
//
// All accessors return (value, ok) so that an absent field, an explicit
// false and an explicit zero stay distinguishable.
type Image map[string]Attribute

// String returns the string value of a field, or ok=false if the field is
// absent or not a string.
func (img Image) String(name string) (string, bool) {
	attr, ok := img[name]
	if !ok || attr.S == nil {
		return "", false
	}
	return *attr.S, true
}

// Int returns the numeric value of a field as an int.
func (img Image) Int(name string) (int, bool) {
	attr, ok := img[name]
	if !ok || attr.N == nil {
		return 0, false
	}
	n, err := strconv.Atoi(*attr.N)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Int64 returns the numeric value of a field as an int64.
func (img Image) Int64(name string) (int64, bool) {
	attr, ok := img[name]
	if !ok || attr.N == nil {
		return 0, false
	}
	n, err := strconv.ParseInt(*attr.N, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Bool returns the boolean value of a field. A wrapped false is present.
func (img Image) Bool(name string) (bool, bool) {
	attr, ok := img[name]
	if !ok || attr.BOOL == nil {
		return false, false
	}
	return *attr.BOOL, true
}

// Time interprets a numeric field as Unix seconds.
func (img Image) Time(name string) (time.Time, bool) {
	n, ok := img.Int64(name)
	if !ok {
		return time.Time{}, false
	}
	return time.Unix(n, 0).UTC(), true
}

// Builders used by the storage layer when appending to the change feed.

func StringAttr(s string) Attribute {
	return Attribute{S: &s}
}

func IntAttr(n int64) Attribute {
	s := strconv.FormatInt(n, 10)
	return Attribute{N: &s}
}

func BoolAttr(b bool) Attribute {
	return Attribute{BOOL: &b}
}

func TimeAttr(t time.Time) Attribute {
	return IntAttr(t.Unix())
}
