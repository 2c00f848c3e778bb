package stream

import (
	"encoding/json"
	"testing"
	"time"
)

func TestImageStringAccessor(t *testing.T) {
	img := Image{
		"name":  StringAttr("MouseKit"),
		"empty": StringAttr(""),
		"count": IntAttr(3),
	}

	if v, ok := img.String("name"); !ok || v != "MouseKit" {
		t.Errorf("expected (MouseKit, true), got (%q, %v)", v, ok)
	}
	// An explicit empty string is present, not absent.
	if v, ok := img.String("empty"); !ok || v != "" {
		t.Errorf("expected (\"\", true), got (%q, %v)", v, ok)
	}
	if _, ok := img.String("missing"); ok {
		t.Error("expected ok=false for absent field")
	}
	// Wrong wrapper type reads as absent.
	if _, ok := img.String("count"); ok {
		t.Error("expected ok=false for numeric field read as string")
	}
}

func TestImageBoolDistinguishesAbsentFromFalse(t *testing.T) {
	img := Image{
		"flagTrue":  BoolAttr(true),
		"flagFalse": BoolAttr(false),
	}

	if v, ok := img.Bool("flagTrue"); !ok || !v {
		t.Errorf("expected (true, true), got (%v, %v)", v, ok)
	}
	v, ok := img.Bool("flagFalse")
	if !ok {
		t.Fatal("explicit false must be present")
	}
	if v {
		t.Error("expected value false")
	}
	if _, ok := img.Bool("missing"); ok {
		t.Error("absent flag must not read as present")
	}
}

func TestImageIntDistinguishesAbsentFromZero(t *testing.T) {
	img := Image{
		"zero":    IntAttr(0),
		"nonzero": IntAttr(42),
		"garbage": {N: strPtr("not-a-number")},
	}

	v, ok := img.Int("zero")
	if !ok {
		t.Fatal("explicit zero must be present")
	}
	if v != 0 {
		t.Errorf("expected 0, got %d", v)
	}
	if v, ok := img.Int("nonzero"); !ok || v != 42 {
		t.Errorf("expected (42, true), got (%d, %v)", v, ok)
	}
	if _, ok := img.Int("missing"); ok {
		t.Error("absent counter must not read as present")
	}
	if _, ok := img.Int("garbage"); ok {
		t.Error("unparseable number must read as absent")
	}
}

func TestImageTimeRoundTrip(t *testing.T) {
	at := time.Date(2026, 3, 15, 9, 30, 0, 0, time.UTC)
	img := Image{"periodEnd": TimeAttr(at)}

	got, ok := img.Time("periodEnd")
	if !ok {
		t.Fatal("expected time field to be present")
	}
	if !got.Equal(at) {
		t.Errorf("expected %v, got %v", at, got)
	}
	if _, ok := img.Time("missing"); ok {
		t.Error("absent time must not read as present")
	}
}

func TestImageJSONRoundTrip(t *testing.T) {
	img := Image{
		"email":             StringAttr("user@example.com"),
		"attemptCount":      IntAttr(2),
		"cancelAtPeriodEnd": BoolAttr(false),
	}

	data, err := json.Marshal(img)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var decoded Image
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}

	if v, ok := decoded.String("email"); !ok || v != "user@example.com" {
		t.Errorf("email lost in round trip: (%q, %v)", v, ok)
	}
	if v, ok := decoded.Int("attemptCount"); !ok || v != 2 {
		t.Errorf("attemptCount lost in round trip: (%d, %v)", v, ok)
	}
	// The wrapped false survives the wire.
	if v, ok := decoded.Bool("cancelAtPeriodEnd"); !ok || v {
		t.Errorf("explicit false lost in round trip: (%v, %v)", v, ok)
	}
}

func strPtr(s string) *string {
	return &s
}
