package geo

import (
	"errors"
	"math"
	"testing"
)

func TestValidateCoordinates(t *testing.T) {
	cases := []struct {
		name       string
		lat, lon   float64
		convertInt bool
		wantLat    float64
		wantLon    float64
		wantErr    bool
	}{
		{name: "normal", lat: 35.5, lon: -120.25, wantLat: 35.5, wantLon: -120.25},
		{name: "null island", lat: 0, lon: 0, wantErr: true},
		{name: "zero lat small lon", lat: 0, lon: 0.0001, wantLat: 0, wantLon: 0.0001},
		{name: "small lat zero lon", lat: 0.0001, lon: 0, wantLat: 0.0001, wantLon: 0},
		{name: "lat too high", lat: 90.1, lon: 0, wantErr: true},
		{name: "lat too low", lat: -90.1, lon: 0, wantErr: true},
		{name: "lon too high", lat: 0, lon: 180.1, wantErr: true},
		{name: "lon too low", lat: 0, lon: -180.1, wantErr: true},
		{name: "lat boundary", lat: 90, lon: 1, wantLat: 90, wantLon: 1},
		{name: "lon boundary", lat: 1, lon: -180, wantLat: 1, wantLon: -180},
		{name: "nan lat", lat: math.NaN(), lon: 0, wantErr: true},
		{name: "nan lon", lat: 0, lon: math.NaN(), wantErr: true},
		{name: "positive inf", lat: math.Inf(1), lon: 0, wantErr: true},
		{name: "negative inf", lat: 0, lon: math.Inf(-1), wantErr: true},
		{name: "scaled int", lat: 355000000, lon: -1202500000, convertInt: true, wantLat: 35.5, wantLon: -120.25},
		{name: "scaled null island", lat: 0, lon: 0, convertInt: true, wantErr: true},
		{name: "scaled out of range", lat: 2000000000, lon: 0, convertInt: true, wantErr: true},
		{name: "unscaled int magnitude", lat: 355000000, lon: 0, wantErr: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			lat, lon, err := ValidateCoordinates(tc.lat, tc.lon, tc.convertInt)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error, got (%v, %v)", lat, lon)
				}
				if !errors.Is(err, ErrInvalidCoordinates) {
					t.Fatalf("error not ErrInvalidCoordinates: %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if lat != tc.wantLat || lon != tc.wantLon {
				t.Fatalf("got (%v, %v), want (%v, %v)", lat, lon, tc.wantLat, tc.wantLon)
			}
		})
	}
}

func TestValidateNodeID(t *testing.T) {
	cases := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{name: "plain hex", in: "deadbeef", want: "deadbeef"},
		{name: "bang prefix", in: "!deadbeef", want: "deadbeef"},
		{name: "uppercase", in: "!DEADBEEF", want: "deadbeef"},
		{name: "single char", in: "a", want: "a"},
		{name: "sixteen chars", in: "0123456789abcdef", want: "0123456789abcdef"},
		{name: "seventeen chars", in: "0123456789abcdef0", wantErr: true},
		{name: "empty", in: "", wantErr: true},
		{name: "bang only", in: "!", wantErr: true},
		{name: "non-hex", in: "!nodename", wantErr: true},
		{name: "embedded space", in: "dead beef", wantErr: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ValidateNodeID(tc.in)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %q", got)
				}
				if !errors.Is(err, ErrInvalidNodeID) {
					t.Fatalf("error not ErrInvalidNodeID: %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Fatalf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestValidateNodeIDPrefixEquivalence(t *testing.T) {
	for _, id := range []string{"a", "ff", "deadbeef", "0123456789abcdef"} {
		plain, err := ValidateNodeID(id)
		if err != nil {
			t.Fatalf("ValidateNodeID(%q): %v", id, err)
		}
		banged, err := ValidateNodeID("!" + id)
		if err != nil {
			t.Fatalf("ValidateNodeID(!%q): %v", id, err)
		}
		if plain != banged {
			t.Fatalf("prefix changed canonical form: %q vs %q", plain, banged)
		}
	}
}

func TestNodeIDNumRoundTrip(t *testing.T) {
	id := NodeIDFromNum(0xdeadbeef)
	if id != "deadbeef" {
		t.Fatalf("NodeIDFromNum = %q", id)
	}
	num, err := NumFromNodeID("!DEADBEEF")
	if err != nil {
		t.Fatalf("NumFromNodeID: %v", err)
	}
	if num != 0xdeadbeef {
		t.Fatalf("NumFromNodeID = %#x", num)
	}
	if _, err := NumFromNodeID("not-hex"); err == nil {
		t.Fatal("expected error for invalid id")
	}

	// Small addresses render zero-padded.
	if got := NodeIDFromNum(0x1a); got != "0000001a" {
		t.Fatalf("NodeIDFromNum(0x1a) = %q", got)
	}
}
