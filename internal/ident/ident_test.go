package ident

import (
	"strings"
	"testing"
	"time"
)

func TestNextIsStrictlyIncreasing(t *testing.T) {
	var g Generator
	prev := ""
	for i := 0; i < 1000; i++ {
		id := g.Next()
		if id <= prev {
			t.Fatalf("id %q not greater than previous %q (iteration %d)", id, prev, i)
		}
		prev = id
	}
}

func TestNextShape(t *testing.T) {
	var g Generator
	id := g.Next()
	if len(id) != 36 || strings.Count(id, "-") != 4 {
		t.Errorf("Next() = %q, want canonical UUID shape", id)
	}
	// UUIDv7 carries its version in the usual position
	if id[14] != '7' {
		t.Errorf("Next() = %q, want version 7", id)
	}
}

func TestTimestamp(t *testing.T) {
	tests := []struct {
		name string
		in   time.Time
		want string
	}{
		{
			name: "utc with millis",
			in:   time.Date(2025, 6, 1, 12, 30, 45, 123_000_000, time.UTC),
			want: "2025-06-01T12:30:45.123Z",
		},
		{
			name: "zone converted to utc",
			in:   time.Date(2025, 6, 1, 14, 30, 45, 0, time.FixedZone("CEST", 2*3600)),
			want: "2025-06-01T12:30:45.000Z",
		},
		{
			name: "sub-millisecond precision truncated",
			in:   time.Date(2025, 6, 1, 0, 0, 0, 999_999, time.UTC),
			want: "2025-06-01T00:00:00.000Z",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Timestamp(tt.in); got != tt.want {
				t.Errorf("Timestamp() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTimestampOrderMatchesStringOrder(t *testing.T) {
	a := Timestamp(time.Date(2025, 1, 2, 3, 4, 5, 6_000_000, time.UTC))
	b := Timestamp(time.Date(2025, 1, 2, 3, 4, 5, 7_000_000, time.UTC))
	if !(a < b) {
		t.Errorf("expected %q < %q", a, b)
	}
}
