package ident

import "time"

// stampLayout is ISO-8601 UTC with millisecond precision. Every timestamp in
// the oplog and the task table uses this exact shape so that string comparison
// and chronological comparison agree.
const stampLayout = "2006-01-02T15:04:05.000Z"

// Timestamp renders t as an ISO-8601 UTC string with millisecond precision.
func Timestamp(t time.Time) string {
	return t.UTC().Format(stampLayout)
}

// Now returns the current wall-clock time as an oplog timestamp.
func Now() string {
	return Timestamp(time.Now())
}
