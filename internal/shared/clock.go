package shared

import (
	"time"

	"github.com/google/uuid"
)

// UnixNow returns the current time as float unix seconds, the timestamp
// representation used on the wire and in the store.
func UnixNow() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

// DayBucket derives the YYYYMMDD partition key for a float unix timestamp
// in the server's local timezone.
func DayBucket(ts float64) string {
	sec := int64(ts)
	nsec := int64((ts - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).Local().Format("20060102")
}

// DayBucketNow returns today's partition key.
func DayBucketNow() string {
	return time.Now().Local().Format("20060102")
}

// FromUnix converts a float unix timestamp to a time.Time in the local zone.
func FromUnix(ts float64) time.Time {
	sec := int64(ts)
	nsec := int64((ts - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).Local()
}

// NewID returns a fresh UUID string for session and message identifiers.
func NewID() string {
	return uuid.New().String()
}

// ValidID reports whether s parses as a UUID.
func ValidID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
