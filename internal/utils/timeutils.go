package utils

import "time"

// MinuteBucket maps a timestamp to its unix-minute bucket index.
func MinuteBucket(t time.Time) int64 {
	return t.Unix() / 60
}

// BucketTime returns the UTC start of a unix-minute bucket.
func BucketTime(minute int64) time.Time {
	return time.Unix(minute*60, 0).UTC()
}
