package utils

import "time"

// NowRFC3339 returns the current time in RFC3339 format, the timestamp
// shape used in API responses and stored records.
func NowRFC3339() string {
	return time.Now().Format(time.RFC3339)
}
