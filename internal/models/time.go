package models

import "time"

// IST is India Standard Time. The zone has no daylight saving so a fixed offset is exact.
var IST = time.FixedZone("IST", 5*60*60+30*60)

// RetentionPeriod is how long a record lives in the keyed store before TTL expiry.
const RetentionPeriod = 14 * 24 * time.Hour

// ExpiryAt returns the ttl attribute for a record written at now.
func ExpiryAt(now time.Time) int64 {
	return now.Unix() + int64(RetentionPeriod/time.Second)
}

// StampTimes fills the timestamp fields of r from t. The sort key is the IST rendering.
func (r *Record) StampTimes(t time.Time) {
	r.TimestampUTC = t.UTC().Format(time.RFC3339)
	r.TimestampIST = t.In(IST).Format(time.RFC3339)
	r.TimestampEpoch = t.Unix()
	r.Timestamp = r.TimestampIST
}
