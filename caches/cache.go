package caches

import "time"

var (
	// DefaultExpiredDuration is how long persistent backends keep an entry
	// past its max-age before it is eligible for removal.
	DefaultExpiredDuration = 24 * time.Hour

	// DefaultExpiredTaskTimer is the default interval of the expired row sweep.
	DefaultExpiredTaskTimer = 10 * time.Minute
)
