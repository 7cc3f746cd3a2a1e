package model

import "time"

// UnidentifiedRequest tracks a source address that failed endpoint
// identification, for attack-mitigation logging (spec.md §3, §4.4).
type UnidentifiedRequest struct {
	SourceAddr string
	Count      int
	FirstSeen  time.Time
	LastSeen   time.Time
}
