package provider

import "time"

// Profile mirrors the providers table. ActiveListings counts the provider's
// currently approved listings and is derived at query time.
type Profile struct {
	ID             string
	Name           string
	Verified       bool
	Rating         float64
	ActiveListings int
	CreatedAt      time.Time
}
