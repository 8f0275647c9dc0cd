// Package ratelimit implements the per-key token bucket quota guard that
// protects the ingestion endpoints.
//
// Buckets are refilled lazily from elapsed time when they are touched; no
// background timer runs. Every bucket update is a single atomic
// read-modify-write in the backing Store.
package ratelimit

import (
	"time"
)

// Bucket is the durable state of one key.
type Bucket struct {
	Tokens       int64     `json:"tokens"`
	LastRefillAt time.Time `json:"lastRefillAt"`
}

type Result struct {
	Allowed   bool  `json:"ok"`
	Remaining int64 `json:"remaining"`
}

// Apply runs one consume step against b and returns the bucket to persist.
// A nil b is a first request and starts full.
//
// The refill adds floor(elapsed/interval)*limit tokens and then stamps
// LastRefillAt with now, denied calls included. Callers that keep hitting a
// key faster than interval therefore never see a refill until they pause for
// a whole interval.
func Apply(b *Bucket, limit int64, interval time.Duration, now time.Time) (Bucket, Result) {
	state := Bucket{Tokens: limit, LastRefillAt: now}
	if b != nil {
		state = *b
	}

	elapsed := now.Sub(state.LastRefillAt)
	if elapsed < 0 {
		elapsed = 0
	}
	// any full period refills to the cap, so the multiplication is skipped
	if int64(elapsed/interval) >= 1 {
		state.Tokens = limit
	}
	if state.Tokens > limit {
		state.Tokens = limit
	}
	if state.Tokens < 0 {
		state.Tokens = 0
	}
	state.LastRefillAt = now

	if state.Tokens <= 0 {
		return state, Result{Allowed: false, Remaining: 0}
	}

	state.Tokens--
	return state, Result{Allowed: true, Remaining: state.Tokens}
}
