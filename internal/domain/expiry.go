// Package domain expiry.go contains token lifetime arithmetic shared by the
// refresh paths. The cache itself never interprets expiry.
package domain

import "time"

// TokenExpiry returns the absolute expiry of a token obtained at obtainedAt
// with a lifetime of expiresIn seconds. A non-positive lifetime yields the
// zero time, meaning "unknown / never expires".
func TokenExpiry(obtainedAt time.Time, expiresIn int64) time.Time {
	if expiresIn <= 0 || obtainedAt.IsZero() {
		return time.Time{}
	}
	return obtainedAt.Add(time.Duration(expiresIn) * time.Second)
}

// NeedsRefresh reports whether a token expiring at expiresAt should be
// refreshed at now, given a safety skew. Zero expiry never needs refresh.
func NeedsRefresh(expiresAt, now time.Time, skew time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}
	return !now.Add(skew).Before(expiresAt)
}

// ClampSkew returns skew constrained to the inclusive range [minSkew, maxSkew].
func ClampSkew(skew, minSkew, maxSkew time.Duration) time.Duration {
	if skew < minSkew {
		return minSkew
	}
	if skew > maxSkew {
		return maxSkew
	}
	return skew
}
