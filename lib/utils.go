package lib

import (
	"math"
	"math/rand"
	"net"
	"slices"
	"strings"
	"time"
)

func median(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	s := slices.Clone(samples)
	slices.Sort(s)
	mid := len(s) / 2
	if len(s)%2 == 1 {
		return s[mid]
	}
	return (s[mid-1] + s[mid]) / 2
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(math.Max(v, lo), hi)
}

// plausiblePublicEndpoint reports whether an address a peer claims to have
// seen us at could be our public address. Reports relayed over a connection
// to "localhost" are never trusted.
func plausiblePublicEndpoint(reported Endpoint, remoteAddress string) bool {
	if reported.Address == "" || reported.Port <= 0 {
		return false
	}
	if strings.HasPrefix(reported.Address, "127.0.0") || strings.HasPrefix(reported.Address, "0.") {
		return false
	}
	if ip := net.ParseIP(reported.Address); ip != nil && (ip.IsLoopback() || ip.IsUnspecified()) {
		return false
	}
	return remoteAddress != "localhost"
}

// CalculateBackoffDuration is initial * multiplier^retry, capped at max.
func CalculateBackoffDuration(retry int, initial, max time.Duration, multiplier float64) time.Duration {
	backoff := time.Duration(float64(initial) * math.Pow(multiplier, float64(retry)))
	if backoff > max || backoff <= 0 {
		backoff = max
	}
	return backoff
}

// withJitter spreads d by up to ±fraction.
func withJitter(d time.Duration, fraction float64) time.Duration {
	jitter := time.Duration(float64(d) * fraction * (2*rand.Float64() - 1.0))
	return d + jitter
}
