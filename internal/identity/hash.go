// Package identity derives a stable device id from client-supplied
// identification material, per spec §4.1. There is no third-party hashing
// library in the example corpus that implements Java's 32-bit string
// hashCode algorithm (this is a deliberately non-cryptographic, collision-
// tolerant scheme, not a security primitive), so it is hand-written here —
// see DESIGN.md for the standard-library justification.
package identity

import (
	"regexp"
	"strconv"
	"strings"
)

var mobileSafariUA = regexp.MustCompile(`(?i)iPhone|iPad|iPod`)

// IsMobileSafari reports whether a User-Agent string matches the mobile
// Safari/WebKit family that spec §4.1 and §4.3 special-case.
func IsMobileSafari(userAgent string) bool {
	return mobileSafariUA.MatchString(userAgent)
}

// Input bundles the identification material available at connect time.
type Input struct {
	UserAgent      string
	RemoteAddr     string
	AcceptLanguage string
}

// Derive returns a stable device id: "ios-<base36>" for mobile Safari
// clients (address excluded from the seed, since mobile IPs churn across
// cellular/Wi-Fi), or "device-<base36>" for everyone else.
func Derive(in Input) string {
	mobile := IsMobileSafari(in.UserAgent)

	var seed strings.Builder
	seed.WriteString(in.UserAgent)
	seed.WriteByte('|')
	if !mobile {
		seed.WriteString(in.RemoteAddr)
		seed.WriteByte('|')
	}
	seed.WriteString(in.AcceptLanguage)

	h := javaStringHash(seed.String())
	encoded := strconv.FormatUint(uint64(h), 36)
	if mobile {
		return "ios-" + encoded
	}
	return "device-" + encoded
}

// javaStringHash reproduces Java's String.hashCode(): a 32-bit rolling hash
// h[i] = h[i-1]*31 + c, computed here in unsigned 32-bit arithmetic so the
// result is deterministic and reproducible across platforms regardless of
// Go's signed-int overflow rules.
func javaStringHash(s string) uint32 {
	var h uint32
	for _, r := range s {
		h = h*31 + uint32(r)
	}
	return h
}
