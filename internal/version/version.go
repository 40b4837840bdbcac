// Package version parses, compares and selects runtime and tool versions.
package version

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// Tuple is a dotted version broken into integer components.
type Tuple []int

var ansiRE = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]`)

// Normalize trims whitespace and a leading "v".
func Normalize(raw string) string {
	return strings.TrimPrefix(strings.TrimSpace(raw), "v")
}

// ParseTuple splits a dotted version. Each segment contributes its leading
// digits; segments without leading digits are dropped.
func ParseTuple(raw string) Tuple {
	s := Normalize(raw)
	if s == "" {
		return nil
	}
	var out Tuple
	for _, seg := range strings.Split(s, ".") {
		end := 0
		for end < len(seg) && seg[end] >= '0' && seg[end] <= '9' {
			end++
		}
		if end == 0 {
			continue
		}
		n, err := strconv.Atoi(seg[:end])
		if err != nil {
			continue
		}
		out = append(out, n)
	}
	return out
}

// Compare orders two tuples lexicographically, missing trailing components
// counting as zero.
func Compare(a, b Tuple) int {
	n := len(a)
	if len(b) > n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		var x, y int
		if i < len(a) {
			x = a[i]
		}
		if i < len(b) {
			y = b[i]
		}
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		}
	}
	return 0
}

// IsNewer reports whether latest is strictly newer than installed.
func IsNewer(installed, latest string) bool {
	return Compare(ParseTuple(latest), ParseTuple(installed)) > 0
}

// Major returns the first component, ok=false when there is none.
func Major(raw string) (int, bool) {
	t := ParseTuple(raw)
	if len(t) == 0 {
		return 0, false
	}
	return t[0], true
}

// MeetsMinimum reports whether the major component is at least min.
func MeetsMinimum(raw string, min int) bool {
	m, ok := Major(raw)
	return ok && m >= min
}

// Equal compares normalized version strings.
func Equal(a, b string) bool {
	return Normalize(a) == Normalize(b)
}

// IsStable accepts only well-formed major.minor.patch versions with no
// pre-release suffix and major >= min.
func IsStable(raw string, min int) bool {
	v, err := semver.StrictNewVersion(Normalize(raw))
	if err != nil {
		return false
	}
	if v.Prerelease() != "" || v.Metadata() != "" {
		return false
	}
	return v.Major() >= uint64(min)
}

// ParseFromOutput extracts the first version-looking token from command
// output. ANSI escapes are stripped and surrounding punctuation is ignored.
func ParseFromOutput(out string) (string, bool) {
	clean := ansiRE.ReplaceAllString(out, "")
	for _, tok := range strings.Fields(clean) {
		tok = strings.TrimFunc(tok, func(r rune) bool {
			return !(r >= '0' && r <= '9' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r == '.')
		})
		tok = strings.TrimPrefix(strings.TrimPrefix(tok, "v"), "V")
		if tok == "" || !strings.Contains(tok, ".") {
			continue
		}
		ok := true
		for _, r := range tok {
			if (r < '0' || r > '9') && r != '.' {
				ok = false
				break
			}
		}
		if ok {
			return tok, true
		}
	}
	return "", false
}
