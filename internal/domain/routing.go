package domain

// platformRoutes collapses submission platforms into queue-prefix platforms.
// Multiple logical platforms may share one worker cohort.
var platformRoutes = map[string]string{
	"rpa":   "rpa",
	"files": "rpa",
	"user":  "miaobi",
}

// SubmissionPlatforms lists the platform values accepted from callers.
func SubmissionPlatforms() []string {
	out := make([]string, 0, len(platformRoutes))
	for p := range platformRoutes {
		out = append(out, p)
	}
	return out
}

// RoutePlatform maps a submission platform to its queue-key prefix. ok is
// false for unknown platforms.
func RoutePlatform(platform string) (string, bool) {
	prefix, ok := platformRoutes[platform]
	return prefix, ok
}

// ValidDimension reports whether sel is a configured dimension name or "all".
func ValidDimension(sel string) bool {
	if sel == DimensionAll {
		return true
	}
	for _, d := range DefaultDimensions {
		if d == sel {
			return true
		}
	}
	return false
}

// ExpandDimensions resolves a selector to the ordered fan-out list.
func ExpandDimensions(sel string) []string {
	if sel == DimensionAll {
		out := make([]string, len(DefaultDimensions))
		copy(out, DefaultDimensions)
		return out
	}
	return []string{sel}
}
