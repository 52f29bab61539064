package version

import (
	_ "embed"
	"strings"
)

//go:embed VERSION
var raw string

// String returns the embedded release version, or "dev" for unversioned builds.
func String() string {
	v := strings.TrimSpace(raw)
	if v == "" {
		return "dev"
	}
	return v
}
