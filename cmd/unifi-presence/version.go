package main

import (
	_ "embed"
	"strings"
)

//go:embed VERSION
var versionFile string

// version is the release from the VERSION file, or "DEV" when it is blank.
var version = releaseVersion(versionFile)

func releaseVersion(s string) string {
	if v := strings.TrimPrefix(strings.TrimSpace(s), "v"); v != "" {
		return v
	}
	return "DEV"
}
