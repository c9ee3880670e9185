package contracts

import (
	"fmt"
	"runtime"
)

const (
	// Version is the release of the licensing core.
	Version = "1.0.0"

	// LicenseFormat identifies the signed license document layout.
	LicenseFormat = "ed25519-canonical-json/v1"

	// APIVersion covers the HTTP routes and websocket messages.
	APIVersion = "v1"
)

// Stamped at link time:
//
//	go build -ldflags "-X licensecore/pkg/contracts.GitCommit=$(git rev-parse --short HEAD)"
var (
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// VersionInfo is served by /api/version.
type VersionInfo struct {
	Version       string `json:"version"`
	LicenseFormat string `json:"license_format"`
	APIVersion    string `json:"api_version"`
	BuildTime     string `json:"build_time"`
	GitCommit     string `json:"git_commit"`
	GoVersion     string `json:"go_version"`
	Platform      string `json:"platform"`
}

func GetVersionInfo() VersionInfo {
	return VersionInfo{
		Version:       Version,
		LicenseFormat: LicenseFormat,
		APIVersion:    APIVersion,
		BuildTime:     BuildTime,
		GitCommit:     GitCommit,
		GoVersion:     runtime.Version(),
		Platform:      runtime.GOOS + "/" + runtime.GOARCH,
	}
}

// GetFullVersionString renders the version for --version output and the
// startup log line.
func GetFullVersionString() string {
	info := GetVersionInfo()
	return fmt.Sprintf("licensecore v%s (commit %s, built %s, %s %s)",
		info.Version, info.GitCommit, info.BuildTime, info.GoVersion, info.Platform)
}
