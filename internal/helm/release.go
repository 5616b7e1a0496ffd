package helm

import (
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/segmentio/ksuid"
)

// maxNameLength is the longest release name helm accepts
const maxNameLength = 53

const (
	DefaultInstallTimeout = 900 * time.Second
	DefaultTestTimeout    = 600 * time.Second
	DefaultDeleteTimeout  = 120 * time.Second
	DefaultFailureMarker  = "FAILED"
)

var invalidNameChars = regexp.MustCompile(`[^a-z0-9-]+`)

// Release describes one ephemeral chart deployment.
// Namespace and Name are unique per run so parallel jobs never collide.
type Release struct {
	Name           string
	Namespace      string
	Chart          string // chart reference passed to helm install (path or oci://...)
	Version        string
	ValueFile      string
	Set            map[string]string
	InstallTimeout time.Duration
	TestTimeout    time.Duration
	DeleteTimeout  time.Duration
}

// NewRelease creates a release for chartName with a random namespace and timestamped name
func NewRelease(chartName, chartRef, valueFile string, now time.Time) Release {
	base := sanitize(chartName)
	id := ksuid.New()
	suffix := hex.EncodeToString(id.Payload()[:4])

	return Release{
		Name:           join(base, now.Format("02150405")),
		Namespace:      join(base, suffix),
		Chart:          chartRef,
		ValueFile:      valueFile,
		InstallTimeout: DefaultInstallTimeout,
		TestTimeout:    DefaultTestTimeout,
		DeleteTimeout:  DefaultDeleteTimeout,
	}
}

func sanitize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, "_", "-")
	s = invalidNameChars.ReplaceAllString(s, "")
	s = strings.Trim(s, "-")
	if s == "" {
		return "release"
	}
	return s
}

// join appends the unique suffix to base, shortening base so the result fits helm's limit
func join(base, suffix string) string {
	if room := maxNameLength - len(suffix) - 1; len(base) > room {
		base = strings.TrimRight(base[:room], "-")
	}
	return base + "-" + suffix
}

func seconds(d time.Duration) string {
	return fmt.Sprintf("%ds", int(d.Seconds()))
}
