package matrix

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"github.com/savaki/opea-comps/internal/errors"
)

// nonServiceDirs are top-level directories under the components root that hold shared code
var nonServiceDirs = map[string]bool{
	"cores":     true,
	"version":   true,
	"__init__":  true,
	"templates": true,
}

// ChangedServices returns the sorted, unique service names touched by the changed files.
// A service is the first path element below root; files directly in root and shared
// directories are ignored, as are deprecated services.
func ChangedServices(changed []string, root string, deprecated []string) []string {
	prefix := strings.TrimSuffix(path.Clean(root), "/") + "/"

	skip := make(map[string]bool, len(deprecated))
	for _, d := range deprecated {
		skip[strings.TrimSpace(d)] = true
	}

	set := map[string]struct{}{}
	for _, file := range changed {
		file = path.Clean(strings.TrimSpace(file))
		if !strings.HasPrefix(file, prefix) {
			continue
		}
		rel := strings.TrimPrefix(file, prefix)
		service, _, nested := strings.Cut(rel, "/")
		if !nested || service == "" || nonServiceDirs[service] || skip[service] {
			continue
		}
		set[service] = struct{}{}
	}

	services := make([]string, 0, len(set))
	for s := range set {
		services = append(services, s)
	}
	sort.Strings(services)
	return services
}

// ComposeTest is a compose-based e2e test script for one service implementation
type ComposeTest struct {
	Service  string   `json:"service"`
	Script   string   `json:"script"`
	Hardware Hardware `json:"hardware"`
}

// ComposeTestMatrix is the GitHub Actions matrix of compose tests
type ComposeTestMatrix struct {
	Include []ComposeTest `json:"include"`
}

func (m ComposeTestMatrix) MarshalJSON() ([]byte, error) {
	type plain ComposeTestMatrix
	if m.Include == nil {
		m.Include = []ComposeTest{}
	}
	return json.Marshal(plain(m))
}

// scriptHardware maps the _on_<suffix> of a test script to its hardware family.
// GenAIComps names Gaudi scripts after the device plugin (intel_hpu).
var scriptHardware = map[string]Hardware{
	"xeon":      Xeon,
	"intel_cpu": Xeon,
	"gaudi":     Gaudi,
	"intel_hpu": Gaudi,
	"hpu":       Gaudi,
	"nv":        NV,
	"nvidia":    NV,
	"rocm":      ROCm,
	"amd":       ROCm,
}

// IsTestScript reports whether name looks like test_<...>.sh
func IsTestScript(name string) bool {
	base := path.Base(name)
	return strings.HasPrefix(base, "test_") && strings.HasSuffix(base, ".sh")
}

// ParseTestScript extracts service and hardware from a script name of the form
// test_<service>_<impl>[_on_<hardware>].sh. A missing suffix means xeon; an unrecognized
// suffix returns ErrUnknownHardware.
func ParseTestScript(name string) (service string, hardware Hardware, err error) {
	if !IsTestScript(name) {
		return "", "", fmt.Errorf("not a test script: %s", name)
	}
	stem := strings.TrimSuffix(strings.TrimPrefix(path.Base(name), "test_"), ".sh")

	hardware = Xeon
	if i := strings.LastIndex(stem, "_on_"); i >= 0 {
		suffix := strings.ToLower(stem[i+len("_on_"):])
		h, ok := scriptHardware[suffix]
		if !ok {
			return "", "", fmt.Errorf("%w: %q in %s", errors.ErrUnknownHardware, suffix, path.Base(name))
		}
		hardware = h
		stem = stem[:i]
	}

	service, _, _ = strings.Cut(stem, "_")
	if service == "" {
		return "", "", fmt.Errorf("no service in test script name: %s", name)
	}
	return service, hardware, nil
}

// ComposeTests finds the compose test scripts for the given services under testsDir.
// Scripts live either directly in testsDir or in testsDir/<service>/. Scripts whose names
// cannot be parsed are logged and skipped.
func ComposeTests(ctx context.Context, fsys fs.FS, testsDir string, services []string, hardware ...Hardware) (ComposeTestMatrix, error) {
	wanted := make(map[string]bool, len(services))
	for _, s := range services {
		wanted[s] = true
	}
	allowed := make(map[Hardware]bool, len(hardware))
	for _, h := range hardware {
		allowed[h] = true
	}

	var tests []ComposeTest
	err := fs.WalkDir(fsys, testsDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if !IsTestScript(d.Name()) {
			return nil
		}
		service, hw, err := ParseTestScript(d.Name())
		if err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Str("script", p).Msg("Skipping compose test script")
			return nil
		}
		if len(wanted) > 0 && !wanted[service] {
			return nil
		}
		if len(allowed) > 0 && !allowed[hw] {
			return nil
		}
		tests = append(tests, ComposeTest{Service: service, Script: p, Hardware: hw})
		return nil
	})
	if err != nil {
		return ComposeTestMatrix{}, fmt.Errorf("failed to walk tests dir %s: %w", testsDir, err)
	}

	sort.Slice(tests, func(i, j int) bool { return tests[i].Script < tests[j].Script })
	return ComposeTestMatrix{Include: tests}, nil
}
