// Package matrix computes the CI fan-out for GenAI component charts and services.
//
// A matrix is the list of {value_file, hardware} pairs that the CI platform expands into
// parallel jobs. It is derived either from the value files present in a chart directory or
// from the set of files changed by a pull request.
package matrix

import (
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"path"
	"sort"
	"strings"

	"github.com/savaki/opea-comps/internal/errors"
)

// Hardware identifies the accelerator family a value file targets
type Hardware string

const (
	Xeon  Hardware = "xeon"
	Gaudi Hardware = "gaudi"
	NV    Hardware = "nv"
	ROCm  Hardware = "rocm"
)

// ParseHardware validates a hardware name
func ParseHardware(s string) (Hardware, error) {
	switch h := Hardware(strings.ToLower(strings.TrimSpace(s))); h {
	case Xeon, Gaudi, NV, ROCm:
		return h, nil
	default:
		return "", fmt.Errorf("%w: %q", errors.ErrUnknownHardware, s)
	}
}

// Classify maps a value file name to the hardware it deploys on.
// Matching is by substring on the base name; anything unrecognized runs on xeon.
func Classify(file string) Hardware {
	name := path.Base(file)
	switch {
	case strings.Contains(name, "gaudi"):
		return Gaudi
	case strings.Contains(name, "nv"):
		return NV
	case strings.Contains(name, "rocm"):
		return ROCm
	default:
		return Xeon
	}
}

// Entry is a single CI job
type Entry struct {
	ValueFile string   `json:"value_file"`
	Hardware  Hardware `json:"hardware"`
}

// Matrix is the GitHub Actions matrix document
type Matrix struct {
	Include []Entry `json:"include"`
}

// MarshalJSON always writes include as an array; the CI platform rejects a null include
func (m Matrix) MarshalJSON() ([]byte, error) {
	type plain Matrix
	if m.Include == nil {
		m.Include = []Entry{}
	}
	return json.Marshal(plain(m))
}

// Len returns the number of jobs
func (m Matrix) Len() int {
	return len(m.Include)
}

// Encode writes the matrix as compact JSON
func (m Matrix) Encode(w io.Writer) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal matrix: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write matrix: %w", err)
	}
	return nil
}

// Filter keeps the entries accepted by fn
func (m Matrix) Filter(fn func(Entry) bool) Matrix {
	var out []Entry
	for _, e := range m.Include {
		if fn(e) {
			out = append(out, e)
		}
	}
	return Matrix{Include: out}
}

// OnHardware keeps the entries running on one of the given hardware families.
// An empty list keeps everything.
func (m Matrix) OnHardware(hardware ...Hardware) Matrix {
	if len(hardware) == 0 {
		return m
	}
	allowed := make(map[Hardware]bool, len(hardware))
	for _, h := range hardware {
		allowed[h] = true
	}
	return m.Filter(func(e Entry) bool { return allowed[e.Hardware] })
}

// IsValueFile reports whether name is a helm values file (values.yaml, gaudi-values.yaml, ...)
func IsValueFile(name string) bool {
	return strings.HasSuffix(path.Base(name), "values.yaml")
}

// ValueFiles lists the value files directly inside chartDir, sorted by name
func ValueFiles(fsys fs.FS, chartDir string) ([]string, error) {
	entries, err := fs.ReadDir(fsys, chartDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read chart dir %s: %w", chartDir, err)
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() || !IsValueFile(entry.Name()) {
			continue
		}
		files = append(files, entry.Name())
	}
	sort.Strings(files)
	return files, nil
}

// FromValueFiles builds a matrix with one entry per value file
func FromValueFiles(files []string) Matrix {
	var b builder
	for _, f := range files {
		b.add(Entry{ValueFile: path.Base(f), Hardware: Classify(f)})
	}
	return b.matrix()
}

// FromDir builds a matrix covering every value file in chartDir
func FromDir(fsys fs.FS, chartDir string) (Matrix, error) {
	files, err := ValueFiles(fsys, chartDir)
	if err != nil {
		return Matrix{}, err
	}
	if len(files) == 0 {
		return Matrix{}, fmt.Errorf("%w: %s", errors.ErrNoValueFiles, chartDir)
	}
	return FromValueFiles(files), nil
}

// FromChanges builds a matrix from the files changed in a pull request.
//
// A changed value file selects itself. Any other change inside chartDir (templates,
// Chart.yaml, helpers) can affect every deployment, so it selects all value files.
// Changes outside chartDir select nothing.
func FromChanges(changed []string, chartDir string, all []string) Matrix {
	prefix := strings.TrimSuffix(path.Clean(chartDir), "/") + "/"

	var b builder
	for _, file := range changed {
		file = path.Clean(strings.TrimSpace(file))
		if !strings.HasPrefix(file, prefix) {
			continue
		}
		rel := strings.TrimPrefix(file, prefix)
		if !strings.Contains(rel, "/") && IsValueFile(rel) {
			b.add(Entry{ValueFile: rel, Hardware: Classify(rel)})
			continue
		}
		for _, f := range all {
			b.add(Entry{ValueFile: path.Base(f), Hardware: Classify(f)})
		}
	}
	return b.matrix()
}

// builder accumulates entries, dropping duplicates while keeping first-seen order
type builder struct {
	seen    map[Entry]struct{}
	entries []Entry
}

func (b *builder) add(e Entry) {
	if b.seen == nil {
		b.seen = map[Entry]struct{}{}
	}
	if _, ok := b.seen[e]; ok {
		return
	}
	b.seen[e] = struct{}{}
	b.entries = append(b.entries, e)
}

func (b *builder) matrix() Matrix {
	return Matrix{Include: b.entries}
}
