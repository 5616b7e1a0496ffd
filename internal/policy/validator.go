// Package policy admits matrix entries into CI with a rego policy.
package policy

import (
	"context"
	_ "embed"
	"fmt"
	"sort"

	"github.com/open-policy-agent/opa/rego"
	"github.com/open-policy-agent/opa/storage/inmem"
	"github.com/savaki/opea-comps/internal/matrix"
)

//go:embed matrix.rego
var policyContent string

const query = "allow := data.matrix.allow; violations := data.matrix.violations"

// Data is the CI configuration the policy evaluates entries against
type Data struct {
	AllowedHardware []string `json:"allowed_hardware"`
	Deprecated      []string `json:"deprecated"`
	SkipValueFiles  []string `json:"skip_value_files"`
}

func (d Data) object() map[string]interface{} {
	return map[string]interface{}{
		"allowed_hardware": toInterfaces(d.AllowedHardware),
		"deprecated":       toInterfaces(d.Deprecated),
		"skip_value_files": toInterfaces(d.SkipValueFiles),
	}
}

type Validator struct{}

type ValidationResult struct {
	Allowed    bool     `json:"allowed"`
	Violations []string `json:"violations,omitempty"`
}

// NewValidator checks that the embedded policy compiles
func NewValidator() (*Validator, error) {
	v := &Validator{}
	if _, err := v.prepare(context.Background(), Data{}); err != nil {
		return nil, err
	}
	return v, nil
}

// prepare binds the policy to data; the prepared query evaluates any number of entries
func (v *Validator) prepare(ctx context.Context, data Data) (rego.PreparedEvalQuery, error) {
	prepared, err := rego.New(
		rego.Query(query),
		rego.Module("matrix.rego", policyContent),
		rego.Store(inmem.NewFromObject(data.object())),
	).PrepareForEval(ctx)
	if err != nil {
		return rego.PreparedEvalQuery{}, fmt.Errorf("failed to prepare policy query: %w", err)
	}
	return prepared, nil
}

// ValidateEntry decides whether a matrix entry for service may run in CI
func (v *Validator) ValidateEntry(ctx context.Context, entry matrix.Entry, service string, data Data) (*ValidationResult, error) {
	prepared, err := v.prepare(ctx, data)
	if err != nil {
		return nil, err
	}
	return evaluate(ctx, prepared, entry, service)
}

// Admit filters a matrix down to the entries the policy allows.
// Rejected entries are returned with their violations.
func (v *Validator) Admit(ctx context.Context, m matrix.Matrix, service string, data Data) (matrix.Matrix, map[matrix.Entry][]string, error) {
	prepared, err := v.prepare(ctx, data)
	if err != nil {
		return matrix.Matrix{}, nil, err
	}

	var (
		admitted []matrix.Entry
		rejected = map[matrix.Entry][]string{}
	)
	for _, entry := range m.Include {
		result, err := evaluate(ctx, prepared, entry, service)
		if err != nil {
			return matrix.Matrix{}, nil, err
		}
		if !result.Allowed {
			rejected[entry] = result.Violations
			continue
		}
		admitted = append(admitted, entry)
	}
	return matrix.Matrix{Include: admitted}, rejected, nil
}

func evaluate(ctx context.Context, prepared rego.PreparedEvalQuery, entry matrix.Entry, service string) (*ValidationResult, error) {
	input := map[string]interface{}{
		"service":    service,
		"value_file": entry.ValueFile,
		"hardware":   string(entry.Hardware),
	}

	results, err := prepared.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate policy: %w", err)
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("policy returned no result for %s", entry.ValueFile)
	}

	allowed, _ := results[0].Bindings["allow"].(bool)
	result := &ValidationResult{Allowed: allowed}
	if allowed {
		return result, nil
	}

	// sets come back as arrays
	if items, ok := results[0].Bindings["violations"].([]interface{}); ok {
		for _, item := range items {
			if s, ok := item.(string); ok {
				result.Violations = append(result.Violations, s)
			}
		}
	}
	if len(result.Violations) == 0 {
		result.Violations = []string{"unknown policy violation"}
	}
	sort.Strings(result.Violations)
	return result, nil
}

func toInterfaces(ss []string) []interface{} {
	out := make([]interface{}, 0, len(ss))
	for _, s := range ss {
		out = append(out, s)
	}
	return out
}
