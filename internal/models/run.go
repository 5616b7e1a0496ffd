package models

import (
	"time"

	"github.com/savaki/opea-comps/internal/smoke"
)

// HelmInput describes one helm e2e run of a chart value file
type HelmInput struct {
	Service        string            `json:"service"`         // component the chart deploys
	Chart          string            `json:"chart"`           // chart name, used for naming and leasing
	ChartRef       string            `json:"chart_ref"`       // path or oci:// reference passed to helm
	Version        string            `json:"version,omitempty"`
	Hardware       string            `json:"hardware"`
	ValueFile      string            `json:"value_file"`
	ImageTag       string            `json:"image_tag,omitempty"`
	Set            map[string]string `json:"set,omitempty"`
	InstallTimeout time.Duration     `json:"install_timeout,omitempty"`
	TestTimeout    time.Duration     `json:"test_timeout,omitempty"`
	DeleteTimeout  time.Duration     `json:"delete_timeout,omitempty"`
}

// ComposeInput describes one compose e2e run
type ComposeInput struct {
	File     string        `json:"file"`
	Project  string        `json:"project"`
	Services []string      `json:"services,omitempty"` // empty starts every service
	Env      []string      `json:"env,omitempty"`      // KEY=VALUE pairs for docker compose
	Checks   []smoke.Check `json:"checks"`
}
