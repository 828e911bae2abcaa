// Package config loads the pipeline daemon configuration from YAML files.
package config

import (
	"context"
	"fmt"
	"io/fs"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dsa110/contimg/internal/model"
)

// Pipeline is the validated daemon configuration.
type Pipeline struct {
	InputDir          string
	OutputDir         string
	ExpectedMembers   int
	Tolerance         time.Duration
	CollectionTimeout time.Duration
	AcceptLateMembers bool
	MaxRetries        int
	Workers           int
	PollInterval      time.Duration
	LeaseDuration     time.Duration
	GroupLease        time.Duration
	MaxAttempts       int
	SkipMosaic        bool
	HalfWindow        time.Duration
	FreshWindow       time.Duration
	StageCommands     map[model.Stage][]string
	StageTimeout      time.Duration
	StageTimeouts     map[model.Stage]time.Duration
}

// YAMLRepository loads pipeline configuration from YAML files.
type YAMLRepository struct {
	fs fs.FS
}

// NewYAMLRepository creates a new YAML config repository.
func NewYAMLRepository(filesystem fs.FS) *YAMLRepository {
	return &YAMLRepository{fs: filesystem}
}

// GetPipeline loads a pipeline configuration from a YAML file and returns a
// validated configuration with defaults applied.
func (r *YAMLRepository) GetPipeline(ctx context.Context, path string) (Pipeline, error) {
	data, err := fs.ReadFile(r.fs, path)
	if err != nil {
		return Pipeline{}, fmt.Errorf("reading config file: %w", err)
	}

	if ctx.Err() != nil {
		return Pipeline{}, ctx.Err()
	}

	var cfg pipelineYAML
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Pipeline{}, fmt.Errorf("parsing YAML: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return Pipeline{}, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg.toModel()
}

// pipelineYAML is the YAML structure for the pipeline configuration.
type pipelineYAML struct {
	InputDir  string      `yaml:"input_dir"`
	OutputDir string      `yaml:"output_dir"`
	Ingest    ingestYAML  `yaml:"ingest"`
	Workers   workersYAML `yaml:"workers"`
	Cal       calYAML     `yaml:"calibration"`
	Stages    stagesYAML  `yaml:"stages"`
}

type ingestYAML struct {
	ExpectedMembers   int    `yaml:"expected_members"`
	Tolerance         string `yaml:"tolerance"`
	CollectionTimeout string `yaml:"collection_timeout"`
	AcceptLateMembers bool   `yaml:"accept_late_members"`
	MaxRetries        *int   `yaml:"max_retries"`
}

type workersYAML struct {
	Count         int    `yaml:"count"`
	PollInterval  string `yaml:"poll_interval"`
	LeaseDuration string `yaml:"lease_duration"`
	GroupLease    string `yaml:"group_lease"`
	MaxAttempts   *int   `yaml:"max_attempts"`
}

type calYAML struct {
	HalfWindow  string `yaml:"half_window"`
	FreshWindow string `yaml:"fresh_window"`
}

type stagesYAML struct {
	SkipMosaic bool                `yaml:"skip_mosaic"`
	Timeout    string              `yaml:"timeout"`
	Commands   map[string][]string `yaml:"commands"`
	Timeouts   map[string]string   `yaml:"timeouts"`
}

var runnableStages = []model.Stage{model.StageConvert, model.StageCalibrate, model.StageImage, model.StageMosaic}

func (c *pipelineYAML) validate() error {
	if c.InputDir == "" {
		return fmt.Errorf("input_dir is required")
	}
	if c.OutputDir == "" {
		return fmt.Errorf("output_dir is required")
	}
	if len(c.Stages.Commands) == 0 {
		return fmt.Errorf("stages.commands is required")
	}
	for name, cmd := range c.Stages.Commands {
		if !isRunnableStage(name) {
			return fmt.Errorf("stages.commands: unknown stage %q", name)
		}
		if len(cmd) == 0 {
			return fmt.Errorf("stages.commands: command for %q is empty", name)
		}
	}
	for name := range c.Stages.Timeouts {
		if !isRunnableStage(name) {
			return fmt.Errorf("stages.timeouts: unknown stage %q", name)
		}
	}
	for _, stage := range runnableStages {
		if stage == model.StageMosaic && c.Stages.SkipMosaic {
			continue
		}
		if _, ok := c.Stages.Commands[string(stage)]; !ok {
			return fmt.Errorf("stages.commands: missing command for %q", stage)
		}
	}
	return nil
}

func (c *pipelineYAML) toModel() (Pipeline, error) {
	p := Pipeline{
		InputDir:          c.InputDir,
		OutputDir:         c.OutputDir,
		ExpectedMembers:   c.Ingest.ExpectedMembers,
		AcceptLateMembers: c.Ingest.AcceptLateMembers,
		MaxRetries:        3,
		Workers:           c.Workers.Count,
		MaxAttempts:       3,
		SkipMosaic:        c.Stages.SkipMosaic,
		StageCommands:     map[model.Stage][]string{},
		StageTimeouts:     map[model.Stage]time.Duration{},
	}
	if c.Ingest.MaxRetries != nil {
		p.MaxRetries = *c.Ingest.MaxRetries
	}
	if c.Workers.MaxAttempts != nil {
		p.MaxAttempts = *c.Workers.MaxAttempts
	}

	durations := []struct {
		field string
		raw   string
		dst   *time.Duration
		def   time.Duration
	}{
		{"ingest.tolerance", c.Ingest.Tolerance, &p.Tolerance, 60 * time.Second},
		{"ingest.collection_timeout", c.Ingest.CollectionTimeout, &p.CollectionTimeout, 20 * time.Minute},
		{"workers.poll_interval", c.Workers.PollInterval, &p.PollInterval, 5 * time.Second},
		{"workers.lease_duration", c.Workers.LeaseDuration, &p.LeaseDuration, 2 * time.Minute},
		{"workers.group_lease", c.Workers.GroupLease, &p.GroupLease, 10 * time.Minute},
		{"calibration.half_window", c.Cal.HalfWindow, &p.HalfWindow, 30 * time.Minute},
		{"calibration.fresh_window", c.Cal.FreshWindow, &p.FreshWindow, 12 * time.Hour},
		{"stages.timeout", c.Stages.Timeout, &p.StageTimeout, 30 * time.Minute},
	}
	for _, d := range durations {
		if d.raw == "" {
			*d.dst = d.def
			continue
		}
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			return Pipeline{}, fmt.Errorf("%s: %w", d.field, err)
		}
		*d.dst = parsed
	}

	for name, cmd := range c.Stages.Commands {
		p.StageCommands[model.Stage(name)] = cmd
	}
	for name, raw := range c.Stages.Timeouts {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return Pipeline{}, fmt.Errorf("stages.timeouts[%s]: %w", name, err)
		}
		p.StageTimeouts[model.Stage(name)] = parsed
	}

	return p, nil
}

func isRunnableStage(name string) bool {
	for _, stage := range runnableStages {
		if string(stage) == name {
			return true
		}
	}
	return false
}
