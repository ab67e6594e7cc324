// Package config is the closed, enumerated configuration record the
// orchestrator and its workers read from (spec §6 "Configuration
// (enumerated)"). Every field carries a code default so a missing or
// partial YAML file is never an error.
package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/RealOrko/claude-looper-sub000/supervisor"
)

// rawConfig mirrors Config but carries the two duration fields as strings,
// since yaml.v3 has no built-in support for parsing "2h"-style scalars
// into a time.Duration.
type rawConfig struct {
	MaxFixCycles          int                  `yaml:"maxFixCycles"`
	MaxStepAttempts       int                  `yaml:"maxStepAttempts"`
	VerifyAllOutputs      bool                 `yaml:"verifyAllOutputs"`
	RequireTests          bool                 `yaml:"requireTests"`
	TimeLimit             string               `yaml:"timeLimit"`
	RequirePrePlanReview  bool                 `yaml:"requirePrePlanReview"`
	EnableProgressChecks  bool                 `yaml:"enableProgressChecks"`
	ProgressCheckInterval string               `yaml:"progressCheckInterval"`
	MaxPlanRevisions      int                  `yaml:"maxPlanRevisions"`
	SupervisorThresholds  SupervisorThresholds `yaml:"supervisorThresholds"`
	QualityThresholds     QualityThresholds    `yaml:"qualityThresholds"`
}

// QualityThresholds are the per-GateType score thresholds (spec §6
// "quality thresholds {plan:70, code:60, step:70, goal:80}"), threaded
// into supervisor.New via QualityOptions so a YAML override actually
// changes gate math (domain.NewQualityGateWithThreshold), not just this
// struct's own fields.
type QualityThresholds struct {
	Plan int `yaml:"plan"`
	Code int `yaml:"code"`
	Step int `yaml:"step"`
	Goal int `yaml:"goal"`
}

// SupervisorThresholds are the escalation-ladder consecutive-issue bounds
// (spec §6 "supervisor thresholds {warn:2, intervene:3, critical:4,
// abort:5}").
type SupervisorThresholds struct {
	Warn      int `yaml:"warn"`
	Intervene int `yaml:"intervene"`
	Critical  int `yaml:"critical"`
	Abort     int `yaml:"abort"`
}

// Config is the orchestrator's closed configuration record (spec §6).
type Config struct {
	MaxFixCycles           int                  `yaml:"maxFixCycles"`
	MaxStepAttempts        int                  `yaml:"maxStepAttempts"`
	VerifyAllOutputs       bool                 `yaml:"verifyAllOutputs"`
	RequireTests           bool                 `yaml:"requireTests"`
	TimeLimit              time.Duration        `yaml:"timeLimit"`
	RequirePrePlanReview   bool                 `yaml:"requirePrePlanReview"`
	EnableProgressChecks   bool                 `yaml:"enableProgressChecks"`
	ProgressCheckInterval  time.Duration        `yaml:"progressCheckInterval"`
	MaxPlanRevisions       int                  `yaml:"maxPlanRevisions"`
	SupervisorThresholds   SupervisorThresholds `yaml:"supervisorThresholds"`
	QualityThresholds      QualityThresholds    `yaml:"qualityThresholds"`
}

// Default returns the spec §6 defaults.
func Default() Config {
	return Config{
		MaxFixCycles:          3,
		MaxStepAttempts:       3,
		VerifyAllOutputs:      true,
		RequireTests:          true,
		TimeLimit:             2 * time.Hour,
		RequirePrePlanReview:  true,
		EnableProgressChecks:  true,
		ProgressCheckInterval: 60 * time.Second,
		MaxPlanRevisions:      3,
		SupervisorThresholds:  SupervisorThresholds{Warn: 2, Intervene: 3, Critical: 4, Abort: 5},
		QualityThresholds:     QualityThresholds{Plan: 70, Code: 60, Step: 70, Goal: 80},
	}
}

// Load reads path as YAML over Default(): any field absent from the file
// keeps its code default. A missing file is not an error — it returns
// Default() unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}

	raw := rawConfig{
		MaxFixCycles:          cfg.MaxFixCycles,
		MaxStepAttempts:       cfg.MaxStepAttempts,
		VerifyAllOutputs:      cfg.VerifyAllOutputs,
		RequireTests:          cfg.RequireTests,
		TimeLimit:             cfg.TimeLimit.String(),
		RequirePrePlanReview:  cfg.RequirePrePlanReview,
		EnableProgressChecks:  cfg.EnableProgressChecks,
		ProgressCheckInterval: cfg.ProgressCheckInterval.String(),
		MaxPlanRevisions:      cfg.MaxPlanRevisions,
		SupervisorThresholds:  cfg.SupervisorThresholds,
		QualityThresholds:     cfg.QualityThresholds,
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Config{}, err
	}

	timeLimit, err := time.ParseDuration(raw.TimeLimit)
	if err != nil {
		return Config{}, err
	}
	progressInterval, err := time.ParseDuration(raw.ProgressCheckInterval)
	if err != nil {
		return Config{}, err
	}

	return Config{
		MaxFixCycles:          raw.MaxFixCycles,
		MaxStepAttempts:       raw.MaxStepAttempts,
		VerifyAllOutputs:      raw.VerifyAllOutputs,
		RequireTests:          raw.RequireTests,
		TimeLimit:             timeLimit,
		RequirePrePlanReview:  raw.RequirePrePlanReview,
		EnableProgressChecks:  raw.EnableProgressChecks,
		ProgressCheckInterval: progressInterval,
		MaxPlanRevisions:      raw.MaxPlanRevisions,
		SupervisorThresholds:  raw.SupervisorThresholds,
		QualityThresholds:     raw.QualityThresholds,
	}, nil
}

// SupervisorOptions converts SupervisorThresholds into a
// supervisor.Thresholds value, for wiring Config into supervisor.New.
func (c Config) SupervisorOptions() supervisor.Thresholds {
	return supervisor.Thresholds{
		Warn:      c.SupervisorThresholds.Warn,
		Intervene: c.SupervisorThresholds.Intervene,
		Critical:  c.SupervisorThresholds.Critical,
		Abort:     c.SupervisorThresholds.Abort,
	}
}

// QualityOptions converts QualityThresholds into a
// supervisor.QualityThresholds value, for wiring Config into
// supervisor.New via supervisor.WithQualityThresholds so a YAML override
// reaches domain.NewQualityGateWithThreshold's actual gate math.
func (c Config) QualityOptions() supervisor.QualityThresholds {
	return supervisor.QualityThresholds{
		Plan: c.QualityThresholds.Plan,
		Code: c.QualityThresholds.Code,
		Step: c.QualityThresholds.Step,
		Goal: c.QualityThresholds.Goal,
	}
}
