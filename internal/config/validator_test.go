package config

import (
	"strings"
	"testing"
	"time"
)

func TestValidationError_Error(t *testing.T) {
	err := ValidationError{
		Field:   "pool.tick_interval",
		Value:   0,
		Message: "must be positive",
	}

	expected := "pool.tick_interval: must be positive (got: 0)"
	if err.Error() != expected {
		t.Errorf("Error() = %q, want %q", err.Error(), expected)
	}
}

func TestValidationErrors_Error(t *testing.T) {
	t.Run("empty errors", func(t *testing.T) {
		var errs ValidationErrors
		if errs.Error() != "" {
			t.Errorf("Error() for empty = %q, want empty string", errs.Error())
		}
	})

	t.Run("single error", func(t *testing.T) {
		errs := ValidationErrors{
			{Field: "test.field", Value: 123, Message: "is invalid"},
		}
		expected := "test.field: is invalid (got: 123)"
		if errs.Error() != expected {
			t.Errorf("Error() = %q, want %q", errs.Error(), expected)
		}
	})

	t.Run("multiple errors", func(t *testing.T) {
		errs := ValidationErrors{
			{Field: "field1", Value: "bad", Message: "is invalid"},
			{Field: "field2", Value: -1, Message: "must be positive"},
		}
		result := errs.Error()
		if !strings.Contains(result, "2 validation errors") {
			t.Errorf("Error() should mention 2 errors: %s", result)
		}
		if !strings.Contains(result, "field1") || !strings.Contains(result, "field2") {
			t.Errorf("Error() should list both fields: %s", result)
		}
	})
}

// validConfig returns a config that passes validation.
func validConfig() *Config {
	cfg := Default()
	cfg.Groups = []GroupConfig{
		{Name: "web", Kind: "reactor", Entry: "tcp-echo", MinWorkers: 1, MaxWorkers: 2, Listen: []string{"tcp://:0"}},
		{Name: "jobs", Kind: "job", Entry: "echo", MinWorkers: 1, MaxWorkers: 4},
	}
	cfg.applyGroupDefaults()
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"valid", func(*Config) {}, ""},
		{"zero tick", func(c *Config) { c.Pool.TickInterval = 0 }, "pool.tick_interval"},
		{"zero start timeout", func(c *Config) { c.Pool.StartTimeout = 0 }, "pool.start_timeout"},
		{"negative shutdown timeout", func(c *Config) { c.Pool.ShutdownTimeout = -time.Second }, "pool.shutdown_timeout"},
		{"negative queue limit", func(c *Config) { c.Pool.QueueLimit = -1 }, "pool.queue_limit"},
		{"unknown tie break", func(c *Config) { c.Pool.TieBreak = "random" }, "pool.tie_break"},
		{"unknown runner", func(c *Config) { c.Pool.Runner = "docker" }, "pool.runner"},
		{"unknown transport", func(c *Config) { c.Socket.Transport = "carrier-pigeon" }, "socket.transport"},
		{"unknown log level", func(c *Config) { c.Logging.Level = "verbose" }, "logging.level"},
		{"upper case log level", func(c *Config) { c.Logging.Level = "DEBUG" }, ""},
		{"huge log file", func(c *Config) { c.Logging.MaxSizeMB = 5000 }, "logging.max_size_mb"},
		{"negative backups", func(c *Config) { c.Logging.MaxBackups = -1 }, "logging.max_backups"},
		{"no groups", func(c *Config) { c.Groups = nil }, "groups"},
		{"empty name", func(c *Config) { c.Groups[1].Name = "" }, "groups[1].name"},
		{"duplicate name", func(c *Config) { c.Groups[1].Name = "web" }, "groups[1].name"},
		{"bad kind", func(c *Config) { c.Groups[1].Kind = "batch" }, "groups[1].kind"},
		{"empty entry", func(c *Config) { c.Groups[0].Entry = "" }, "groups[0].entry"},
		{"negative min", func(c *Config) { c.Groups[1].MinWorkers = -1 }, "groups[1].min_workers"},
		{"zero max", func(c *Config) { c.Groups[1].MinWorkers, c.Groups[1].MaxWorkers = 0, 0 }, "groups[1].max_workers"},
		{"max below min", func(c *Config) { c.Groups[1].MinWorkers = 5 }, "groups[1].max_workers"},
		{"negative time limit", func(c *Config) { c.Groups[1].JobTimeLimit = -time.Second }, "groups[1].job_time_limit"},
		{"job group listens", func(c *Config) { c.Groups[1].Listen = []string{"tcp://:0"} }, "groups[1].listen"},
		{"unknown restart policy", func(c *Config) { c.Groups[0].Restart.Policy = "sometimes" }, "groups[0].restart.policy"},
		{"negative attempts", func(c *Config) { c.Groups[0].Restart.MaxAttempts = -1 }, "groups[0].restart.max_attempts"},
		{"max delay below initial", func(c *Config) {
			c.Groups[0].Restart.InitialDelay = time.Second
			c.Groups[0].Restart.MaxDelay = time.Millisecond
		}, "groups[0].restart.max_delay"},
		{"unknown scaling policy", func(c *Config) { c.Groups[1].Scaling.Policy = "magic" }, "groups[1].scaling.policy"},
		{"inverted thresholds", func(c *Config) {
			c.Groups[1].Scaling = ScalingConfig{Policy: "threshold", ScaleUpThreshold: 2, ScaleDownThreshold: 2}
		}, "groups[1].scaling.scale_down_threshold"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			errs := cfg.Validate()

			if tt.field == "" {
				if len(errs) != 0 {
					t.Errorf("Validate() = %v, want no errors", errs)
				}
				return
			}
			if len(errs) != 1 {
				t.Fatalf("Validate() returned %d errors (%v), want 1", len(errs), errs)
			}
			if errs[0].Field != tt.field {
				t.Errorf("Field = %q, want %q", errs[0].Field, tt.field)
			}
		})
	}
}

func TestApplyGroupDefaults(t *testing.T) {
	cfg := &Config{Groups: []GroupConfig{
		{Name: "a", MinWorkers: 3},
		{Name: "b", Scaling: ScalingConfig{Policy: "threshold"}},
		{Name: "c", MaxWorkers: 2, Restart: RestartConfig{Policy: "never", MaxAttempts: 9}},
	}}
	cfg.applyGroupDefaults()

	a := cfg.Groups[0]
	if a.MaxWorkers != 3 {
		t.Errorf("a.MaxWorkers = %d, want 3", a.MaxWorkers)
	}
	if a.Restart.Policy != "always" || a.Scaling.Policy != "fixed" {
		t.Errorf("a policies = %q/%q, want always/fixed", a.Restart.Policy, a.Scaling.Policy)
	}

	b := cfg.Groups[1]
	if b.Scaling.ScaleUpThreshold != defaultScaleUp || b.Scaling.Cooldown != defaultCooldown {
		t.Errorf("b scaling = %+v, want threshold defaults", b.Scaling)
	}

	c := cfg.Groups[2]
	if c.Restart.Policy != "never" || c.Restart.MaxAttempts != 9 {
		t.Errorf("c restart = %+v, explicit values must be kept", c.Restart)
	}
}
