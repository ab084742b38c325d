package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Fuabioo/recmerge/internal/pathutil"
	"github.com/Fuabioo/recmerge/internal/transfer"
)

// On-error policies for a job.
const (
	OnErrorStop = "stop"
	OnErrorSkip = "skip"
)

// Config is the top-level recmerge plan file.
type Config struct {
	Jobs    []Job          `yaml:"jobs"`
	History *HistoryConfig `yaml:"history,omitempty"`
}

// HistoryConfig controls the run history database.
type HistoryConfig struct {
	Disabled  bool   `yaml:"disabled"` // default: false (history enabled)
	DBPath    string `yaml:"db_path,omitempty"`
	Retention string `yaml:"retention,omitempty"` // e.g. "7d", "30d"
}

// Job describes one source → target field transfer.
type Job struct {
	Name      string   `yaml:"name"`
	Source    string   `yaml:"source"`
	Target    string   `yaml:"target"`
	Output    string   `yaml:"output,omitempty"` // empty: overwrite target
	Fields    []string `yaml:"fields"`
	Overwrite *bool    `yaml:"overwrite,omitempty"` // default: true
	OnError   string   `yaml:"on_error,omitempty"`  // "stop" (default) | "skip"
}

// EffectiveOverwrite returns the overwrite flag, defaulting to true.
func (j Job) EffectiveOverwrite() bool {
	if j.Overwrite == nil {
		return true
	}
	return *j.Overwrite
}

// EffectiveOnError returns the on_error policy, defaulting to "stop".
func (j Job) EffectiveOnError() string {
	if j.OnError == "" {
		return OnErrorStop
	}
	return j.OnError
}

// Policy maps the overwrite flag onto a transfer policy.
func (j Job) Policy() transfer.Policy {
	if j.EffectiveOverwrite() {
		return transfer.Overwrite
	}
	return transfer.FillMissing
}

// Request builds the transfer request for j, expanding $VAR and ~ in paths.
func (j Job) Request() transfer.Request {
	return transfer.Request{
		Source: pathutil.Expand(j.Source),
		Target: pathutil.Expand(j.Target),
		Output: pathutil.Expand(j.Output),
		Fields: j.Fields,
		Policy: j.Policy(),
	}
}

// HistoryEnabled reports whether runs should be recorded.
// $RECMERGE_HISTORY=0 disables recording regardless of the file.
func (c Config) HistoryEnabled() bool {
	if os.Getenv("RECMERGE_HISTORY") == "0" {
		return false
	}
	return c.History == nil || !c.History.Disabled
}

// Load searches for the plan file in standard locations and parses it.
// Search order: $RECMERGE_CONFIG → $XDG_CONFIG_HOME/recmerge/plan.yaml
// → ~/.config/recmerge/plan.yaml.
// Returns zero-value Config if no file is found. Returns error if file exists
// but contains invalid YAML.
func Load() (Config, error) {
	path, err := findConfigPath()
	if err != nil {
		return Config{}, err
	}
	if path == "" {
		return Config{}, nil
	}
	return LoadFrom(path)
}

// LoadFrom parses a plan from the given file path.
// Returns error if the file cannot be read or contains invalid YAML.
func LoadFrom(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}

	return cfg, nil
}

// Resolve returns the jobs with the given names in plan order.
// With no names it returns every job. An unknown name is an error.
func (c Config) Resolve(names ...string) ([]Job, error) {
	if len(names) == 0 {
		return c.Jobs, nil
	}

	wanted := make(map[string]bool, len(names))
	for _, n := range names {
		wanted[n] = true
	}

	var jobs []Job
	for _, j := range c.Jobs {
		if wanted[j.Name] {
			jobs = append(jobs, j)
			delete(wanted, j.Name)
		}
	}

	if len(wanted) > 0 {
		var missing []string
		for _, n := range names {
			if wanted[n] {
				missing = append(missing, n)
			}
		}
		return nil, fmt.Errorf("config: unknown job(s): %s", strings.Join(missing, ", "))
	}
	return jobs, nil
}

// Validate checks the plan for structural problems and returns all of
// them joined.
func (c Config) Validate() error {
	var errs []error
	seen := make(map[string]bool, len(c.Jobs))

	for i, j := range c.Jobs {
		label := fmt.Sprintf("job %d", i+1)
		if j.Name != "" {
			label = fmt.Sprintf("job %q", j.Name)
		}

		if j.Name == "" {
			errs = append(errs, fmt.Errorf("%s: name is required", label))
		} else if seen[j.Name] {
			errs = append(errs, fmt.Errorf("%s: duplicate name", label))
		}
		seen[j.Name] = true

		if j.Source == "" {
			errs = append(errs, fmt.Errorf("%s: source is required", label))
		}
		if j.Target == "" {
			errs = append(errs, fmt.Errorf("%s: target is required", label))
		}
		if len(j.Fields) == 0 {
			errs = append(errs, fmt.Errorf("%s: at least one field is required", label))
		}
		for _, f := range j.Fields {
			if f == "" {
				errs = append(errs, fmt.Errorf("%s: empty field name", label))
				break
			}
		}
		if oe := j.EffectiveOnError(); oe != OnErrorStop && oe != OnErrorSkip {
			errs = append(errs, fmt.Errorf("%s: on_error must be %q or %q, got %q", label, OnErrorStop, OnErrorSkip, oe))
		}
	}

	if c.History != nil && c.History.Retention != "" {
		if _, err := ParseDuration(c.History.Retention); err != nil {
			errs = append(errs, fmt.Errorf("history: invalid retention %q: %w", c.History.Retention, err))
		}
	}

	return errors.Join(errs...)
}

// ParseDuration parses a duration string supporting "Nd" (days) and "Nh" (hours) formats,
// in addition to Go's standard time.Duration formats.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty duration")
	}

	// Handle "Nd" (days) format.
	if numStr, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(numStr)
		if err != nil {
			return 0, fmt.Errorf("invalid days %q: %w", numStr, err)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}

	// Handle "Nh" (hours) format.
	if numStr, ok := strings.CutSuffix(s, "h"); ok {
		n, err := strconv.Atoi(numStr)
		if err != nil {
			// Fall through to time.ParseDuration which handles "1h30m" etc.
			return time.ParseDuration(s)
		}
		return time.Duration(n) * time.Hour, nil
	}

	return time.ParseDuration(s)
}

// findConfigPath returns the path to the first plan file found,
// or empty string if none exists.
func findConfigPath() (string, error) {
	// 1. Explicit env var.
	if p := os.Getenv("RECMERGE_CONFIG"); p != "" {
		p = pathutil.ExpandTilde(p)
		if _, err := os.Stat(p); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return "", fmt.Errorf("config: $RECMERGE_CONFIG points to %s which does not exist", p)
			}
			return "", fmt.Errorf("config: stat %s: %w", p, err)
		}
		return p, nil
	}

	// 2. XDG_CONFIG_HOME.
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		p := filepath.Join(xdg, "recmerge", "plan.yaml")
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	// 3. Default ~/.config.
	home, err := os.UserHomeDir()
	if err != nil {
		return "", nil // Can't determine home, treat as no config.
	}
	p := filepath.Join(home, ".config", "recmerge", "plan.yaml")
	if _, err := os.Stat(p); err == nil {
		return p, nil
	}

	return "", nil
}
