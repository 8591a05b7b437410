package modkernel

import (
	"fmt"
	"reflect"
	"slices"
	"strings"
	"time"

	"github.com/golobby/cast"
)

// SystemSection is the configuration section holding kernel settings.
const SystemSection = "system"

// AppConfig holds the Application's timing and health settings.
type AppConfig struct {
	// LoopPeriod is the primary loop period.
	LoopPeriod time.Duration
	// ModuleBudget bounds module updates per primary cycle.
	ModuleBudget time.Duration
	// EventBudget bounds event dispatch per primary cycle.
	EventBudget time.Duration
	// HealthPeriod is how often the primary loop checks health.
	HealthPeriod time.Duration

	SecondaryPeriod       time.Duration
	SecondaryBudget       time.Duration
	SecondaryReportPeriod time.Duration

	// FatalRestartDelay is the wait between shutdown and reset after a
	// Fatal error report.
	FatalRestartDelay time.Duration

	// MemoryBudget is the memory the default probe measures free memory
	// against, in bytes.
	MemoryBudget uint64
	// StackBudget is the stack memory the default probe measures headroom
	// against, in bytes.
	StackBudget         uint64
	MinFreeMemory       uint64
	EmergencyFreeMemory uint64
	MinStackHeadroom    uint64
	MinSystemHealth     int

	Heartbeat HeartbeatConfig
}

// DefaultAppConfig returns the standard timing: a 10ms loop with 8ms for
// modules and 2ms for events, health once per second, and a 100ms
// secondary loop.
func DefaultAppConfig() AppConfig {
	return AppConfig{
		LoopPeriod:            10 * time.Millisecond,
		ModuleBudget:          8 * time.Millisecond,
		EventBudget:           2 * time.Millisecond,
		HealthPeriod:          time.Second,
		SecondaryPeriod:       100 * time.Millisecond,
		SecondaryBudget:       50 * time.Millisecond,
		SecondaryReportPeriod: 10 * time.Second,
		FatalRestartDelay:     3 * time.Second,
		MemoryBudget:          256 << 20,
		StackBudget:           16 << 20,
		MinFreeMemory:         10 << 20,
		EmergencyFreeMemory:   5 << 20,
		MinStackHeadroom:      1 << 20,
		MinSystemHealth:       50,
		Heartbeat:             DefaultHeartbeatConfig(),
	}
}

// Validate checks that the loop settings are usable.
func (c AppConfig) Validate() error {
	switch {
	case c.LoopPeriod <= 0:
		return fmt.Errorf("%w: loop period must be positive", ErrInvalidAppConfig)
	case c.ModuleBudget <= 0 || c.EventBudget <= 0:
		return fmt.Errorf("%w: budgets must be positive", ErrInvalidAppConfig)
	case c.ModuleBudget+c.EventBudget > c.LoopPeriod:
		return fmt.Errorf("%w: module budget %s plus event budget %s exceed loop period %s",
			ErrInvalidAppConfig, c.ModuleBudget, c.EventBudget, c.LoopPeriod)
	case c.SecondaryPeriod <= 0 || c.SecondaryBudget <= 0:
		return fmt.Errorf("%w: secondary period and budget must be positive", ErrInvalidAppConfig)
	case c.SecondaryBudget > c.SecondaryPeriod:
		return fmt.Errorf("%w: secondary budget %s exceeds period %s", ErrInvalidAppConfig, c.SecondaryBudget, c.SecondaryPeriod)
	case c.HealthPeriod <= 0:
		return fmt.Errorf("%w: health period must be positive", ErrInvalidAppConfig)
	}
	return nil
}

// AppConfigFromSection overlays the system section onto base. Durations
// accept Go duration strings ("10ms") or plain numbers of milliseconds.
func AppConfigFromSection(base AppConfig, section Section) (AppConfig, error) {
	cfg := base
	if section == nil {
		return cfg, nil
	}

	d := sectionReader(section, ErrInvalidAppConfig)
	d.Duration("loop_period", &cfg.LoopPeriod)
	d.Duration("module_budget", &cfg.ModuleBudget)
	d.Duration("event_budget", &cfg.EventBudget)
	d.Duration("health_period", &cfg.HealthPeriod)
	d.Duration("secondary_period", &cfg.SecondaryPeriod)
	d.Duration("secondary_budget", &cfg.SecondaryBudget)
	d.Duration("secondary_report_period", &cfg.SecondaryReportPeriod)
	d.Duration("fatal_restart_delay", &cfg.FatalRestartDelay)
	d.Uint("memory_budget", &cfg.MemoryBudget)
	d.Uint("stack_budget", &cfg.StackBudget)
	d.Uint("min_free_memory", &cfg.MinFreeMemory)
	d.Uint("emergency_free_memory", &cfg.EmergencyFreeMemory)
	d.Uint("min_stack_headroom", &cfg.MinStackHeadroom)
	d.Int("min_system_health", &cfg.MinSystemHealth)

	if raw, ok := section["heartbeat"]; ok {
		hb, isMap := raw.(map[string]any)
		if !isMap {
			return base, fmt.Errorf("%w: heartbeat must be a map, got %T", ErrInvalidAppConfig, raw)
		}
		hd := sectionReader(hb, ErrInvalidAppConfig)
		hd.Bool("enabled", &cfg.Heartbeat.Enabled)
		hd.Bool("auto_restart", &cfg.Heartbeat.AutoRestart)
		hd.Duration("check_interval", &cfg.Heartbeat.CheckInterval)
		hd.Duration("critical_timeout", &cfg.Heartbeat.CriticalTimeout)
		hd.Duration("standard_timeout", &cfg.Heartbeat.StandardTimeout)
		hd.Duration("background_timeout", &cfg.Heartbeat.BackgroundTimeout)
		hd.Int("max_restart_attempts", &cfg.Heartbeat.MaxRestartAttempts)
		if err := hd.Err(); err != nil {
			return base, err
		}
	}

	if err := d.Err(); err != nil {
		return base, err
	}
	if err := cfg.Validate(); err != nil {
		return base, err
	}
	return cfg, nil
}

// KernelConfigFromSection reads kernel sizing from the system section.
func KernelConfigFromSection(section Section) (KernelConfig, error) {
	var cfg KernelConfig
	d := sectionReader(section, ErrInvalidAppConfig)
	d.Int("event_queue_size", &cfg.EventQueueSize)
	d.Int("state_capacity", &cfg.StateCapacity)
	return cfg, d.Err()
}

// SectionReader reads typed fields from a configuration section,
// keeping the first error. Missing keys leave the destination untouched.
type SectionReader struct {
	section Section
	kind    error
	err     error
}

// NewSectionReader creates a reader whose errors wrap ErrInvalidSection.
func NewSectionReader(section Section) *SectionReader {
	return sectionReader(section, ErrInvalidSection)
}

func sectionReader(section Section, kind error) *SectionReader {
	return &SectionReader{section: section, kind: kind}
}

// Err returns the first decoding error.
func (d *SectionReader) Err() error { return d.err }

func (d *SectionReader) fail(key string, raw any, want string) {
	if d.err == nil {
		d.err = fmt.Errorf("%w: %s: cannot use %v (%T) as %s", d.kind, key, raw, raw, want)
	}
}

// Duration accepts a Go duration string ("10ms") or a number of
// milliseconds.
func (d *SectionReader) Duration(key string, dst *time.Duration) {
	raw, ok := d.section[key]
	if !ok {
		return
	}
	if s, isStr := raw.(string); isStr {
		v, err := time.ParseDuration(s)
		if err != nil {
			d.fail(key, raw, "duration")
			return
		}
		*dst = v
		return
	}
	var ms float64
	if !number(raw, &ms) {
		d.fail(key, raw, "duration")
		return
	}
	*dst = time.Duration(ms * float64(time.Millisecond))
}

func (d *SectionReader) Uint(key string, dst *uint64) {
	raw, ok := d.section[key]
	if !ok {
		return
	}
	var f float64
	if !number(raw, &f) || f < 0 {
		d.fail(key, raw, "unsigned integer")
		return
	}
	*dst = uint64(f)
}

func (d *SectionReader) Int(key string, dst *int) {
	raw, ok := d.section[key]
	if !ok {
		return
	}
	var f float64
	if !number(raw, &f) {
		d.fail(key, raw, "integer")
		return
	}
	*dst = int(f)
}

func (d *SectionReader) Float(key string, dst *float64) {
	raw, ok := d.section[key]
	if !ok {
		return
	}
	if !number(raw, dst) {
		d.fail(key, raw, "number")
	}
}

func (d *SectionReader) Bool(key string, dst *bool) {
	raw, ok := d.section[key]
	if !ok {
		return
	}
	switch v := raw.(type) {
	case bool:
		*dst = v
	case string:
		converted, err := cast.FromType(v, reflect.TypeOf(false))
		if err != nil {
			d.fail(key, raw, "bool")
			return
		}
		*dst = converted.(bool)
	default:
		d.fail(key, raw, "bool")
	}
}

// Text reads a string value.
func (d *SectionReader) Text(key string, dst *string) {
	raw, ok := d.section[key]
	if !ok {
		return
	}
	s, isStr := raw.(string)
	if !isStr {
		d.fail(key, raw, "string")
		return
	}
	*dst = s
}

// Strings accepts a list of strings or a single comma-separated string.
func (d *SectionReader) Strings(key string, dst *[]string) {
	raw, ok := d.section[key]
	if !ok {
		return
	}
	switch v := raw.(type) {
	case string:
		var out []string
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		*dst = out
	case []string:
		*dst = slices.Clone(v)
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, isStr := item.(string)
			if !isStr {
				d.fail(key, raw, "list of strings")
				return
			}
			out = append(out, s)
		}
		*dst = out
	default:
		d.fail(key, raw, "list of strings")
	}
}

// number accepts any numeric kind or a numeric string.
func number(raw any, dst *float64) bool {
	if s, ok := raw.(string); ok {
		converted, err := cast.FromType(s, reflect.TypeOf(float64(0)))
		if err != nil {
			return false
		}
		*dst = converted.(float64)
		return true
	}
	rv := reflect.ValueOf(raw)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		*dst = float64(rv.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		*dst = float64(rv.Uint())
	case reflect.Float32, reflect.Float64:
		*dst = rv.Float()
	default:
		return false
	}
	return true
}
