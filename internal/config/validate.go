package config

import (
	"fmt"
	"strings"
	"time"

	"grimm.is/blackhole/internal/logging"
	"grimm.is/blackhole/internal/overtime"
	"grimm.is/blackhole/internal/validation"
)

// ValidationError is one problem found in a config.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// HasErrors returns true if there are any validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// Validate checks the whole configuration. Blocks must be present, which
// Parse guarantees by filling defaults.
func (c *Config) Validate() ValidationErrors {
	var errs ValidationErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if c.PrivacyLevel < 0 || c.PrivacyLevel > 3 {
		add("privacy_level", "must be between 0 and 3, got %d", c.PrivacyLevel)
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		add("log_level", "%v", err)
	}

	if s := c.Store; s != nil {
		if s.BlockSize <= 0 {
			add("store.block_size", "must be positive")
		}
		if s.MaxRecords < 0 {
			add("store.max_records", "must not be negative")
		}
		if s.ArenaLimit < 0 {
			add("store.arena_limit", "must not be negative")
		}
		if s.QueryScan <= 0 {
			add("store.query_scan", "must be positive")
		}
	}

	if o := c.Overtime; o != nil {
		interval, ierr := time.ParseDuration(o.Interval)
		window, werr := time.ParseDuration(o.Window)
		switch {
		case ierr != nil:
			add("overtime.interval", "%v", ierr)
		case werr != nil:
			add("overtime.window", "%v", werr)
		default:
			if _, err := overtime.NewTimeline(interval, window); err != nil {
				add("overtime", "%v", err)
			}
		}
	}

	if r := c.Retention; r != nil {
		checkPositive(&errs, "retention.max_age", r.MaxAge)
		checkPositive(&errs, "retention.interval", r.Interval)
		checkPositive(&errs, "retention.archive_max_age", r.ArchiveMaxAge)
	}

	if r := c.RateLimit; r != nil {
		if r.Count < 0 {
			add("rate_limit.count", "must not be negative")
		}
		checkPositive(&errs, "rate_limit.interval", r.Interval)
	}

	if m := c.Metrics; m != nil && m.Enabled {
		if err := validation.ValidateListenAddr(m.Listen); err != nil {
			add("metrics.listen", "%v", err)
		}
	}

	return errs
}

func checkPositive(errs *ValidationErrors, field, value string) {
	d, err := time.ParseDuration(value)
	switch {
	case err != nil:
		*errs = append(*errs, ValidationError{Field: field, Message: err.Error()})
	case d <= 0:
		*errs = append(*errs, ValidationError{Field: field, Message: "must be positive"})
	}
}
