package config

import (
	"fmt"
	"math"
	"slices"
	"strings"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "detector.exposure_ms")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// Validate checks the Config for invalid values and returns all validation errors found.
// Axis ranges are only checked for finiteness and step sign here; an empty
// range (stop < start) is a legal zero-point scan.
func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	errors = append(errors, c.validateDevice()...)
	errors = append(errors, c.validateDetector()...)
	errors = append(errors, validateAxis("scan.x", c.Scan.X)...)
	errors = append(errors, validateAxis("scan.y", c.Scan.Y)...)
	errors = append(errors, c.validateSeek()...)
	errors = append(errors, c.validateFault()...)
	errors = append(errors, c.validateOutput()...)
	errors = append(errors, c.validateStream()...)
	errors = append(errors, c.validateMonitor()...)
	errors = append(errors, c.validateLogging()...)
	errors = append(errors, c.validateSim()...)

	return errors
}

func (c *Config) validateDevice() []ValidationError {
	var errors []ValidationError

	if !slices.Contains(ValidDrivers(), c.Device.Driver) {
		errors = append(errors, ValidationError{
			Field:   "device.driver",
			Value:   c.Device.Driver,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidDrivers(), ", ")),
		})
	}
	if c.Device.CallTimeoutMs <= 0 {
		errors = append(errors, ValidationError{
			Field:   "device.call_timeout_ms",
			Value:   c.Device.CallTimeoutMs,
			Message: "must be positive",
		})
	}

	return errors
}

func (c *Config) validateDetector() []ValidationError {
	var errors []ValidationError

	if !isFinite(c.Detector.ExposureMs) || c.Detector.ExposureMs <= 0 {
		errors = append(errors, ValidationError{
			Field:   "detector.exposure_ms",
			Value:   c.Detector.ExposureMs,
			Message: "must be a positive number",
		})
	} else if math.Round(c.Detector.ExposureMs*1000) < 1 {
		errors = append(errors, ValidationError{
			Field:   "detector.exposure_ms",
			Value:   c.Detector.ExposureMs,
			Message: "must be at least 0.001 (one counter tick)",
		})
	}
	if c.Detector.Repeats < 1 {
		errors = append(errors, ValidationError{
			Field:   "detector.repeats",
			Value:   c.Detector.Repeats,
			Message: "must be at least 1",
		})
	}

	return errors
}

func validateAxis(prefix string, a AxisConfig) []ValidationError {
	var errors []ValidationError

	for name, v := range map[string]float64{"start": a.Start, "stop": a.Stop, "step": a.Step} {
		if !isFinite(v) {
			errors = append(errors, ValidationError{
				Field:   prefix + "." + name,
				Value:   v,
				Message: "must be a finite number",
			})
		}
	}
	if isFinite(a.Step) && a.Step <= 0 {
		errors = append(errors, ValidationError{
			Field:   prefix + ".step",
			Value:   a.Step,
			Message: "must be positive",
		})
	}

	slices.SortFunc(errors, func(x, y ValidationError) int { return strings.Compare(x.Field, y.Field) })
	return errors
}

func (c *Config) validateSeek() []ValidationError {
	if !isFinite(c.Seek.Radius) || c.Seek.Radius < 0 {
		return []ValidationError{{
			Field:   "seek.radius",
			Value:   c.Seek.Radius,
			Message: "must be a non-negative number",
		}}
	}
	return nil
}

func (c *Config) validateFault() []ValidationError {
	var errors []ValidationError

	if !slices.Contains(ValidFaultPolicies(), c.Fault.Policy) {
		errors = append(errors, ValidationError{
			Field:   "fault.policy",
			Value:   c.Fault.Policy,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidFaultPolicies(), ", ")),
		})
	}
	if c.Fault.MaxRetries < 0 {
		errors = append(errors, ValidationError{
			Field:   "fault.max_retries",
			Value:   c.Fault.MaxRetries,
			Message: "must be non-negative",
		})
	}

	return errors
}

func (c *Config) validateOutput() []ValidationError {
	var errors []ValidationError

	if strings.TrimSpace(c.Output.File) == "" {
		errors = append(errors, ValidationError{
			Field:   "output.file",
			Value:   c.Output.File,
			Message: "cannot be empty",
		})
	} else if !strings.HasSuffix(strings.ToLower(c.Output.File), ".csv") {
		errors = append(errors, ValidationError{
			Field:   "output.file",
			Value:   c.Output.File,
			Message: "must end in .csv",
		})
	}
	if !slices.Contains(ValidRenderFormats(), c.Output.RenderFormat) {
		errors = append(errors, ValidationError{
			Field:   "output.render_format",
			Value:   c.Output.RenderFormat,
			Message: "must be empty, png or svg",
		})
	}

	return errors
}

func (c *Config) validateStream() []ValidationError {
	if c.Stream.Enabled && strings.TrimSpace(c.Stream.Addr) == "" {
		return []ValidationError{{
			Field:   "stream.addr",
			Value:   c.Stream.Addr,
			Message: "required when stream is enabled",
		}}
	}
	return nil
}

func (c *Config) validateMonitor() []ValidationError {
	var errors []ValidationError

	if c.Monitor.Window < 1 {
		errors = append(errors, ValidationError{
			Field:   "monitor.window",
			Value:   c.Monitor.Window,
			Message: "must be at least 1",
		})
	}
	if c.Monitor.IntervalMs < 0 {
		errors = append(errors, ValidationError{
			Field:   "monitor.interval_ms",
			Value:   c.Monitor.IntervalMs,
			Message: "must be non-negative",
		})
	}

	return errors
}

// validateLogging validates the LoggingConfig
func (c *Config) validateLogging() []ValidationError {
	var errors []ValidationError

	if c.Logging.Level != "" && !slices.Contains(ValidLogLevels(), strings.ToLower(c.Logging.Level)) {
		errors = append(errors, ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", ")),
		})
	}
	if c.Logging.MaxSizeMB < 0 {
		errors = append(errors, ValidationError{
			Field:   "logging.max_size_mb",
			Value:   c.Logging.MaxSizeMB,
			Message: "must be non-negative",
		})
	}
	if c.Logging.MaxBackups < 0 {
		errors = append(errors, ValidationError{
			Field:   "logging.max_backups",
			Value:   c.Logging.MaxBackups,
			Message: "must be non-negative",
		})
	}

	return errors
}

func (c *Config) validateSim() []ValidationError {
	var errors []ValidationError

	if c.Sim.FaultRate < 0 || c.Sim.FaultRate > 1 || math.IsNaN(c.Sim.FaultRate) {
		errors = append(errors, ValidationError{
			Field:   "sim.fault_rate",
			Value:   c.Sim.FaultRate,
			Message: "must be between 0 and 1",
		})
	}
	if !isFinite(c.Sim.Sigma) || c.Sim.Sigma <= 0 {
		errors = append(errors, ValidationError{
			Field:   "sim.sigma",
			Value:   c.Sim.Sigma,
			Message: "must be positive",
		})
	}
	if c.Sim.PeakRate < 0 || c.Sim.BackgroundRate < 0 {
		errors = append(errors, ValidationError{
			Field:   "sim.peak_rate",
			Value:   fmt.Sprintf("%v/%v", c.Sim.PeakRate, c.Sim.BackgroundRate),
			Message: "peak and background rates must be non-negative",
		})
	}
	if c.Sim.Speed < 0 {
		errors = append(errors, ValidationError{
			Field:   "sim.speed",
			Value:   c.Sim.Speed,
			Message: "must be non-negative",
		})
	}

	return errors
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
