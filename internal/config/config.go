// Package config holds the operator's tuning knobs.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/yaml"
)

// Tuning holds every knob of the engine, the call layer and the rolling
// scheduler. It can be loaded from a YAML file; command-line flags win.
type Tuning struct {
	EngineWorkers   int64           `json:"engineWorkers"`
	ShutdownTimeout metav1.Duration `json:"shutdownTimeout"`

	CallTimeout  metav1.Duration `json:"callTimeout"`
	MaxRetries   int             `json:"maxRetries"`
	BackoffScale metav1.Duration `json:"backoffScale"`
	BackoffCap   metav1.Duration `json:"backoffCap"`
	JitterMin    metav1.Duration `json:"jitterMin"`
	JitterMax    metav1.Duration `json:"jitterMax"`

	ClientQPS      float64 `json:"clientQPS"`
	ClientBurst    int     `json:"clientBurst"`
	ClientPoolSize int     `json:"clientPoolSize"`
	ListPageSize   int64   `json:"listPageSize"`

	RollingPollInterval metav1.Duration `json:"rollingPollInterval"`
	PodReadyTimeout     metav1.Duration `json:"podReadyTimeout"`
	PodRecheckInterval  metav1.Duration `json:"podRecheckInterval"`

	MaxConcurrentReconciles int             `json:"maxConcurrentReconciles"`
	FailureRequeueDelay     metav1.Duration `json:"failureRequeueDelay"`
}

// Default returns the built-in tuning.
func Default() Tuning {
	return Tuning{
		EngineWorkers:   16,
		ShutdownTimeout: metav1.Duration{Duration: 30 * time.Second},

		CallTimeout:  metav1.Duration{Duration: 30 * time.Second},
		MaxRetries:   5,
		BackoffScale: metav1.Duration{Duration: 100 * time.Millisecond},
		BackoffCap:   metav1.Duration{Duration: 10 * time.Second},
		JitterMin:    metav1.Duration{Duration: 10 * time.Millisecond},
		JitterMax:    metav1.Duration{Duration: 200 * time.Millisecond},

		ClientQPS:      50,
		ClientBurst:    100,
		ClientPoolSize: 8,
		ListPageSize:   500,

		RollingPollInterval: metav1.Duration{Duration: time.Second},
		PodReadyTimeout:     metav1.Duration{Duration: 10 * time.Minute},
		PodRecheckInterval:  metav1.Duration{Duration: 5 * time.Second},

		MaxConcurrentReconciles: 4,
		FailureRequeueDelay:     metav1.Duration{Duration: 30 * time.Second},
	}
}

// Load reads a YAML tuning file over the defaults. An empty path returns
// the defaults.
func Load(path string) (Tuning, error) {
	t := Default()
	if path == "" {
		return t, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return t, fmt.Errorf("failed to read tuning file: %w", err)
	}
	if err := yaml.UnmarshalStrict(data, &t); err != nil {
		return t, fmt.Errorf("failed to parse tuning file %s: %w", path, err)
	}
	return t, nil
}

// ValidationError represents a single validation error with actionable message
type ValidationError struct {
	Field   string
	Message string
	Hint    string
}

func (e ValidationError) Error() string {
	if e.Hint != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Field, e.Message, e.Hint)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

func (errs ValidationErrors) Error() string {
	if len(errs) == 0 {
		return ""
	}
	var msgs []string
	for _, e := range errs {
		msgs = append(msgs, e.Error())
	}
	return strings.Join(msgs, "; ")
}

// HasErrors returns true if there are any validation errors
func (errs ValidationErrors) HasErrors() bool {
	return len(errs) > 0
}

// Validate checks the tuning and returns all problems at once.
func (t *Tuning) Validate() ValidationErrors {
	var errs ValidationErrors

	positive := func(field string, ok bool, hint string) {
		if !ok {
			errs = append(errs, ValidationError{Field: field, Message: "must be positive", Hint: hint})
		}
	}
	positive("engineWorkers", t.EngineWorkers > 0, "set via --engine-workers, e.g. 16")
	positive("callTimeout", t.CallTimeout.Duration > 0, "set via --call-timeout, e.g. 30s")
	positive("backoffScale", t.BackoffScale.Duration > 0, "e.g. 100ms")
	positive("clientPoolSize", t.ClientPoolSize > 0, "e.g. 8")
	positive("rollingPollInterval", t.RollingPollInterval.Duration > 0, "set via --rolling-poll-interval, e.g. 1s")
	positive("podReadyTimeout", t.PodReadyTimeout.Duration > 0, "e.g. 10m")
	positive("maxConcurrentReconciles", t.MaxConcurrentReconciles > 0, "set via --max-concurrent-reconciles")

	if t.MaxRetries < 0 {
		errs = append(errs, ValidationError{
			Field:   "maxRetries",
			Message: fmt.Sprintf("invalid value %d", t.MaxRetries),
			Hint:    "the retry budget of a transiently failing call cannot be negative",
		})
	}

	if t.BackoffCap.Duration < t.BackoffScale.Duration {
		errs = append(errs, ValidationError{
			Field:   "backoffCap",
			Message: fmt.Sprintf("%s is below backoffScale %s", t.BackoffCap.Duration, t.BackoffScale.Duration),
			Hint:    "the cap bounds the exponential wait and must not be smaller than its first step",
		})
	}

	if t.JitterMin.Duration < 0 || t.JitterMax.Duration < t.JitterMin.Duration {
		errs = append(errs, ValidationError{
			Field:   "jitterMax",
			Message: fmt.Sprintf("invalid jitter range [%s,%s)", t.JitterMin.Duration, t.JitterMax.Duration),
			Hint:    "jitterMin must be >= 0 and jitterMax >= jitterMin",
		})
	}

	if t.ClientQPS <= 0 {
		errs = append(errs, ValidationError{
			Field:   "clientQPS",
			Message: "must be positive",
			Hint:    "set via --client-qps, e.g. 50",
		})
	} else if t.ClientBurst < 1 {
		errs = append(errs, ValidationError{
			Field:   "clientBurst",
			Message: "must be at least 1",
			Hint:    "a burst of 0 blocks every request",
		})
	}

	if t.ListPageSize < 0 {
		errs = append(errs, ValidationError{
			Field:   "listPageSize",
			Message: fmt.Sprintf("invalid value %d", t.ListPageSize),
			Hint:    "use 0 to list all pods in one request",
		})
	}

	return errs
}
