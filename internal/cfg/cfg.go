package cfg

import (
	"errors"
	"flag"
	"fmt"
	"time"
)

// Config adds remedy-specific configuration fields to the
// common cfg.Registerable and cfg.Validatable interfaces
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int
	APIToken              string
	DatabaseURL           string
	SlackWebhookURL       string

	ControlPlaneEndpoint string
	TokenEndpoint        string
	TokenCredential      string
	FlagStoreEndpoint    string

	CoalesceWindow       time.Duration
	StabilizationWindow  time.Duration
	MaxAttempts          int
	SeverityThreshold    string
	DeliveryMaxAttempts  int
	DeliveryBaseInterval time.Duration
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.StringVar(&c.APIToken, "api-token", "", "bearer token required on API requests")
	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL (empty = in-memory ledger)")
	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack webhook URL for notifications")
	fs.StringVar(&c.ControlPlaneEndpoint, "control-plane-endpoint", "", "control plane API base URL for remediation operations")
	fs.StringVar(&c.TokenEndpoint, "token-endpoint", "", "token exchange endpoint for scoped remediation credentials")
	fs.StringVar(&c.TokenCredential, "token-credential", "", "credential presented to the token exchange endpoint")
	fs.StringVar(&c.FlagStoreEndpoint, "flag-store-endpoint", "", "parameter store base URL for degraded-mode flags (empty = disabled)")
	fs.DurationVar(&c.CoalesceWindow, "coalesce-window", 15*time.Second, "window in which repeated firing deliveries of one fingerprint coalesce")
	fs.DurationVar(&c.StabilizationWindow, "stabilization-window", 60*time.Second, "how long a remediated incident must stay quiet before trying the next action")
	fs.IntVar(&c.MaxAttempts, "max-attempts", 3, "executor invocations per remediation action before the workflow fails (1..10)")
	fs.StringVar(&c.SeverityThreshold, "severity-threshold", "warning", "minimum severity eligible for auto-remediation (info, warning, critical)")
	fs.IntVar(&c.DeliveryMaxAttempts, "delivery-max-attempts", 5, "delivery attempts per routing target before dead-lettering (1..10)")
	fs.DurationVar(&c.DeliveryBaseInterval, "delivery-base-interval", time.Second, "base interval for routing delivery retry backoff")
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}

	// Shutdown budget must be greater than drain time
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	// API port must be valid TCP port number
	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	// Remediation needs somewhere to send its operations
	if c.ControlPlaneEndpoint == "" {
		errs = append(errs, errors.New("CONTROL_PLANE_ENDPOINT is required"))
	}
	if c.TokenEndpoint == "" {
		errs = append(errs, errors.New("TOKEN_ENDPOINT is required"))
	}
	if c.TokenCredential == "" {
		errs = append(errs, errors.New("TOKEN_CREDENTIAL is required"))
	}
	if c.APIToken == "" {
		errs = append(errs, errors.New("API_TOKEN is required"))
	}

	if c.CoalesceWindow <= 0 || c.CoalesceWindow > 10*time.Minute {
		errs = append(errs, fmt.Errorf("invalid COALESCE_WINDOW %s (must be 1ns..10m)", c.CoalesceWindow))
	}
	if c.StabilizationWindow <= 0 || c.StabilizationWindow > time.Hour {
		errs = append(errs, fmt.Errorf("invalid STABILIZATION_WINDOW %s (must be 1ns..1h)", c.StabilizationWindow))
	}
	if c.MaxAttempts <= 0 || c.MaxAttempts > 10 {
		errs = append(errs, fmt.Errorf("invalid MAX_ATTEMPTS %d (must be 1..10)", c.MaxAttempts))
	}
	switch c.SeverityThreshold {
	case "info", "warning", "critical":
	default:
		errs = append(errs, fmt.Errorf("invalid SEVERITY_THRESHOLD %q (must be info, warning, or critical)", c.SeverityThreshold))
	}
	if c.DeliveryMaxAttempts <= 0 || c.DeliveryMaxAttempts > 10 {
		errs = append(errs, fmt.Errorf("invalid DELIVERY_MAX_ATTEMPTS %d (must be 1..10)", c.DeliveryMaxAttempts))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
