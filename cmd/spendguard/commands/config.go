package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/amerfu/spendguard/internal/core/config"
)

var (
	cfg        *config.Config
	log        = zap.NewNop()
	outputJSON bool
	out        io.Writer = os.Stdout
)

// SetConfig sets the loaded configuration used by every command.
func SetConfig(c *config.Config) {
	cfg = c
}

// SetLogger sets the logger handed to the budget engine.
func SetLogger(l *zap.Logger) {
	if l != nil {
		log = l
	}
}

// SetOutputJSON sets the output format preference
func SetOutputJSON(json bool) {
	outputJSON = json
}

// SetOutput redirects command output, for tests.
func SetOutput(w io.Writer) {
	out = w
}

func currentConfig() (*config.Config, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration not loaded")
	}
	return cfg, nil
}

// OutputTable outputs data in table format
func OutputTable(headers []string, rows [][]string) {
	if outputJSON {
		var jsonRows []map[string]string
		for _, row := range rows {
			jsonRow := make(map[string]string)
			for i, cell := range row {
				if i < len(headers) {
					jsonRow[headers[i]] = cell
				}
			}
			jsonRows = append(jsonRows, jsonRow)
		}
		OutputJSON(jsonRows)
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)

	for i, header := range headers {
		if i > 0 {
			_, _ = fmt.Fprint(w, "\t")
		}
		_, _ = fmt.Fprint(w, header)
	}
	_, _ = fmt.Fprintln(w)

	for i := range headers {
		if i > 0 {
			_, _ = fmt.Fprint(w, "\t")
		}
		_, _ = fmt.Fprint(w, "---")
	}
	_, _ = fmt.Fprintln(w)

	for _, row := range rows {
		for i, cell := range row {
			if i > 0 {
				_, _ = fmt.Fprint(w, "\t")
			}
			_, _ = fmt.Fprint(w, cell)
		}
		_, _ = fmt.Fprintln(w)
	}

	_ = w.Flush()
}

// OutputJSON outputs data in JSON format
func OutputJSON(data interface{}) {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(data); err != nil {
		fmt.Fprintf(os.Stderr, "Error encoding JSON: %v\n", err)
	}
}

// NewConfigCommand creates the config command.
func NewConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
		Long:  "Show the configuration resolved from config.yaml, .env and environment variables",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := currentConfig()
			if err != nil {
				return err
			}

			shown := *c
			if shown.Redis.Password != "" {
				shown.Redis.Password = "********"
			}
			view := configView(shown)

			if outputJSON {
				OutputJSON(view)
				return nil
			}
			enc := yaml.NewEncoder(out)
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(view)
		},
	})

	return cmd
}

// configView renders durations as strings so both encoders print "48h0m0s"
// instead of nanoseconds.
func configView(c config.Config) map[string]interface{} {
	return map[string]interface{}{
		"server": map[string]interface{}{
			"port":              c.Server.Port,
			"read_timeout":      c.Server.ReadTimeout.String(),
			"write_timeout":     c.Server.WriteTimeout.String(),
			"idle_timeout":      c.Server.IdleTimeout.String(),
			"graceful_shutdown": c.Server.GracefulShutdown.String(),
		},
		"redis": map[string]interface{}{
			"url":          c.Redis.URL,
			"password":     c.Redis.Password,
			"db":           c.Redis.DB,
			"pool_size":    c.Redis.PoolSize,
			"dial_timeout": c.Redis.DialTimeout.String(),
		},
		"budget": map[string]interface{}{
			"enforcement_mode":  c.Budget.EnforcementMode,
			"environment":       c.Budget.Environment,
			"policy_dir":        c.Budget.PolicyDir,
			"retention":         c.Budget.Retention.String(),
			"anomaly_ratio":     c.Budget.AnomalyRatio,
			"connect_timeout":   c.Budget.ConnectTimeout.String(),
			"breaker_threshold": c.Budget.BreakerThreshold,
			"breaker_cooldown":  c.Budget.BreakerCooldown.String(),
			"events_stream":     c.Budget.EventsStream,
		},
		"monitoring": map[string]interface{}{
			"enable_metrics": c.Monitoring.EnableMetrics,
			"service_name":   c.Monitoring.ServiceName,
		},
		"logging": map[string]interface{}{
			"level":       c.Logging.Level,
			"format":      c.Logging.Format,
			"output_path": c.Logging.OutputPath,
		},
	}
}
