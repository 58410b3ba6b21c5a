package cmd

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"

	"github.com/spf13/cobra"

	"github.com/jmcleod/gatekeep/api"
	"github.com/jmcleod/gatekeep/internal/config"
)

var errConfigInvalid = errors.New("configuration check failed")

type checkReport struct {
	File    string        `json:"file,omitempty"`
	Backend string        `json:"store_backend"`
	Valid   bool          `json:"valid"`
	Checks  []checkResult `json:"checks"`
}

type checkResult struct {
	Name   string `json:"name"`
	Status string `json:"status"` // "pass", "fail", "warn"
	Detail string `json:"detail,omitempty"`
}

const (
	statusPass = "pass"
	statusFail = "fail"
	statusWarn = "warn"
)

func (r *checkReport) add(name, status, detail string) {
	if status == statusFail {
		r.Valid = false
	}
	r.Checks = append(r.Checks, checkResult{Name: name, Status: status, Detail: detail})
}

// checkConfig runs every offline check against cfg. With connect set it
// also opens the session store once.
func checkConfig(ctx context.Context, cfg config.Config, connect bool) checkReport {
	report := checkReport{Backend: cfg.Store.Backend, Valid: true}

	// 1. Field validation.
	if err := cfg.Validate(); err != nil {
		var fields []config.FieldError
		collectFieldErrors(err, &fields)
		for _, fe := range fields {
			report.add(fe.Field, statusFail, fe.Message)
		}
		if len(fields) == 0 {
			report.add("validation", statusFail, err.Error())
		}
	} else {
		report.add("validation", statusPass, "")
	}

	// 2. Identity directory.
	if cfg.Identity.URL == "" {
		report.add("identity_url", statusWarn, "not set; required by the server command")
	} else {
		report.add("identity_url", statusPass, cfg.Identity.URL)
	}

	// 3. Trusted proxies.
	if len(cfg.Server.TrustedProxies) == 0 {
		report.add("trusted_proxies", statusPass, "none; client addresses come from the connection")
	} else if _, err := api.WithTrustedProxies(cfg.Server.TrustedProxies); err != nil {
		report.add("trusted_proxies", statusFail, err.Error())
	} else {
		report.add("trusted_proxies", statusPass, fmt.Sprintf("%d prefix(es)", len(cfg.Server.TrustedProxies)))
	}

	// 4. TLS material.
	switch {
	case cfg.Server.TLSCert == "" && cfg.Server.TLSKey == "":
		report.add("tls", statusWarn, "serving plain HTTP")
	case cfg.Server.TLSCert == "" || cfg.Server.TLSKey == "":
		// Already reported by validation.
	default:
		if _, err := tls.LoadX509KeyPair(cfg.Server.TLSCert, cfg.Server.TLSKey); err != nil {
			report.add("tls", statusFail, err.Error())
		} else {
			report.add("tls", statusPass, "")
		}
	}

	// 5. Audit webhook.
	if cfg.Audit.WebhookURL != "" {
		if u, err := url.Parse(cfg.Audit.WebhookURL); err == nil && u.Scheme == "http" {
			report.add("audit_webhook", statusWarn, "events are delivered over plain HTTP")
		}
	}

	// 6. Store connectivity.
	if connect && report.Valid {
		status, detail := storeStatus(ctx, cfg.Store)
		report.add("store_connect", status, detail)
	}

	return report
}

func storeStatus(ctx context.Context, cfg config.StoreConfig) (string, string) {
	conn, release, err := openStore(ctx, cfg)
	if err != nil {
		return statusFail, err.Error()
	}
	defer release()
	c, err := conn.Open(ctx)
	if err != nil {
		return statusFail, err.Error()
	}
	if err := c.Close(); err != nil {
		return statusFail, err.Error()
	}
	return statusPass, ""
}

// collectFieldErrors flattens the joined validation error into its fields.
func collectFieldErrors(err error, out *[]config.FieldError) {
	if fe, ok := err.(config.FieldError); ok {
		*out = append(*out, fe)
		return
	}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		for _, e := range joined.Unwrap() {
			collectFieldErrors(e, out)
		}
	}
}

func (r checkReport) counts() (failures, warnings int) {
	for _, c := range r.Checks {
		switch c.Status {
		case statusFail:
			failures++
		case statusWarn:
			warnings++
		}
	}
	return failures, warnings
}

func printHumanReport(w io.Writer, report checkReport) {
	if report.File != "" {
		fmt.Fprintf(w, "Configuration check: %s\n", report.File)
	} else {
		fmt.Fprintln(w, "Configuration check: defaults and flags")
	}
	fmt.Fprintf(w, "Store:    %s\n\n", report.Backend)

	for _, c := range report.Checks {
		tag := "[PASS]"
		switch c.Status {
		case statusFail:
			tag = "[FAIL]"
		case statusWarn:
			tag = "[WARN]"
		}
		if c.Detail != "" {
			fmt.Fprintf(w, "%s %s: %s\n", tag, c.Name, c.Detail)
		} else {
			fmt.Fprintf(w, "%s %s\n", tag, c.Name)
		}
	}

	fmt.Fprintln(w)
	if report.Valid {
		fmt.Fprintln(w, "Result: VALID")
		return
	}
	failures, warnings := report.counts()
	fmt.Fprintf(w, "Result: INVALID (%d error(s), %d warning(s))\n", failures, warnings)
}

func printJSONReport(w io.Writer, report checkReport) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

var (
	checkJSONOutput bool
	checkConnect    bool
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration tools",
}

var configCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the effective configuration",
	Long: `Loads the configuration the same way the server does (file, then flags,
then GATEKEEP_* environment variables) and reports every problem found.
With --connect the session store is opened once as well.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		report := checkConfig(cmd.Context(), cfg, checkConnect)
		report.File = configPath

		out := cmd.OutOrStdout()
		if checkJSONOutput {
			if err := printJSONReport(out, report); err != nil {
				return err
			}
		} else {
			printHumanReport(out, report)
		}
		if !report.Valid {
			return errConfigInvalid
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configCheckCmd)
	configCheckCmd.Flags().BoolVar(&checkJSONOutput, "json", false, "Output results as JSON")
	configCheckCmd.Flags().BoolVar(&checkConnect, "connect", false, "Also open the session store")
}
