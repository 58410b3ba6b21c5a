package cmd

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var (
	configPath   string
	logLevel     string
	logFormat    string
	storeBackend string
	storePath    string
	storeDSN     string
)

var rootCmd = &cobra.Command{
	Use:   "gatekeep",
	Short: "Gatekeep is an opaque session token service",
	Long: `Gatekeep authenticates users against an identity directory and issues
opaque, expiring session tokens that other services can validate.
Complete documentation is available at https://github.com/jmcleod/gatekeep`,
	SilenceUsage: true,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	addConfigFlags(rootCmd.PersistentFlags())
}

// addConfigFlags registers the flags shared by every command. Flags only
// override the config file when set explicitly.
func addConfigFlags(flags *pflag.FlagSet) {
	flags.StringVarP(&configPath, "config", "c", "", "Path to a YAML or TOML config file")
	flags.StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	flags.StringVar(&logFormat, "log-format", "json", "Log format (json or text)")
	flags.StringVar(&storeBackend, "store-backend", "memory", "Session store (memory, bbolt, postgres, sqlite, redis)")
	flags.StringVar(&storePath, "store-path", "", "BBolt database file")
	flags.StringVar(&storeDSN, "store-dsn", "", "Database or redis:// URL for the SQL and redis stores")
}
