// Command hyperflow runs the workflow engine as a service: the HTTP API,
// the delay-timer scanner and the cron scheduler in one process.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "hyperflow",
		Short:         "hyperflow workflow engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("config", "", "path to config file")

	root.AddCommand(newServeCmd())
	return root
}

// loadConfig merges, in increasing precedence: defaults, an optional config
// file, and HYPERFLOW_* environment variables.
func loadConfig(cmd *cobra.Command) (*viper.Viper, error) {
	v := viper.New()

	v.SetDefault("listen", ":8080")
	v.SetDefault("store", "memory")
	v.SetDefault("sqlite.path", "hyperflow.db")
	v.SetDefault("mongo.uri", "mongodb://localhost:27017")
	v.SetDefault("mongo.db", "hyperflow")
	v.SetDefault("redis.addr", "")
	v.SetDefault("jwt.secret", "")
	v.SetDefault("scanner.interval", "1s")
	v.SetDefault("cron.quota", 100)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetEnvPrefix("HYPERFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path, _ := cmd.Flags().GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	return v, nil
}
