// Command pnvantage is a PROFINET IO controller for water-treatment RTUs.
package main

import (
	"fmt"
	"os"

	"github.com/HerbHall/pnvantage/internal/config"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "pnvantage",
	Short: "PROFINET IO controller for water-treatment RTUs",
	Long: `pnvantage discovers RTUs with DCP, holds cyclic Application
Relationships with them and hands actuator authority between the RTU
and the controller.`,
	Example: `  pnvantage serve --config pnvantage.yaml
  pnvantage discover --interface eth1
  pnvantage simulate --interface veth1 --name water-rtu-01`,
	SilenceUsage: true,
	CompletionOptions: cobra.CompletionOptions{
		DisableDefaultCmd: true,
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to configuration file")
	rootCmd.AddCommand(serveCmd, discoverCmd, simulateCmd, backupCmd, restoreCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads --config on top of defaults and environment.
func loadConfig() (*config.Config, error) {
	return config.Load(configPath)
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	if cfg.GetBool("log.development") {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// interfaceName prefers the flag over profinet.interface.
func interfaceName(flag string, cfg *config.Config) (string, error) {
	if flag != "" {
		return flag, nil
	}
	if name := cfg.GetString("profinet.interface"); name != "" {
		return name, nil
	}
	return "", fmt.Errorf("no interface: pass --interface or set profinet.interface")
}
