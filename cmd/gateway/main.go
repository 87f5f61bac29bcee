// Command gateway is the CLI entrypoint exercising the query-execution
// gateway end to end, the same command surface a UI bridge would call,
// modeled on this project's reference CLI's cobra/viper wiring.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/qoreforge/dbgateway/internal/obs"
)

var (
	cfgFile string
	dataDir string
	logger  *obs.Logger
)

func main() {
	root := newRootCommand()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "gateway",
		Short: "Query-execution gateway for relational and document databases",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default $HOME/.gateway/gateway.yaml)")
	root.PersistentFlags().StringVar(&dataDir, "data-dir", "", "directory for persisted gateway state")
	viper.BindPFlag("data_dir", root.PersistentFlags().Lookup("data-dir"))

	root.AddCommand(
		newConnectCommand(),
		newQueryCommand(),
		newFederateCommand(),
		newAuditCommand(),
		newRulesCommand(),
		newSafetyConfigCommand(),
		newLicenseCommand(),
		newServeCommand(),
	)
	return root
}

func initConfig() error {
	viper.SetEnvPrefix("GATEWAY")
	viper.AutomaticEnv()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home + "/.gateway")
		}
		viper.SetConfigName("gateway")
		viper.SetConfigType("yaml")
	}
	viper.SetDefault("log_level", "info")
	viper.SetDefault("data_dir", defaultDataDir())
	viper.SetDefault("audit_capacity", 1000)
	viper.SetDefault("reservoir_size", 500)

	_ = viper.ReadInConfig() // absence of a config file is not an error

	if dataDir == "" {
		dataDir = viper.GetString("data_dir")
	}

	logger = obs.New(obs.Config{Level: viper.GetString("log_level")})
	return nil
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".gateway"
	}
	return home + "/.gateway"
}
