package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mnemo-oss/mnemo/internal/config"
)

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "mnemo",
	Short: "Conversational agent with long-term memory",
	Long: `mnemo - a chat agent that remembers.

Each turn runs a small state machine: the model answers, optionally calls
tools, and once a thread goes quiet its messages are mined for long-term
memories in the background.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./mnemo.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().String("model", "", "model override, e.g. anthropic/claude-sonnet-4-5")
	rootCmd.PersistentFlags().String("user", "", "user whose memories are read and written")
	_ = viper.BindPFlag("model.name", rootCmd.PersistentFlags().Lookup("model"))
	_ = viper.BindPFlag("memory.user_id", rootCmd.PersistentFlags().Lookup("user"))

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(memoryCmd)
	rootCmd.AddCommand(threadCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(toolCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(mcpServerCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(doctorCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(completionCmd)
}

func initConfig() {
	// A missing .env is fine.
	_ = godotenv.Load()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigName("mnemo")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("MNEMO")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		if verbose {
			fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
		}
	}
}

// applyFlagOverrides applies values set by flags or MNEMO_* environment
// variables on top of the file configuration.
func applyFlagOverrides(cfg *config.Config) {
	if v := overrideValue("model.name"); v != "" {
		cfg.Model.Name = v
		// An explicit provider in the file would otherwise shadow the prefix.
		if strings.Contains(v, "/") {
			cfg.Model.Provider = ""
		}
	}
	if v := overrideValue("model.api_key"); v != "" {
		cfg.Model.APIKey = v
	}
	if v := overrideValue("memory.user_id"); v != "" {
		cfg.Memory.UserID = v
	}
	if v := overrideValue("memory.debounce_delay"); v != "" {
		cfg.Memory.DebounceDelay = v
	}
	if v := overrideValue("redis.addr"); v != "" {
		cfg.Redis.Addr = v
	}
}

// overrideValue returns a value for key from a flag or the environment,
// ignoring what viper read from the config file.
func overrideValue(key string) string {
	if f := rootCmd.PersistentFlags().Lookup(flagFor(key)); f != nil && f.Changed {
		return viper.GetString(key)
	}
	return os.Getenv("MNEMO_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_")))
}

func flagFor(key string) string {
	switch key {
	case "model.name":
		return "model"
	case "memory.user_id":
		return "user"
	}
	return ""
}
