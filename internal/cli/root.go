// Package cli implements the keepsake command line tool: vault
// initialization, status, and the push/pull/sync verbs against the
// configured remote.
package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "keepsake",
	Short: "Local-first encrypted personal data store",
	Long: `Keepsake keeps conversations, notes, tags and attachments in an
encrypted local store and synchronizes them between your devices through a
dumb file remote (folder, WebDAV) or a managed vault. All content is
end-to-end encrypted; the remote only ever sees ciphertext.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.keepsake/config.yaml)")
	rootCmd.PersistentFlags().String("data-dir", "", "data directory (default is $HOME/.keepsake)")
	_ = viper.BindPFlag("data_dir", rootCmd.PersistentFlags().Lookup("data-dir"))

	rootCmd.AddCommand(initCmd, statusCmd, pushCmd, pullCmd, syncCmd)
}

func initConfig() {
	viper.SetDefault("data_dir", defaultDataDir())
	viper.SetDefault("log.level", "info")
	viper.SetDefault("remote.kind", "")

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(defaultDataDir())
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}
	viper.SetEnvPrefix("KEEPSAKE")
	viper.AutomaticEnv()

	// A missing config file is fine; init creates one. A malformed one is not.
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Fprintf(os.Stderr, "failed to read config: %v\n", err)
			os.Exit(1)
		}
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".keepsake"
	}
	return filepath.Join(home, ".keepsake")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
