package cli

import (
	"github.com/spf13/cobra"

	"github.com/klemenkosir/flipper/internal/config"
)

// ServerConfig is the loaded configuration shared by all commands.
var ServerConfig *config.Config

var (
	cfgFile string
	verbose bool
)

// SetupRootCmd builds the command tree. The root command runs the server.
func SetupRootCmd(c *config.Config) *cobra.Command {
	ServerConfig = c

	rootCmd := &cobra.Command{
		Use:   "flipper",
		Short: "Flipper - plugin messaging runtime",
		Long: `Flipper hosts desktop-side plugin instances and bridges them to
instrumented client applications over websocket.

Just type 'flipper' to start the server.`,
		Run: func(cmd *cobra.Command, args []string) {
			RunServe()
		},
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: embedded config)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(ServeCmd())

	return rootCmd
}
