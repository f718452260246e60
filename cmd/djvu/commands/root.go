package commands

import (
	"github.com/spf13/cobra"

	"github.com/WolfgangFahl/djvu-viewer/cmd/djvu/ui"
)

var (
	cfgFile string
	verbose bool
	noColor bool
	jsonOut bool
)

var rootCmd = &cobra.Command{
	Use:   "djvu",
	Short: "DjVu library catalog and conversion pipeline",
	Long: `Catalog a library of DjVu containers, convert their pages to web-friendly
image formats through a cached, bounded worker pool, package the results as
tar archives and answer named queries over the collected metadata.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		ui.InitUI(noColor, jsonOut)
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "machine-readable JSON output")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
