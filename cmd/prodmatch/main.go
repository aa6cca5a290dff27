// Command prodmatch inspects AI recommendation responses and maps them to
// catalog products from the command line.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const Version = "0.1.0"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "prodmatch",
		Short:         "Analyze AI recommendation responses and map them to catalog products",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(analyzeCmd())
	cmd.AddCommand(mapCmd())
	cmd.AddCommand(tokenCmd())
	cmd.AddCommand(cacheCmd())
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "prodmatch version %s\n", Version)
		},
	})

	return cmd
}
