package cmd

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/zjrosen/confab/internal/provider"
)

var providersCmd = &cobra.Command{
	Use:   "providers",
	Short: "List registered provider types",
	Long: `List the capability provider types compiled into this binary.

Each AI participant in the config selects one of these via its "provider"
field.

Examples:
  confab providers`,
	Run: func(cmd *cobra.Command, args []string) {
		types := provider.Registered()
		sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
		for _, t := range types {
			fmt.Fprintln(cmd.OutOrStdout(), t)
		}
	},
}

func init() {
	rootCmd.AddCommand(providersCmd)
}
