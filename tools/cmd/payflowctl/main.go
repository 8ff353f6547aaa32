// tools/cmd/payflowctl/main.go
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "payflowctl",
		Short:   "Operator tooling for payflow",
		Version: Version,
	}

	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(reapCmd())
	rootCmd.AddCommand(genCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
