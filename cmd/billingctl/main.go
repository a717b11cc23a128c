package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "billingctl",
		Short:   "billingctl - operator tool for the PaySync billing engine",
		Version: Version,
	}

	rootCmd.AddCommand(graceSweepCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(refundCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
