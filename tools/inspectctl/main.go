// Command inspectctl is the operator CLI: it previews the slot grid, mints
// development tokens and plays the payment provider against a running gateway.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "inspectctl",
		Short:         "Operator tooling for the inspection booking services",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("base-url", getenv("BASE_URL", "http://localhost:8080"), "gateway base url")

	root.AddCommand(slotsCmd())
	root.AddCommand(weekCmd())
	root.AddCommand(tokenCmd())
	root.AddCommand(stripeWebhookCmd())
	root.AddCommand(confirmPaymentCmd())
	return root
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
