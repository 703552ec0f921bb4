package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:          "swapguard",
		Short:        "Uniswap route discovery and swap safety checks",
		SilenceUsage: true,
	}

	root.PersistentFlags().String("config", "", "config file path")
	root.PersistentFlags().String("rpc", "", "Ethereum RPC URL")
	root.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	root.PersistentFlags().String("metrics-addr", "", "serve Prometheus metrics on this address (e.g. :9100)")

	routesCmd := &cobra.Command{
		Use:   "routes",
		Short: "Discover and quote routes between two tokens",
		RunE:  runRoutes,
	}
	addSwapFlags(routesCmd)
	addDiscoveryFlags(routesCmd)
	root.AddCommand(routesCmd)

	verifyCmd := &cobra.Command{
		Use:   "verify TOKEN [TOKEN...]",
		Short: "Run the token security checks",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runVerify,
	}
	verifyCmd.Flags().Bool("history", false, "print the last stored verdict per token (requires --pg-dsn)")
	verifyCmd.Flags().Bool("verify-source", true, "reject contracts without verified source")
	addAuditFlags(verifyCmd)
	root.AddCommand(verifyCmd)

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Discover the best route and validate it before swapping",
		RunE:  runValidate,
	}
	addSwapFlags(validateCmd)
	addDiscoveryFlags(validateCmd)
	addAuditFlags(validateCmd)
	validateCmd.Flags().String("swapper", "", "address that would send the swap")
	validateCmd.Flags().String("recipient", "", "address receiving the output (defaults to swapper)")
	validateCmd.Flags().Int("deadline", 20, "swap deadline in minutes")
	validateCmd.Flags().String("security-level", "", "security level (LOW, MEDIUM, HIGH)")
	validateCmd.Flags().String("min-liquidity", "", "minimum pool TVL in USD")
	validateCmd.Flags().String("max-impact", "", "maximum price impact as a fraction")
	validateCmd.Flags().Bool("no-simulate", false, "skip the eth_call swap simulation")
	validateCmd.Flags().Bool("skip-verify", false, "skip token verification")
	validateCmd.Flags().Bool("verify-source", true, "reject contracts without verified source")
	root.AddCommand(validateCmd)

	contractsCmd := &cobra.Command{
		Use:   "check-contracts",
		Short: "Check that the configured DEX deployments answer",
		RunE:  runCheckContracts,
	}
	root.AddCommand(contractsCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func addSwapFlags(cmd *cobra.Command) {
	cmd.Flags().String("in", "", "input token address")
	cmd.Flags().String("out", "", "output token address")
	cmd.Flags().String("amount", "", "input amount in display units")
}

func addDiscoveryFlags(cmd *cobra.Command) {
	cmd.Flags().String("protocol", "", "pool protocol (v2, v3)")
	cmd.Flags().String("fee-tiers", "", "fee tiers (comma-separated)")
	cmd.Flags().String("intermediates", "", "intermediate tokens (comma-separated)")
	cmd.Flags().Int("max-hops", 0, "maximum route hops")
	cmd.Flags().Int("concurrency", 0, "concurrent candidate evaluations")
	cmd.Flags().String("slippage", "", "slippage tolerance as a fraction")
}

func addAuditFlags(cmd *cobra.Command) {
	cmd.Flags().String("audit-jsonl", "", "append audit records to this JSONL file")
	cmd.Flags().String("pg-dsn", "", "Postgres DSN for audit records")
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	return nil
}
