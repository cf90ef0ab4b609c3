package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &clientOptions{}
	rootCmd := &cobra.Command{
		Use:           "reconcilerctl",
		Short:         "Operator CLI for the invoice reconciler admin API",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&opts.addr, "addr", envOr("RECONCILER_ADDR", "http://localhost:8080"), "admin API base URL")
	flags.StringVar(&opts.token, "token", os.Getenv("RECONCILER_ADMIN_TOKEN"), "admin bearer token")
	flags.StringVar(&opts.operator, "operator", envOr("USER", ""), "operator name recorded in the audit log")
	flags.DurationVar(&opts.timeout, "timeout", defaultTimeout, "request timeout")

	rootCmd.AddCommand(invoiceCmd(opts))
	rootCmd.AddCommand(syncCmd(opts))
	rootCmd.AddCommand(registryCmd(opts))
	return rootCmd
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func invoiceCmd(opts *clientOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "invoice",
		Short: "Inspect and act on invoices",
	}

	get := &cobra.Command{
		Use:   "get [invoice-id]",
		Short: "Show an invoice with its payments and recent polling log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.client().call(cmd, "GET", "/admin/v1/invoices/"+pathEscape(args[0]), nil)
		},
	}

	var status string
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List invoices, open ones by default",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := query{"status": status}
			if limit > 0 {
				q["limit"] = fmt.Sprint(limit)
			}
			return opts.client().call(cmd, "GET", "/admin/v1/invoices"+q.encode(), nil)
		},
	}
	list.Flags().StringVarP(&status, "status", "s", "", "comma separated statuses")
	list.Flags().IntVarP(&limit, "limit", "n", 0, "maximum results")

	cancel := &cobra.Command{
		Use:   "cancel [invoice-id]",
		Short: "Cancel an invoice that has not received payment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.client().call(cmd, "POST", "/admin/v1/invoices/"+pathEscape(args[0])+"/cancel", nil)
		},
	}

	send := &cobra.Command{
		Use:   "send [invoice-id]",
		Short: "Mark a draft invoice as sent to the client",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.client().call(cmd, "POST", "/admin/v1/invoices/"+pathEscape(args[0])+"/send", nil)
		},
	}

	cmd.AddCommand(get, list, cancel, send)
	return cmd
}

func syncCmd(opts *clientOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Inspect and retry ledger sync",
	}

	get := &cobra.Command{
		Use:   "get [invoice-id]",
		Short: "Show the sync record and attempt log of an invoice",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.client().call(cmd, "GET", "/admin/v1/invoices/"+pathEscape(args[0])+"/sync", nil)
		},
	}

	var status string
	list := &cobra.Command{
		Use:   "list",
		Short: "List sync records",
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.client().call(cmd, "GET", "/admin/v1/sync"+query{"status": status}.encode(), nil)
		},
	}
	list.Flags().StringVarP(&status, "status", "s", "failed", "pending, synced or failed")

	resync := &cobra.Command{
		Use:   "resync [invoice-id]",
		Short: "Reset a failed sync record and attempt delivery now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.client().call(cmd, "POST", "/admin/v1/invoices/"+pathEscape(args[0])+"/resync", nil)
		},
	}

	cmd.AddCommand(get, list, resync)
	return cmd
}

func registryCmd(opts *clientOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "registry",
		Short: "Chain registry operations",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "reload",
		Short: "Reload chains and tokens from their source",
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.client().call(cmd, "POST", "/admin/v1/registry/reload", nil)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "chains",
		Short: "List enabled chains",
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.client().call(cmd, "GET", "/admin/v1/chains", nil)
		},
	})
	return cmd
}
