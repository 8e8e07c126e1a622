package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"fcc_monitor/internal/admin"
	"fcc_monitor/internal/scheduler"
)

func checkCmd() *cobra.Command {
	var respectThrottle bool

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Run one monitoring cycle and print the result as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			res := a.sched.RunOnce(ctx, scheduler.RunOptions{Force: !respectThrottle})
			if err := printJSON(res); err != nil {
				return err
			}
			if !res.Success {
				return fmt.Errorf("check failed: %s", res.Status)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&respectThrottle, "respect-throttle", false, "skip the cycle if the configured frequency has not elapsed")
	return cmd
}

func previewCmd() *cobra.Command {
	var tmpl string

	cmd := &cobra.Command{
		Use:       "preview [slack|x]",
		Short:     "Render the sample filing with a template without sending it",
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{"slack", "x"},
		RunE: func(cmd *cobra.Command, args []string) error {
			var name string
			if len(args) == 1 {
				name = args[0]
			}
			ch, err := admin.ParseChannel(name)
			if err != nil {
				return err
			}

			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			p, err := a.svc.Preview(cmd.Context(), ch, tmpl)
			if err != nil {
				return err
			}
			return printJSON(p)
		},
	}

	cmd.Flags().StringVarP(&tmpl, "template", "t", "", "template to render (default: the stored one)")
	return cmd
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
