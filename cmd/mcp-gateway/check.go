package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/vikashloomba/mcp-lazy-gateway/pkg/mcpmgr"
)

const checkConcurrency = 8

func newCheckCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Launch every configured server once and report its status",
		Long: `Launch every configured server through the same pool the gateway uses,
list its tools, and print one line per server. The command fails if any
server could not be started.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.runCheck(cmd.Context())
		},
	}
}

func (o *rootOptions) runCheck(ctx context.Context) error {
	logger, pool, err := o.setup()
	if err != nil {
		return err
	}
	defer func() {
		if err := pool.Close(); err != nil {
			logger.Warn("close pool", "error", err)
		}
	}()

	names := pool.Keys()
	failures := make([]error, len(names))
	var g errgroup.Group
	g.SetLimit(checkConcurrency)
	for i, name := range names {
		g.Go(func() error {
			_, failures[i] = pool.Get(ctx, name)
			return nil
		})
	}
	_ = g.Wait()

	statuses := make(map[string]mcpmgr.ServerStatus, len(names))
	for _, st := range pool.Snapshot() {
		statuses[st.Name] = st
	}

	tw := tabwriter.NewWriter(o.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tSTATUS\tTOOLS\tCOMMAND")
	failed := 0
	for i, name := range names {
		st := statuses[name]
		if failures[i] != nil {
			failed++
			fmt.Fprintf(tw, "%s\tfailed\t-\t%s\n", name, st.Command)
			logger.Error("server check failed", "server", name, "error", failures[i])
			continue
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", name, st.Status, st.Tools, st.Command)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d servers failed to start", failed, len(names))
	}
	return nil
}
