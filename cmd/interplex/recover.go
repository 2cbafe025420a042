package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/seantiz/interplex/internal/coordinator"
	"github.com/seantiz/interplex/internal/launcher"
	"github.com/seantiz/interplex/internal/rpc"
)

type recoverRow struct {
	GroupID   string `json:"group_id"`
	SessionID string `json:"session_id"`
	Endpoint  string `json:"endpoint"`
	Launcher  string `json:"launcher"`
	Alive     bool   `json:"alive"`
}

func newRecoverCmd(g *globals) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "recover",
		Short: "List recovery entries and check their workers",
		Long:  "recover reads the recovery store and reports which recorded workers still answer isRunning for their group. It does not modify the store.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			storage, err := openStorage(g.cfg)
			if err != nil {
				return err
			}
			defer storage.Close()

			ctx := cmd.Context()
			entries, err := storage.List(ctx)
			if err != nil {
				return fmt.Errorf("list recovery entries: %w", err)
			}

			rows := make([]recoverRow, 0, len(entries))
			for _, e := range entries {
				ep := launcher.EndpointFromEntry(e)
				client := rpc.NewClient(ep.Dialer(), 1)
				alive := coordinator.CheckWorker(ctx, client, e.GroupID) == nil
				client.Close()
				rows = append(rows, recoverRow{
					GroupID:   e.GroupID,
					SessionID: e.SessionID,
					Endpoint:  ep.String(),
					Launcher:  ep.Launcher,
					Alive:     alive,
				})
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(rows)
			}
			if len(rows) == 0 {
				fmt.Fprintln(out, "no recovery entries")
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "GROUP\tSESSION\tENDPOINT\tLAUNCHER\tALIVE")
			for _, r := range rows {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\n", r.GroupID, r.SessionID, r.Endpoint, r.Launcher, r.Alive)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print entries as JSON")
	return cmd
}
