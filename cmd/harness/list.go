package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/jmoyers/harness/internal/proto"
)

func listCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "list live sessions known to the daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig()
			if err != nil {
				return err
			}
			c, err := dial(cfg)
			if err != nil {
				return fmt.Errorf("connect: %w", err)
			}
			defer c.Close()

			var resp proto.SessionListResponse
			if _, err := c.Call(proto.CmdSessionList, proto.SessionListRequest{Limit: limit}, &resp); err != nil {
				return err
			}

			if flags.jsonOut {
				return json.NewEncoder(os.Stdout).Encode(resp.Sessions)
			}
			if len(resp.Sessions) == 0 {
				fmt.Println("no sessions")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "SESSION ID\tLIVE\tSTATUS\tPID\tCONTROLLER")
			for _, s := range resp.Sessions {
				pid := "-"
				if s.ProcessID != nil {
					pid = fmt.Sprintf("%d", *s.ProcessID)
				}
				controller := "-"
				if s.Controller != nil {
					controller = fmt.Sprintf("%s (%s)", s.Controller.ControllerID, s.Controller.ControllerType)
				}
				fmt.Fprintf(w, "%s\t%t\t%s\t%s\t%s\n", s.SessionID, s.Live, s.Status, pid, controller)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of sessions to return")
	return cmd
}
