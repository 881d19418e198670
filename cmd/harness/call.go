package main

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func callCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "call <command> [json-payload]",
		Short: "issue a single raw RPC call against the daemon and print its result",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			command := args[0]
			var payload any
			if len(args) == 2 {
				if err := json.Unmarshal([]byte(args[1]), &payload); err != nil {
					return usageError("invalid json payload: %v", err)
				}
			} else {
				payload = map[string]any{}
			}

			cfg, err := resolveConfig()
			if err != nil {
				return err
			}
			c, err := dial(cfg)
			if err != nil {
				return fmt.Errorf("connect: %w", err)
			}
			defer c.Close()

			var raw json.RawMessage
			reason, err := c.Call(command, payload, &raw)
			if err != nil {
				if reason != "" {
					return fmt.Errorf("%s: %s", reason, err)
				}
				return err
			}
			if len(raw) == 0 {
				fmt.Println("{}")
				return nil
			}
			var pretty bytes.Buffer
			if err := json.Indent(&pretty, raw, "", "  "); err != nil {
				fmt.Println(string(raw))
				return nil
			}
			fmt.Println(pretty.String())
			return nil
		},
	}
	return cmd
}
