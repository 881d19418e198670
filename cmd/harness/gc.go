package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmoyers/harness/internal/gateway"
)

func gcCmd() *cobra.Command {
	var cleanupOrphans bool
	var olderThanDays int
	cmd := &cobra.Command{
		Use:   "gc",
		Short: "sweep orphan daemon processes and stale named-session artifact trees",
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThanDays < 0 {
				return usageError("--older-than-days must be >= 0")
			}

			if cleanupOrphans {
				killed, err := gateway.CleanupOrphans()
				if err != nil {
					return err
				}
				if len(killed) == 0 {
					fmt.Println("no orphan daemons found")
				} else {
					fmt.Printf("killed %d orphan daemon(s): %v\n", len(killed), killed)
				}
			}

			olderThan := time.Duration(olderThanDays) * 24 * time.Hour
			swept, err := gateway.GCNamedSessions(flags.root, flags.session, olderThan)
			if err != nil {
				return err
			}
			if len(swept) == 0 {
				fmt.Println("no stale named sessions found")
			} else {
				fmt.Printf("swept %d named session(s): %v\n", len(swept), swept)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&cleanupOrphans, "cleanup-orphans", true, "kill orphaned harnessd processes (disable with --cleanup-orphans=false)")
	cmd.Flags().IntVar(&olderThanDays, "older-than-days", 7, "minimum artifact age before a named session is swept")
	return cmd
}
