package main

import (
	"fmt"

	"github.com/Sternrassler/discovery-harvester/pkg/discovery"
	"github.com/spf13/cobra"
)

func newCheckIDsCmd() *cobra.Command {
	var length int

	cmd := &cobra.Command{
		Use:   "check-ids <id>...",
		Short: "Reports which arguments have the item identifier format.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v := discovery.NewValidator(length)
			invalid := 0
			for _, id := range args {
				verdict := "valid"
				if !v.Valid(id) {
					verdict = "invalid"
					invalid++
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", id, verdict)
			}
			if invalid > 0 {
				return fmt.Errorf("%d of %d identifiers invalid", invalid, len(args))
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&length, "length", discovery.DefaultIDLength, "Exact identifier length.")
	return cmd
}
