//go:build linux

package main

import (
	"fmt"
	"text/tabwriter"

	units "github.com/docker/go-units"
	"github.com/spf13/cobra"
)

func storeCommands() []*cobra.Command {
	return []*cobra.Command{statCmd(), scanCmd()}
}

func statCmd() *cobra.Command {
	var root string
	cmd := &cobra.Command{
		Use:   "stat",
		Short: "print a store's metadata",
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := openStore(cmd.Context(), root)
			if err != nil {
				return err
			}
			fmt.Printf("id:         %s\n", s.Meta.ID)
			fmt.Printf("limit:      %s (%d blocks)\n", units.BytesSize(float64(s.Meta.LimitBlocks*512)), s.Meta.LimitBlocks) //nolint:mnd
			fmt.Printf("revocation: %s\n", s.Meta.Revocation)
			fmt.Printf("snapshot:   %s\n", s.Meta.Snapshot)
			fmt.Printf("format:     %s\n", s.Meta.Format)
			return nil
		},
	}
	cmd.Flags().StringVar(&root, "root", "", "store root directory")
	return cmd
}

func scanCmd() *cobra.Command {
	var root string
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "list every blob in a store with its usage mask",
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := openStore(cmd.Context(), root)
			if err != nil {
				return err
			}
			records, err := s.Scan(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0) //nolint:mnd
			fmt.Fprintln(w, "ID\tSIZE\tUSAGE")
			for _, r := range records {
				fmt.Fprintf(w, "%s\t%s\t%s\n", r.ID, units.BytesSize(float64(r.SizeBlocks*512)), r.Usage) //nolint:mnd
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&root, "root", "", "store root directory")
	return cmd
}
