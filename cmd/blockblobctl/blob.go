//go:build linux

package main

import (
	"fmt"

	units "github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/projecteru2/blockblob/blobstore"
)

func blobCommands() []*cobra.Command {
	return []*cobra.Command{createCmd(), openCmd(), deleteCmd()}
}

func createCmd() *cobra.Command {
	var root, id, sig, sizeStr string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "create a new blob and print its device path",
		RunE: func(cmd *cobra.Command, _ []string) error {
			size, err := units.RAMInBytes(sizeStr)
			if err != nil {
				return fmt.Errorf("invalid --size %q: %w", sizeStr, err)
			}
			s, err := openStore(cmd.Context(), root)
			if err != nil {
				return err
			}
			b, err := blobstore.OpenBlob(cmd.Context(), s, id, uint64(size)/512, blobstore.FlagCreate, sig, conf.LockTimeout()) //nolint:mnd
			if err != nil {
				return err
			}
			fmt.Printf("id:     %s\n", b.ID)
			fmt.Printf("device: %s\n", b.DevicePath)
			return b.Close(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&root, "root", "", "store root directory")
	cmd.Flags().StringVar(&id, "id", "", "blob id (default: random)")
	cmd.Flags().StringVar(&sig, "sig", "", "signature to associate with the blob")
	cmd.Flags().StringVar(&sizeStr, "size", "1G", "blob size (e.g. 512M, 10G)")
	_ = cmd.MarkFlagRequired("size")
	return cmd
}

func openCmd() *cobra.Command {
	var root string
	cmd := &cobra.Command{
		Use:   "open <id>",
		Short: "open an existing blob and print its device path",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openStore(cmd.Context(), root)
			if err != nil {
				return err
			}
			b, err := blobstore.OpenBlob(cmd.Context(), s, args[0], 0, 0, "", conf.LockTimeout())
			if err != nil {
				return err
			}
			fmt.Printf("id:     %s\n", b.ID)
			fmt.Printf("size:   %s\n", units.BytesSize(float64(b.SizeBlocks*512))) //nolint:mnd
			fmt.Printf("device: %s\n", b.DevicePath)
			return b.Close(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&root, "root", "", "store root directory")
	return cmd
}

func deleteCmd() *cobra.Command {
	var root string
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "delete a blob (fails if anything still maps into it)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openStore(cmd.Context(), root)
			if err != nil {
				return err
			}
			b, err := blobstore.OpenBlob(cmd.Context(), s, args[0], 0, 0, "", conf.LockTimeout())
			if err != nil {
				return err
			}
			if err := b.Delete(cmd.Context(), conf.LockTimeout(), teardownOptions()); err != nil {
				return err
			}
			fmt.Printf("deleted: %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&root, "root", "", "store root directory")
	return cmd
}
