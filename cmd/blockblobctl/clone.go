//go:build linux

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/projecteru2/blockblob/blobstore"
	"github.com/projecteru2/blockblob/clone"
)

// mapEntryJSON mirrors clone.MapEntry in a form the CLI can unmarshal
// from a file: relation/source are strings, and a BLOB source is
// resolved by opening the named id under --root before Compose runs.
type mapEntryJSON struct {
	Relation      string `json:"relation"`
	SourceKind    string `json:"source_kind"`
	SourcePath    string `json:"source_path,omitempty"`
	SourceBlobID  string `json:"source_blob_id,omitempty"`
	FirstBlockSrc uint64 `json:"first_block_src"`
	FirstBlockDst uint64 `json:"first_block_dst"`
	LenBlocks     uint64 `json:"len_blocks"`
}

func cloneCommand() *cobra.Command {
	var root, mapFile string
	cmd := &cobra.Command{
		Use:   "clone <dst-id>",
		Short: "build a device-mapper clone stack on an open blob from a JSON block map",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dstID := args[0]
			s, err := openStore(cmd.Context(), root)
			if err != nil {
				return err
			}
			dst, err := blobstore.OpenBlob(cmd.Context(), s, dstID, 0, 0, "", conf.LockTimeout())
			if err != nil {
				return err
			}
			defer dst.Close(cmd.Context()) //nolint:errcheck

			entries, opened, err := loadMap(cmd.Context(), s, mapFile)
			if err != nil {
				return err
			}
			defer func() {
				for _, b := range opened {
					_ = b.Close(cmd.Context())
				}
			}()

			opts := clone.Options{ZeroDevice: conf.ZeroDevice, Teardown: teardownOptions()}
			if err := clone.Compose(cmd.Context(), dst, entries, opts); err != nil {
				return err
			}
			fmt.Printf("device: %s\n", dst.DevicePath)
			return nil
		},
	}
	cmd.Flags().StringVar(&root, "root", "", "store root directory")
	cmd.Flags().StringVar(&mapFile, "map", "", "path to a JSON block map file")
	_ = cmd.MarkFlagRequired("map")
	return cmd
}

// loadMap reads a JSON array of mapEntryJSON from path and resolves it
// into clone.MapEntry values, opening any referenced BLOB sources (which
// the caller must close once Compose has run).
func loadMap(ctx context.Context, s *blobstore.Store, path string) ([]clone.MapEntry, []*blobstore.Blob, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path from CLI flag
	if err != nil {
		return nil, nil, fmt.Errorf("read map file: %w", err)
	}
	var raw []mapEntryJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, nil, fmt.Errorf("parse map file: %w", err)
	}

	entries := make([]clone.MapEntry, 0, len(raw))
	var opened []*blobstore.Blob
	for i, r := range raw {
		e := clone.MapEntry{
			FirstBlockSrc: r.FirstBlockSrc,
			FirstBlockDst: r.FirstBlockDst,
			LenBlocks:     r.LenBlocks,
		}
		switch r.Relation {
		case "copy":
			e.Relation = clone.COPY
		case "map":
			e.Relation = clone.MAP
		case "snapshot":
			e.Relation = clone.SNAPSHOT
		default:
			return nil, opened, fmt.Errorf("entry %d: unknown relation %q", i, r.Relation)
		}
		switch r.SourceKind {
		case "device":
			e.Source = clone.Source{Kind: clone.SourceDevice, Path: r.SourcePath}
		case "zero":
			e.Source = clone.Source{Kind: clone.SourceZero}
		case "blob":
			b, err := blobstore.OpenBlob(ctx, s, r.SourceBlobID, 0, 0, "", conf.LockTimeout())
			if err != nil {
				return nil, opened, fmt.Errorf("entry %d: open source blob %s: %w", i, r.SourceBlobID, err)
			}
			opened = append(opened, b)
			e.Source = clone.Source{Kind: clone.SourceBlob, Blob: b}
		default:
			return nil, opened, fmt.Errorf("entry %d: unknown source_kind %q", i, r.SourceKind)
		}
		entries = append(entries, e)
	}
	return entries, opened, nil
}
