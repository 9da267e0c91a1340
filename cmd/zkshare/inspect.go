package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/kenneth/zk-share/internal/crypto"
	"github.com/kenneth/zk-share/internal/sharelink"
)

func newInspectCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect URL",
		Short: "Show the public metadata of a shared file",
		Long:  "Show what the server knows about a shared file. Nothing is decrypted and the link key is never sent.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			link, err := sharelink.Parse(args[0])
			if err != nil {
				return err
			}

			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			store, err := newHTTPStore(cfg, newLogger(cmd.ErrOrStderr(), opts.verbose))
			if err != nil {
				return err
			}

			wire, err := store.Stat(cmd.Context(), link.ShortID)
			if err != nil {
				return err
			}
			meta, err := crypto.MetadataFromWire(wire)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintf(w, "ID:\t%s\n", link.ShortID)
			fmt.Fprintf(w, "Algorithm:\t%s\n", meta.Algorithm)
			fmt.Fprintf(w, "Key:\t%s\n", crypto.ModeOf(meta))
			if meta.Iterations > 0 {
				fmt.Fprintf(w, "Iterations:\t%d\n", meta.Iterations)
			}
			fmt.Fprintf(w, "Size:\t%s\n", humanize.Bytes(meta.OriginalSize))
			if meta.UploadTimestamp > 0 {
				fmt.Fprintf(w, "Uploaded:\t%s\n", humanize.Time(time.UnixMilli(meta.UploadTimestamp)))
			}
			fmt.Fprintf(w, "Link:\t%s\n", linkDescription(link))
			return w.Flush()
		},
	}
}

func linkDescription(link sharelink.Link) string {
	switch link.Mode {
	case sharelink.ModeKey:
		return "carries the key"
	case sharelink.ModePassword:
		return "needs a password"
	default:
		return "no usable key"
	}
}
