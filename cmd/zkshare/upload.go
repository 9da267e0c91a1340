package main

import (
	"errors"
	"fmt"
	"mime"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/kenneth/zk-share/internal/transfer"
	"github.com/kenneth/zk-share/internal/zkerr"
)

func newUploadCmd(opts *rootOptions) *cobra.Command {
	var (
		password    string
		askPassword bool
		mimeType    string
		retries     int
	)

	cmd := &cobra.Command{
		Use:   "upload FILE",
		Short: "Encrypt a file and print its share link",
		Long: `Encrypt FILE locally and upload the ciphertext.

Without a password the printed link carries the key in its fragment; anyone
holding the full link can decrypt the file. With --password or
--prompt-password the link only marks the file as password protected.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			errOut := cmd.ErrOrStderr()

			data, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			if askPassword && password == "" {
				if password, err = promptNewPassword(errOut); err != nil {
					return err
				}
			}
			if mimeType == "" {
				mimeType = mime.TypeByExtension(filepath.Ext(path))
			}

			p := newProgress(errOut, "Encrypting "+filepath.Base(path))
			sess, err := openSession(opts, errOut, p.observe)
			if err != nil {
				p.stop()
				return err
			}
			defer sess.Close()

			up := sess.client.NewUpload(transfer.File{
				Name:     filepath.Base(path),
				MIMEType: mimeType,
				Data:     data,
			}, transfer.UploadOptions{Password: password})

			res, err := up.Run(cmd.Context())
			for attempt := 0; err != nil && attempt < retries && zkerr.Retryable(err); attempt++ {
				var retryErr error
				res, retryErr = up.Retry(cmd.Context())
				if errors.Is(retryErr, transfer.ErrInvalidTransition) {
					break
				}
				err = retryErr
			}
			p.stop()
			if err != nil {
				return err
			}

			fmt.Fprintf(errOut, "%s Uploaded %s (%s, %s key)", color.GreenString("✓"),
				filepath.Base(path), humanize.Bytes(uint64(len(data))), res.Mode)
			if !res.ExpiresAt.IsZero() {
				fmt.Fprintf(errOut, ", expires %s", humanize.Time(res.ExpiresAt))
			}
			fmt.Fprintln(errOut)
			fmt.Fprintln(cmd.OutOrStdout(), res.ShareURL)
			return nil
		},
	}

	cmd.Flags().StringVar(&password, "password", "", "protect the file with a password instead of a link key")
	cmd.Flags().BoolVarP(&askPassword, "prompt-password", "p", false, "read the password from the terminal")
	cmd.Flags().StringVar(&mimeType, "type", "", "MIME type (guessed from the extension by default)")
	cmd.Flags().IntVar(&retries, "retries", 1, "times to retry a failed encryption or upload")
	return cmd
}
