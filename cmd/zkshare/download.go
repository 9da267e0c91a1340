package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/kenneth/zk-share/internal/crypto"
	"github.com/kenneth/zk-share/internal/transfer"
	"github.com/kenneth/zk-share/internal/zkerr"
)

const maxPasswordAttempts = 3

var errOutputExists = errors.New("output file exists; pass --force to overwrite")

func newDownloadCmd(opts *rootOptions) *cobra.Command {
	var (
		output   string
		password string
		force    bool
	)

	cmd := &cobra.Command{
		Use:   "download URL",
		Short: "Download and decrypt a shared file",
		Long: `Download the ciphertext behind a share link and decrypt it locally.

Password protected links prompt for the password, up to three times. Use
-o - to write the file to stdout.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			errOut := cmd.ErrOrStderr()

			p := newProgress(errOut, "Fetching ciphertext")
			sess, err := openSession(opts, errOut, p.observe)
			if err != nil {
				p.stop()
				return err
			}
			defer sess.Close()

			dl := sess.client.NewDownload(args[0], transfer.DownloadOptions{Password: password})
			defer dl.Close()

			material, err := dl.Run(cmd.Context())
			p.stop()
			for attempt := 0; err != nil && attempt < maxPasswordAttempts && needsPassword(dl, err); attempt++ {
				if dl.State() == transfer.DownloadAuthenticationFailed {
					fmt.Fprintf(errOut, "%s %s\n", color.RedString("✗"), zkerr.UserMessage(err))
				}
				pw, perr := promptPassword(errOut, "Password: ")
				if perr != nil {
					return perr
				}
				material, err = dl.Retry(cmd.Context(), pw)
			}
			if err != nil {
				return err
			}

			name, err := writeMaterial(cmd.OutOrStdout(), material, output, force)
			if err != nil {
				return err
			}
			fmt.Fprintf(errOut, "%s Decrypted %s (%s, %s)\n", color.GreenString("✓"),
				name, humanize.Bytes(material.Size), material.MIMEType)
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "output path, or - for stdout (default: the original file name)")
	cmd.Flags().StringVar(&password, "password", "", "password for protected links")
	cmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite an existing output file")
	return cmd
}

// needsPassword reports whether prompting for a password can fix err: the
// blob is password protected and either no password was given or it was
// wrong.
func needsPassword(dl *transfer.DownloadSession, err error) bool {
	meta, ok := dl.Metadata()
	if !ok || crypto.ModeOf(meta) != crypto.ModePasswordDerived {
		return false
	}
	return errors.Is(err, zkerr.ErrAuthenticationFailure) || errors.Is(err, zkerr.ErrInvalidKeyFormat)
}

// writeMaterial writes the decrypted file and returns where it went.
func writeMaterial(stdout io.Writer, material *crypto.DecryptedMaterial, output string, force bool) (string, error) {
	if output == "-" {
		if _, err := material.WriteTo(stdout); err != nil {
			return "", err
		}
		return "stdout", nil
	}
	if output == "" {
		output = safeFilename(material.Filename)
	}

	flags := os.O_WRONLY | os.O_CREATE | os.O_EXCL
	if force {
		flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	}
	f, err := os.OpenFile(output, flags, 0o600)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return "", fmt.Errorf("%s: %w", output, errOutputExists)
		}
		return "", err
	}
	if _, err := material.WriteTo(f); err != nil {
		f.Close()
		return "", err
	}
	return output, f.Close()
}

// safeFilename keeps only the last element of a name chosen by the uploader.
func safeFilename(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	switch name {
	case "", ".", "..", "/":
		return "download.bin"
	}
	return name
}
