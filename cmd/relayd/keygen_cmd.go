package main

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/relayd"
	"pkt.systems/relayd/internal/tlsutil"
)

func newKeygenCommand() *cobra.Command {
	var (
		outDir     string
		memberCode string
		org        string
		validity   time.Duration
		force      bool
	)
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a development CA and member signing identity",
		Long: `keygen writes ca.pem, signing-cert.pem and signing-key.pem. The signing
certificate carries the member code as its common name and is issued by a
throwaway CA, so the identity is only suitable for development and tests.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := outDir
			if dir == "" {
				base, err := relayd.DefaultConfigDir()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				dir = filepath.Join(base, "keys")
			}
			dir, err := expandPath(dir)
			if err != nil {
				return err
			}
			id, err := tlsutil.GenerateIdentity(tlsutil.IdentityRequest{
				MemberCode:   memberCode,
				Organization: org,
				Validity:     validity,
			})
			if err != nil {
				return err
			}
			if err := id.WriteDir(dir, force); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "subject:      %s\n", id.SigningCert.Subject.String())
			fmt.Fprintf(out, "not after:    %s\n", id.SigningCert.NotAfter.UTC().Format(time.RFC3339))
			fmt.Fprintf(out, "signing-key:  %s\n", filepath.Join(dir, tlsutil.SigningKeyFileName))
			fmt.Fprintf(out, "signing-cert: %s\n", filepath.Join(dir, tlsutil.SigningCertFileName))
			fmt.Fprintf(out, "ca:           %s\n", filepath.Join(dir, tlsutil.CAFileName))
			return nil
		},
	}
	cmd.Flags().StringVarP(&outDir, "out", "o", "", "output directory (defaults to $HOME/.relayd/keys)")
	cmd.Flags().StringVar(&memberCode, "member-code", "", "member code recorded as the certificate common name")
	cmd.Flags().StringVar(&org, "org", "", "organization recorded in the certificate subjects")
	cmd.Flags().DurationVar(&validity, "validity", 0, "certificate validity (defaults to one year)")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing key material")
	return cmd
}
