package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"pkt.systems/pslog"

	"pkt.systems/relayd"
	"pkt.systems/relayd/internal/archive"
	"pkt.systems/relayd/internal/catalog"
)

func newArchiveCommand(logger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Verify archives and locate archived messages",
	}
	cmd.PersistentFlags().String("catalog", "", "catalog DSN (defaults to the configured catalog-dsn or <data-dir>/catalog.db)")
	cmd.AddCommand(newArchiveVerifyCommand())
	cmd.AddCommand(newArchiveFindCommand(logger))
	cmd.AddCommand(newArchiveListCommand(logger))
	cmd.AddCommand(newArchiveGenKeyCommand())
	return cmd
}

func newArchiveGenKeyCommand() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "genkey <key-file>",
		Short: "Generate a key file for archive encryption at rest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := expandPath(args[0])
			if err != nil {
				return err
			}
			if err := archive.WriteEncryptionKey(path, force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote archive key to %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing key file")
	return cmd
}

// archiveEncryption loads the key from --key-file, falling back to the
// configured archive-encryption-key. It returns nil when neither is set.
func archiveEncryption(keyFile string) (*archive.Encryption, error) {
	keyFile = strings.TrimSpace(keyFile)
	if keyFile == "" {
		if _, err := loadConfigFile(); err != nil {
			return nil, err
		}
		keyFile = strings.TrimSpace(viper.GetString("archive-encryption-key"))
	}
	if keyFile == "" {
		return nil, nil
	}
	path, err := expandPath(keyFile)
	if err != nil {
		return nil, err
	}
	return archive.LoadEncryptionKey(path)
}

func newArchiveVerifyCommand() *cobra.Command {
	var indexPath string
	var noIndex bool
	var keyFile string
	cmd := &cobra.Command{
		Use:   "verify <archive.zip>",
		Short: "Verify record digests, timestamps and the archive link of a zip archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := expandPath(args[0])
			if err != nil {
				return err
			}
			idx := ""
			switch {
			case noIndex:
			case indexPath != "":
				if idx, err = expandPath(indexPath); err != nil {
					return err
				}
			default:
				base := strings.TrimSuffix(filepath.Base(path), archive.EncryptedSuffix)
				candidate := filepath.Join(filepath.Dir(path), archive.IndexName(base))
				if _, err := os.Stat(candidate); err == nil {
					idx = candidate
				}
			}
			var enc *archive.Encryption
			if strings.HasSuffix(path, archive.EncryptedSuffix) {
				if enc, err = archiveEncryption(keyFile); err != nil {
					return err
				}
				if enc == nil {
					return fmt.Errorf("%s: %w (use --key-file)", path, archive.ErrEncryptionKeyRequired)
				}
			}
			report, err := archive.VerifyFile(cmd.Context(), path, idx, enc)
			if err != nil {
				return fmt.Errorf("verify %s: %w", path, err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "archive:    %s\n", path)
			if idx != "" {
				fmt.Fprintf(out, "index:      %s\n", idx)
			}
			fmt.Fprintf(out, "algorithm:  %s\n", report.Algorithm)
			fmt.Fprintf(out, "records:    %d\n", report.Records)
			fmt.Fprintf(out, "timestamps: %d\n", report.Timestamps)
			fmt.Fprintf(out, "previous:   %s %s\n", report.Link.Name, report.Link.Digest)
			fmt.Fprintf(out, "digest:     %s\n", report.Digest)
			fmt.Fprintln(out, "ok")
			return nil
		},
	}
	cmd.Flags().StringVar(&indexPath, "index", "", "index file (defaults to the .idx next to the archive when present)")
	cmd.Flags().BoolVar(&noIndex, "no-index", false, "skip index verification")
	cmd.Flags().StringVar(&keyFile, "key-file", "", "archive encryption key (defaults to the configured archive-encryption-key)")
	return cmd
}

func newArchiveFindCommand(logger pslog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "find <message-id>",
		Short: "Locate the archives holding a message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cat, err := openCatalog(cmd, logger)
			if err != nil {
				return err
			}
			defer cat.Close()
			locs, err := cat.Lookup(cmd.Context(), args[0])
			if err != nil {
				if errors.Is(err, catalog.ErrNotFound) {
					return fmt.Errorf("message %q is not archived", args[0])
				}
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SEQUENCE\tOFFSET\tARCHIVE")
			for _, loc := range locs {
				fmt.Fprintf(tw, "%d\t%d\t%s\n", loc.Sequence, loc.Offset, loc.Archive.Path)
			}
			return tw.Flush()
		},
	}
}

func newArchiveListCommand(logger pslog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List catalogued archives in sequence order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cat, err := openCatalog(cmd, logger)
			if err != nil {
				return err
			}
			defer cat.Close()
			infos, err := cat.Archives(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tFIRST\tLAST\tRECORDS\tTIMESTAMPS\tSIZE\tCREATED")
			for _, info := range infos {
				fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%s\t%s\n",
					info.Name, info.FirstSeq, info.LastSeq, info.Records, info.Timestamps,
					humanizeBytes(info.Size), info.CreatedAt.UTC().Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}
}

// openCatalog resolves the catalog DSN from --catalog, then the config file
// and environment, then the default data directory.
func openCatalog(cmd *cobra.Command, logger pslog.Logger) (*catalog.Catalog, error) {
	dsn, _ := cmd.Flags().GetString("catalog")
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		if _, err := loadConfigFile(); err != nil {
			return nil, err
		}
		dsn = strings.TrimSpace(viper.GetString("catalog-dsn"))
	}
	if dsn == "-" {
		return nil, errors.New("catalog is disabled")
	}
	if dsn == "" {
		dataDir := strings.TrimSpace(viper.GetString("data-dir"))
		if dataDir == "" {
			dir, err := relayd.DefaultDataDir()
			if err != nil {
				return nil, fmt.Errorf("resolve data dir: %w", err)
			}
			dataDir = dir
		}
		expanded, err := expandPath(dataDir)
		if err != nil {
			return nil, err
		}
		dsn = "file:" + filepath.Join(expanded, "catalog.db")
	}
	return catalog.Open(dsn, logger)
}
