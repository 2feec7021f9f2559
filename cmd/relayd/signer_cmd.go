package main

import (
	"errors"
	"fmt"
	"net"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"pkt.systems/pslog"

	"pkt.systems/relayd"
	"pkt.systems/relayd/internal/signer"
	"pkt.systems/relayd/internal/tlsutil"
)

// newSignerCommand serves an in-process key over the signing service
// protocol so gateways can be exercised against a remote signer.
func newSignerCommand(logger pslog.Logger) *cobra.Command {
	var (
		listen  string
		keyFile string
		keyID   string
		tlsCert string
		tlsKey  string
	)
	cmd := &cobra.Command{
		Use:   "signer",
		Short: "Serve a PEM signing key over the gRPC signing protocol (development)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			if keyFile == "" {
				return errors.New("--key-file is required")
			}
			if (tlsCert == "") != (tlsKey == "") {
				return errors.New("--tls-cert and --tls-key must be set together")
			}
			path, err := expandPath(keyFile)
			if err != nil {
				return err
			}
			key, err := tlsutil.LoadPrivateKey(path)
			if err != nil {
				return err
			}
			local := signer.NewLocal()
			local.Add(keyID, key)

			var opts []grpc.ServerOption
			if tlsCert != "" {
				creds, err := credentials.NewServerTLSFromFile(tlsCert, tlsKey)
				if err != nil {
					return fmt.Errorf("load signer tls: %w", err)
				}
				opts = append(opts, grpc.Creds(creds))
			}
			srv := grpc.NewServer(opts...)
			signer.RegisterServer(srv, local)

			ln, err := net.Listen("tcp", listen)
			if err != nil {
				return fmt.Errorf("listen %s: %w", listen, err)
			}
			logger.Info("relayd.signer.listening", "address", ln.Addr().String(), "key_id", keyID, "tls", tlsCert != "")
			ctx := cmd.Context()
			go func() {
				<-ctx.Done()
				srv.GracefulStop()
			}()
			if err := srv.Serve(ln); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return err
			}
			logger.Info("relayd.signer.stopped")
			return nil
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "127.0.0.1:7000", "listen address of the signing service")
	cmd.Flags().StringVar(&keyFile, "key-file", "", "PEM private key to serve")
	cmd.Flags().StringVar(&keyID, "key-id", relayd.DefaultSigningKeyID, "key identifier the key answers to")
	cmd.Flags().StringVar(&tlsCert, "tls-cert", "", "server TLS certificate")
	cmd.Flags().StringVar(&tlsKey, "tls-key", "", "server TLS key")
	return cmd
}
