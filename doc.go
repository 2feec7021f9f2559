// Package relayd exposes the Go APIs behind the relayd security server: a
// message relay that signs every envelope a member sends, forwards it to the
// service provider, and answers only once the signature, the hash chain and
// the provider's reply are durably logged. Logged records are timestamped in
// batches by an RFC 3161 authority, sealed into segments and archived into
// linked, indexed zip files.
//
// # Running a server
//
// The server listens on `Config.ListenProto` (default `tcp`) and
// `Config.Listen` (default `:5500`). Each connection carries exactly one
// request envelope; the client half-closes after writing it and reads the
// reply or a fault envelope.
//
//	cfg := relayd.Config{
//	    DataDir:         "/var/lib/relayd",
//	    SigningKeyFile:  "/etc/relayd/signing-key.pem",
//	    SigningCertFile: "/etc/relayd/signing-cert.pem",
//	    TSAURL:          "https://tsa.example/tsr",
//	    Upstream:        "https://provider.example/relay",
//	}
//	srv, err := relayd.NewServer(cfg)
//	if err != nil { log.Fatal(err) }
//	go func() {
//	    if err := srv.Start(); err != nil {
//	        log.Fatalf("relayd: %v", err)
//	    }
//	}()
//	defer srv.Close()
//
// StartServer does the same and waits until the listener is ready, which is
// convenient in tests:
//
//	srv, stop, err := relayd.StartServer(ctx, cfg, relayd.WithUpstream(up))
//	if err != nil { log.Fatal(err) }
//	defer stop(context.Background())
//
// # Upstreams
//
// `Config.Upstream` selects the transport to the next hop. `http://` and
// `https://` URLs POST the encoded envelope and parse the response body;
// `tcp://` and `tls://` speak the raw envelope protocol to another relayd,
// so two gateways can be chained. WithUpstream replaces the transport
// entirely.
//
// # Signing
//
// Signatures come either from an external signing service reached over
// gRPC (`Config.SignerTarget`, with TLS when `Config.SignerCAFile` is set) or
// from an in-process key (`Config.SigningKeyFile`). Transient signer and
// timestamp authority failures are retried with exponential backoff. When an
// OCSP spool directory is configured, responses dropped there as
// `<issuer-hash>:<serial>.der` gate the signing certificate.
//
// # Storage
//
// The message log lives under `Config.LogDir`; sealed segments are archived
// into `Config.ArchiveDir`, recorded in the sqlite catalog at
// `Config.CatalogDSN`, and optionally copied to `Config.ArchiveStore`
// (`disk://`, `s3://`, `aws://` or `azure://`). A segment is archived only
// once all of its records are timestamped. With
// `Config.ArchiveEncryptionKey` set, archives are sealed with kryptograf and
// stored as `.zip.enc`; `relayd archive genkey` creates the key file.
//
// # Shutdown
//
// Shutdown stops accepting, closes connections whose request has not been
// parsed yet, waits for in-flight relays, writes a final timestamp and then
// closes the log, archiver, catalog, signer and telemetry exporters.
package relayd
