package relayd

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"pkt.systems/relayd/internal/catalog"
	"pkt.systems/relayd/internal/digest"
	"pkt.systems/relayd/internal/envelope"
	"pkt.systems/relayd/internal/gateway"
	"pkt.systems/relayd/internal/hashchain"
	"pkt.systems/relayd/internal/loadsample"
	"pkt.systems/relayd/internal/logcapture"
	"pkt.systems/relayd/internal/tlsutil"
	"pkt.systems/relayd/internal/tsa"
)

type recordingUpstream struct {
	mu         sync.Mutex
	signatures [][]byte
	roots      [][]byte
}

func (u *recordingUpstream) Exchange(_ context.Context, req *envelope.Envelope) (*envelope.Envelope, error) {
	sigs := req.PartsByType(gateway.SignatureContentType)
	manifests, err := req.Manifests()
	if err != nil || len(sigs) != 1 || len(manifests) != 1 {
		return nil, errors.New("outbound request lacks manifest or signature")
	}
	sig, err := sigs[0].Bytes()
	if err != nil {
		return nil, err
	}
	// The signature covers the chain up to, not including, its own step.
	signed := manifests[0].Steps[manifests[0].Len()-2].Digest
	u.mu.Lock()
	u.signatures = append(u.signatures, sig)
	u.roots = append(u.roots, signed)
	u.mu.Unlock()
	resp := envelope.New(req.Algorithm, req.MessageID)
	resp.AddBytes("answer", "application/json", []byte(`{"ok":true}`))
	return resp, nil
}

func idleLoad() loadsample.Source {
	return loadsample.SourceFunc(func(context.Context) (loadsample.Sample, error) {
		return loadsample.Sample{FreeHandles: 1 << 20, HandleLimit: 1 << 20, CPULoad: 0.05}, nil
	})
}

func fakeAuthority() tsa.Authority {
	return tsa.AuthorityFunc(func(_ context.Context, _ digest.Algorithm, sum []byte) ([]byte, error) {
		return append([]byte("tst:"), sum...), nil
	})
}

func writeIdentity(t *testing.T) (string, *tlsutil.Identity) {
	t.Helper()
	id, err := tlsutil.GenerateIdentity(tlsutil.IdentityRequest{MemberCode: "EE/COM/12345678"})
	if err != nil {
		t.Fatalf("identity: %v", err)
	}
	dir := t.TempDir()
	if err := id.WriteDir(dir, false); err != nil {
		t.Fatalf("write identity: %v", err)
	}
	return dir, id
}

func testConfig(t *testing.T, keyDir string) Config {
	t.Helper()
	return Config{
		Listen:            "127.0.0.1:0",
		DataDir:           t.TempDir(),
		SigningKeyFile:    filepath.Join(keyDir, tlsutil.SigningKeyFileName),
		SigningCertFile:   filepath.Join(keyDir, tlsutil.SigningCertFileName),
		SigningKeyID:      "member-key",
		TimestampInterval: -1,
		MaxSegmentAge:     -1,
		LoadLogInterval:   -1,
		ShutdownTimeout:   5 * time.Second,
	}
}

func sendRequest(t *testing.T, srv *Server, id string) *envelope.Envelope {
	t.Helper()
	client := &gateway.StreamUpstream{
		Address: srv.ListenerAddr().String(),
		Codec:   envelope.NewCodec(envelope.Limits{}, nil),
		Timeout: 5 * time.Second,
	}
	req := envelope.New(digest.SHA256, id)
	req.AddBytes("body", "application/xml", []byte("<query>"+id+"</query>"))
	reply, err := client.Exchange(context.Background(), req)
	if err != nil {
		t.Fatalf("exchange %s: %v", id, err)
	}
	t.Cleanup(func() { _ = reply.Close() })
	return reply
}

func TestServerRelaysSignsAndArchives(t *testing.T) {
	keyDir, id := writeIdentity(t)
	cfg := testConfig(t, keyDir)
	cfg.MaxSegmentBytes = 1
	up := &recordingUpstream{}
	logger := logcapture.New()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	srv, stop, err := StartServer(ctx, cfg,
		WithLogger(logger),
		WithUpstream(up),
		WithAuthority(fakeAuthority()),
		WithLoadSource(idleLoad()),
	)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer stop(context.Background())

	reply := sendRequest(t, srv, "msg-archived")
	if fault, ok := reply.Fault(); ok {
		t.Fatalf("unexpected fault %s: %s", fault.Code, fault.Message)
	}
	if _, ok := reply.Part("answer"); !ok {
		t.Fatal("reply lacks the upstream payload")
	}
	if got := reply.PartsByType(hashchain.ContentType); len(got) != 1 {
		t.Fatalf("reply carries %d manifests", len(got))
	}
	up.mu.Lock()
	sig, root := up.signatures[0], up.roots[0]
	up.mu.Unlock()
	if !ed25519.Verify(id.SigningCert.PublicKey.(ed25519.PublicKey), root, sig) {
		t.Fatal("outbound signature does not verify with the signing certificate")
	}

	cat, err := catalog.Open("file:"+filepath.Join(cfg.DataDir, "catalog.db"), nil)
	if err != nil {
		t.Fatalf("open catalog: %v", err)
	}
	defer cat.Close()
	deadline := time.Now().Add(10 * time.Second)
	var locs []catalog.Location
	for {
		locs, err = cat.Lookup(ctx, "msg-archived")
		if err == nil {
			break
		}
		if !errors.Is(err, catalog.ErrNotFound) || time.Now().After(deadline) {
			t.Fatalf("lookup: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}
	if len(locs) != 1 || locs[0].Sequence != 1 {
		t.Fatalf("locations %+v", locs)
	}
	if _, err := os.Stat(locs[0].Archive.Path); err != nil {
		t.Fatalf("archive missing: %v", err)
	}
	if _, ok := logger.Find("relayd.archive.created"); !ok {
		t.Fatal("expected archive log entry")
	}

	if err := stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if _, ok := logger.Find("relayd.server.stopped"); !ok {
		t.Fatal("expected stopped log entry")
	}
}

func TestServerAnswersFaultsForBadInput(t *testing.T) {
	keyDir, _ := writeIdentity(t)
	cfg := testConfig(t, keyDir)
	srv, stop, err := StartServer(context.Background(), cfg,
		WithUpstream(gateway.UpstreamFunc(func(context.Context, *envelope.Envelope) (*envelope.Envelope, error) {
			return nil, fmt.Errorf("%w: provider down", gateway.ErrUpstreamUnavailable)
		})),
		WithLoadSource(idleLoad()),
	)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer stop(context.Background())

	reply := sendRequest(t, srv, "msg-unrouted")
	fault, ok := reply.Fault()
	if !ok {
		t.Fatal("expected a fault reply")
	}
	if fault.Code != gateway.FaultCode(gateway.ErrUpstreamUnavailable) {
		t.Fatalf("fault code %q", fault.Code)
	}
	if next := srv.LogStats().NextSequence; next != 1 {
		t.Fatalf("failed relay was logged, next sequence %d", next)
	}
}

func TestServerRestartResumesSequence(t *testing.T) {
	keyDir, _ := writeIdentity(t)
	cfg := testConfig(t, keyDir)
	opts := []Option{WithUpstream(&recordingUpstream{}), WithLoadSource(idleLoad())}

	srv, stop, err := StartServer(context.Background(), cfg, opts...)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	sendRequest(t, srv, "first")
	sendRequest(t, srv, "second")
	if err := stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}

	srv, stop, err = StartServer(context.Background(), cfg, opts...)
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	defer stop(context.Background())
	if next := srv.LogStats().NextSequence; next != 3 {
		t.Fatalf("next sequence after restart %d, want 3", next)
	}
}

func TestNewServerRejectsMismatchedKey(t *testing.T) {
	keyDir, _ := writeIdentity(t)
	otherDir, _ := writeIdentity(t)
	cfg := testConfig(t, keyDir)
	cfg.SigningCertFile = filepath.Join(otherDir, tlsutil.SigningCertFileName)
	_, err := NewServer(cfg, WithUpstream(&recordingUpstream{}))
	if err == nil || !strings.Contains(err.Error(), "does not match") {
		t.Fatalf("expected key mismatch error, got %v", err)
	}
}

func TestNewServerRequiresSignerOrUpstream(t *testing.T) {
	if _, err := NewServer(Config{DataDir: t.TempDir()}); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestStartAfterShutdown(t *testing.T) {
	keyDir, _ := writeIdentity(t)
	srv, err := NewServer(testConfig(t, keyDir), WithUpstream(&recordingUpstream{}), WithLoadSource(idleLoad()))
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	if err := srv.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := srv.Start(); !errors.Is(err, ErrServerClosed) {
		t.Fatalf("expected ErrServerClosed, got %v", err)
	}
	if err := srv.Shutdown(context.Background()); err != nil {
		t.Fatalf("second shutdown: %v", err)
	}
}
