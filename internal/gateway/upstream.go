package gateway

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"pkt.systems/relayd/internal/correlation"
	"pkt.systems/relayd/internal/envelope"
	"pkt.systems/relayd/internal/version"
)

// EnvelopeContentType is used when envelopes travel over HTTP.
const EnvelopeContentType = "application/vnd.relayd.envelope"

// Upstream delivers a signed request to the next hop and returns its reply.
// The returned envelope is owned by the caller.
type Upstream interface {
	Exchange(ctx context.Context, req *envelope.Envelope) (*envelope.Envelope, error)
}

// UpstreamFunc adapts a function to Upstream.
type UpstreamFunc func(ctx context.Context, req *envelope.Envelope) (*envelope.Envelope, error)

// Exchange implements Upstream.
func (f UpstreamFunc) Exchange(ctx context.Context, req *envelope.Envelope) (*envelope.Envelope, error) {
	return f(ctx, req)
}

// HTTPUpstream posts the encoded envelope and parses the response body.
type HTTPUpstream struct {
	URL    string
	Codec  *envelope.Codec
	Client *http.Client
}

// NewHTTPUpstream returns an instrumented HTTP upstream.
func NewHTTPUpstream(url string, codec *envelope.Codec, timeout time.Duration) *HTTPUpstream {
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &HTTPUpstream{
		URL:   url,
		Codec: codec,
		Client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// Exchange implements Upstream.
func (u *HTTPUpstream) Exchange(ctx context.Context, req *envelope.Envelope) (*envelope.Envelope, error) {
	var body bytes.Buffer
	if err := envelope.Encode(&body, req); err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u.URL, &body)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", EnvelopeContentType)
	httpReq.Header.Set("User-Agent", version.UserAgent())
	correlation.Inject(ctx, httpReq.Header)
	resp, err := u.Client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%w: http status %d", ErrUpstreamUnavailable, resp.StatusCode)
	}
	env, err := u.Codec.Parse(ctx, resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: response: %w", ErrUpstreamUnavailable, err)
	}
	return env, nil
}

// StreamUpstream speaks the raw envelope protocol to another relayd: one
// envelope per connection, write side half-closed after the request.
type StreamUpstream struct {
	Network string
	Address string
	TLS     *tls.Config
	Codec   *envelope.Codec
	Timeout time.Duration
}

// Exchange implements Upstream.
func (u *StreamUpstream) Exchange(ctx context.Context, req *envelope.Envelope) (*envelope.Envelope, error) {
	network := u.Network
	if network == "" {
		network = "tcp"
	}
	dialer := &net.Dialer{Timeout: 10 * time.Second}
	var (
		conn net.Conn
		err  error
	)
	if u.TLS != nil {
		conn, err = (&tls.Dialer{NetDialer: dialer, Config: u.TLS}).DialContext(ctx, network, u.Address)
	} else {
		conn, err = dialer.DialContext(ctx, network, u.Address)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrUpstreamUnavailable, u.Address, err)
	}
	defer conn.Close()
	if u.Timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(u.Timeout))
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Unix(1, 0)) })
	defer stop()

	if err := envelope.Encode(conn, req); err != nil {
		return nil, fmt.Errorf("%w: write: %v", ErrUpstreamUnavailable, err)
	}
	if cw, ok := conn.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
	}
	env, err := u.Codec.Parse(ctx, conn)
	if err != nil {
		if errors.Is(err, envelope.ErrMalformedEnvelope) && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: response: %w", ErrUpstreamUnavailable, err)
	}
	return env, nil
}
