package upstream

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"

	"github.com/ongoingai/airelay/internal/relay"
)

const (
	bedrockSigningService = "bedrock"
	defaultConnectTimeout = 10 * time.Second
	defaultHeaderTimeout  = 60 * time.Second
)

// TransportOptions configures the outbound connection pool.
type TransportOptions struct {
	ConnectTimeout        time.Duration
	ResponseHeaderTimeout time.Duration
	MaxIdleConnsPerHost   int
}

// NewTransport returns a pooled transport for provider calls. Compression is
// left to the provider; ForwardHeaders pins identity encoding.
func NewTransport(options TransportOptions) *http.Transport {
	if options.ConnectTimeout <= 0 {
		options.ConnectTimeout = defaultConnectTimeout
	}
	if options.ResponseHeaderTimeout <= 0 {
		options.ResponseHeaderTimeout = defaultHeaderTimeout
	}
	if options.MaxIdleConnsPerHost <= 0 {
		options.MaxIdleConnsPerHost = 32
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = (&net.Dialer{
		Timeout:   options.ConnectTimeout,
		KeepAlive: 30 * time.Second,
	}).DialContext
	transport.TLSHandshakeTimeout = options.ConnectTimeout
	transport.ResponseHeaderTimeout = options.ResponseHeaderTimeout
	transport.MaxIdleConnsPerHost = options.MaxIdleConnsPerHost
	transport.DisableCompression = true
	return transport
}

// DispatcherOptions configures a Dispatcher.
type DispatcherOptions struct {
	Client *http.Client
	// Credentials signs Bedrock requests that carry no client credential.
	Credentials aws.CredentialsProvider
	Region      string
	Now         func() time.Time
}

// Dispatcher opens outbound provider requests.
type Dispatcher struct {
	client      *http.Client
	credentials aws.CredentialsProvider
	signer      *v4.Signer
	region      string
	now         func() time.Time
}

// NewDispatcher returns a Dispatcher. A nil Client uses a pooled transport
// with default timeouts.
func NewDispatcher(options DispatcherOptions) *Dispatcher {
	client := &http.Client{Transport: NewTransport(TransportOptions{})}
	if options.Client != nil {
		copied := *options.Client
		client = &copied
	}
	// Redirects are relayed to the client, never followed.
	client.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }
	now := options.Now
	if now == nil {
		now = time.Now
	}
	return &Dispatcher{
		client:      client,
		credentials: options.Credentials,
		signer:      v4.NewSigner(),
		region:      strings.TrimSpace(options.Region),
		now:         now,
	}
}

// Dispatch sends target and returns the response once headers arrive. The
// caller owns resp.Body. Errors are *relay.Error values; a non-2xx response
// is not an error.
func (d *Dispatcher) Dispatch(ctx context.Context, target Target) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.URL, bytes.NewReader(target.Body))
	if err != nil {
		return nil, &relay.Error{Kind: relay.KindRouting, Status: http.StatusBadRequest, Message: "build upstream request", Err: err}
	}
	CopyHeaders(req.Header, target.Header)
	req.ContentLength = int64(len(target.Body))

	if target.Auth == AuthSigV4 {
		if err := d.sign(ctx, req, target.Body); err != nil {
			return nil, err
		}
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, relay.ConnectError(err)
	}
	return resp, nil
}

func (d *Dispatcher) sign(ctx context.Context, req *http.Request, body []byte) error {
	if d.credentials == nil {
		return &relay.Error{Kind: relay.KindUpstreamConnect, Status: http.StatusBadGateway, Message: "no aws credentials configured"}
	}
	if d.region == "" {
		return &relay.Error{Kind: relay.KindUpstreamConnect, Status: http.StatusBadGateway, Message: "no aws region configured"}
	}
	creds, err := d.credentials.Retrieve(ctx)
	if err != nil {
		return &relay.Error{Kind: relay.KindUpstreamConnect, Status: http.StatusBadGateway, Message: "aws credentials unavailable", Err: err}
	}
	sum := sha256.Sum256(body)
	if err := d.signer.SignHTTP(ctx, creds, req, hex.EncodeToString(sum[:]), bedrockSigningService, d.region, d.now()); err != nil {
		return &relay.Error{Kind: relay.KindUpstreamConnect, Status: http.StatusBadGateway, Message: "sign request", Err: fmt.Errorf("sigv4: %w", err)}
	}
	return nil
}
