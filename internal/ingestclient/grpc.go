package ingestclient

import (
	"context"
	"crypto/tls"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/auxoncorp/modality-defmt-plugins/internal/config"
	"github.com/auxoncorp/modality-defmt-plugins/internal/metrics"
)

const (
	methodOpenTimeline    = "/modality.ingest.v1.IngestService/OpenTimeline"
	methodDeclareAttrKey  = "/modality.ingest.v1.IngestService/DeclareAttrKey"
	methodTimelineMeta    = "/modality.ingest.v1.IngestService/TimelineMetadata"
	methodEvent           = "/modality.ingest.v1.IngestService/Event"
	methodFlush           = "/modality.ingest.v1.IngestService/Flush"
	methodStatus          = "/modality.ingest.v1.IngestService/Status"

	defaultClientTimeout = 30 * time.Second
)

// GRPCClient is the concrete [Client] implementation, connecting to the
// ingest service's gRPC endpoint. There are no protoc-generated service
// stubs available in this build, so every RPC is issued through
// grpc.ClientConn.Invoke against plain Go request/response structs,
// content-negotiated with the JSON codec registered in codec.go.
type GRPCClient struct {
	conn    *grpc.ClientConn
	timeout time.Duration
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// Dial parses cfg.URL, establishes the gRPC connection (insecure or TLS per
// cfg.AllowInsecureTLS), and starts a background goroutine that mirrors the
// connection's connectivity state into m.Connected / m.ReconnectAttempts.
// grpc.NewClient connects lazily and reconnects on its own with its built-in
// backoff, so no manual reconnect loop is needed here (ingest-client
// connection internals are out of scope).
func Dial(ctx context.Context, cfg config.IngestConfig, logger *slog.Logger, m *metrics.Metrics) (*GRPCClient, error) {
	if logger == nil {
		logger = slog.Default()
	}

	target, err := parseTarget(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrURLParse, cfg.URL, err)
	}

	var creds credentials.TransportCredentials
	if cfg.AllowInsecureTLS {
		creds = insecure.NewCredentials()
	} else {
		creds = credentials.NewTLS(&tls.Config{})
	}

	dialOpts := []grpc.DialOption{grpc.WithTransportCredentials(creds)}
	if cfg.AuthTokenHex != "" {
		tok, derr := hex.DecodeString(cfg.AuthTokenHex)
		if derr != nil {
			return nil, fmt.Errorf("%w: auth_token is not valid hex: %v", ErrAuth, derr)
		}
		dialOpts = append(dialOpts, grpc.WithPerRPCCredentials(authTokenCreds{token: tok, insecureOK: cfg.AllowInsecureTLS}))
	}

	conn, err := grpc.NewClient(target, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrIngest, target, err)
	}

	timeout := defaultClientTimeout
	if cfg.ClientTimeout != 0 {
		timeout = time.Duration(cfg.ClientTimeout)
	}

	c := &GRPCClient{conn: conn, timeout: timeout, logger: logger, metrics: m}
	go c.watchConnectivity(ctx)
	return c, nil
}

// parseTarget translates a "modality-ingest://host:port" URL into the
// "host:port" form grpc.NewClient expects; any other scheme is passed
// through unchanged so "host:port" or "dns:///host:port" targets also work.
func parseTarget(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if u.Scheme == "modality-ingest" || u.Scheme == "" {
		if u.Host != "" {
			return u.Host, nil
		}
		return u.Opaque, nil
	}
	return raw, nil
}

func (c *GRPCClient) watchConnectivity(ctx context.Context) {
	if c.metrics == nil {
		return
	}
	state := c.conn.GetState()
	for {
		c.metrics.Connected.Store(boolToInt64(state == connectivity.Ready))
		if !c.conn.WaitForStateChange(ctx, state) {
			return
		}
		next := c.conn.GetState()
		if next == connectivity.Connecting && state != connectivity.Connecting {
			c.metrics.ReconnectAttempts.Add(1)
		}
		state = next
	}
}

func boolToInt64(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

func (c *GRPCClient) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.timeout)
}

func (c *GRPCClient) invoke(ctx context.Context, method string, req, resp any) error {
	cctx, cancel := c.callCtx(ctx)
	defer cancel()
	if err := c.conn.Invoke(cctx, method, req, resp, grpc.CallContentSubtype("json")); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrIngest, method, err)
	}
	return nil
}

func (c *GRPCClient) OpenTimeline(ctx context.Context, id string) error {
	var resp openTimelineResponse
	return c.invoke(ctx, methodOpenTimeline, &openTimelineRequest{TimelineID: id}, &resp)
}

func (c *GRPCClient) DeclareAttrKey(ctx context.Context, key string) (InternedKey, error) {
	var resp declareAttrKeyResponse
	if err := c.invoke(ctx, methodDeclareAttrKey, &declareAttrKeyRequest{Name: key}, &resp); err != nil {
		return 0, err
	}
	return InternedKey(resp.Key), nil
}

func (c *GRPCClient) TimelineMetadata(ctx context.Context, attrs []KeyValue) error {
	var resp timelineMetadataResponse
	return c.invoke(ctx, methodTimelineMeta, &timelineMetadataRequest{Attrs: toWireAttrVals(attrs)}, &resp)
}

func (c *GRPCClient) Event(ctx context.Context, ordering string, attrs []KeyValue) error {
	var resp eventResponse
	return c.invoke(ctx, methodEvent, &eventRequest{Ordering: ordering, Attrs: toWireAttrVals(attrs)}, &resp)
}

func (c *GRPCClient) Flush(ctx context.Context) error {
	var resp flushResponse
	return c.invoke(ctx, methodFlush, &flushRequest{}, &resp)
}

func (c *GRPCClient) Status(ctx context.Context) (Status, error) {
	var resp statusResponse
	if err := c.invoke(ctx, methodStatus, &statusRequest{}, &resp); err != nil {
		return Status{}, err
	}
	return Status{
		EventsReceived: resp.EventsReceived,
		EventsWritten:  resp.EventsWritten,
		EventsPending:  resp.EventsPending,
	}, nil
}

// Close shuts down the underlying gRPC connection.
func (c *GRPCClient) Close() error {
	return c.conn.Close()
}

var _ Client = (*GRPCClient)(nil)
