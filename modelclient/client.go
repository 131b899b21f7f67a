// Package modelclient connects the restoration pipeline to an external
// inference host over gRPC.
//
// The host serves photorestore.v1.ModelService. Messages use the protobuf
// well-known wrapper types; tensors and vectors travel as binary frames
// (see frame.go), so no generated code is required on either side.
package modelclient

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"photorestore/modelruntime"
	"photorestore/tensor"
)

// RunIDHeader is the metadata key carrying the restoration run ID.
const RunIDHeader = "x-run-id"

// unloadTimeout bounds Unload calls, which run detached from the caller's
// context so a cancelled run still frees the remote model.
const unloadTimeout = 10 * time.Second

// Client talks to the inference host and implements modelruntime.Loader.
type Client struct {
	conn   grpc.ClientConnInterface
	closer func() error
	logger *zap.Logger
}

// Dial creates a client for the inference host at addr. The connection is
// established lazily on the first call.
func Dial(addr string, logger *zap.Logger, opts ...grpc.DialOption) (*Client, error) {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	opts = append(opts,
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(maxMessageBytes),
			grpc.MaxCallSendMsgSize(maxMessageBytes),
		),
	)

	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("grpc dial %s: %w", addr, err)
	}
	c := NewClientWithConn(conn, logger)
	c.closer = conn.Close
	return c, nil
}

// NewClientWithConn wraps an existing connection. Used for testing.
func NewClientWithConn(conn grpc.ClientConnInterface, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{conn: conn, logger: logger}
}

// Close shuts down the underlying connection if the client owns it.
func (c *Client) Close() error {
	if c.closer == nil {
		return nil
	}
	return c.closer()
}

// LoadEncoder asks the host to load the encoder.
func (c *Client) LoadEncoder(ctx context.Context) (modelruntime.EncoderModel, error) {
	if err := c.load(ctx, modelruntime.KindEncoder); err != nil {
		return nil, err
	}
	return &remoteEncoder{client: c, runID: modelruntime.RunIDFrom(ctx)}, nil
}

// LoadDenoiser asks the host to load the denoiser.
func (c *Client) LoadDenoiser(ctx context.Context) (modelruntime.DenoiserModel, error) {
	if err := c.load(ctx, modelruntime.KindDenoiser); err != nil {
		return nil, err
	}
	return &remoteDenoiser{client: c, runID: modelruntime.RunIDFrom(ctx)}, nil
}

func (c *Client) load(ctx context.Context, kind modelruntime.Kind) error {
	out := new(emptypb.Empty)
	err := c.conn.Invoke(c.outgoing(ctx, ""), methodLoad, wrapperspb.String(string(kind)), out)
	return fromStatus("load "+string(kind), err)
}

func (c *Client) unload(runID string, kind modelruntime.Kind) error {
	ctx, cancel := context.WithTimeout(context.Background(), unloadTimeout)
	defer cancel()

	out := new(emptypb.Empty)
	err := c.conn.Invoke(c.outgoing(ctx, runID), methodUnload, wrapperspb.String(string(kind)), out)
	return fromStatus("unload "+string(kind), err)
}

// outgoing attaches the run ID header. A call without a run ID gets a fresh
// one so host logs can still be correlated per call.
func (c *Client) outgoing(ctx context.Context, runID string) context.Context {
	if runID == "" {
		runID = modelruntime.RunIDFrom(ctx)
	}
	if runID == "" {
		runID = uuid.NewString()
	}
	return metadata.AppendToOutgoingContext(ctx, RunIDHeader, runID)
}

type remoteEncoder struct {
	client *Client
	runID  string
}

func (e *remoteEncoder) Encode(ctx context.Context, img *tensor.Image) (map[string][]float32, error) {
	out := new(wrapperspb.BytesValue)
	err := e.client.conn.Invoke(e.client.outgoing(ctx, e.runID), methodEncode, wrapperspb.Bytes(MarshalTensor(img)), out)
	if err != nil {
		return nil, fromStatus("encode", err)
	}

	embeddings, err := UnmarshalEmbeddings(out.GetValue())
	if err != nil {
		return nil, fmt.Errorf("encode response: %w", err)
	}
	return embeddings, nil
}

func (e *remoteEncoder) Close() error {
	return e.client.unload(e.runID, modelruntime.KindEncoder)
}

type remoteDenoiser struct {
	client *Client
	runID  string
}

func (d *remoteDenoiser) Denoise(ctx context.Context, req modelruntime.DenoiseRequest) (*tensor.Image, error) {
	start := time.Now()
	out := new(wrapperspb.BytesValue)
	err := d.client.conn.Invoke(d.client.outgoing(ctx, d.runID), methodDenoise, wrapperspb.Bytes(MarshalDenoiseRequest(req)), out)
	if err != nil {
		return nil, fromStatus("denoise", err)
	}

	noise, err := UnmarshalTensor(out.GetValue())
	if err != nil {
		return nil, fmt.Errorf("denoise response: %w", err)
	}
	d.client.logger.Debug("Denoise call completed",
		zap.String("run_id", d.runID),
		zap.Int("timestep", req.Timestep),
		zap.Duration("elapsed", time.Since(start)),
	)
	return noise, nil
}

func (d *remoteDenoiser) Close() error {
	return d.client.unload(d.runID, modelruntime.KindDenoiser)
}
