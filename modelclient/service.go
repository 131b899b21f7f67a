package modelclient

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"photorestore/modelruntime"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "photorestore.v1.ModelService"

const (
	methodLoad    = "/" + ServiceName + "/Load"
	methodUnload  = "/" + ServiceName + "/Unload"
	methodEncode  = "/" + ServiceName + "/Encode"
	methodDenoise = "/" + ServiceName + "/Denoise"
)

// maxMessageBytes allows full-resolution tensor frames on both sides.
const maxMessageBytes = 256 << 20

// ServerOptions returns grpc.ServerOptions matching the client's message
// size limits.
func ServerOptions() []grpc.ServerOption {
	return []grpc.ServerOption{
		grpc.MaxRecvMsgSize(maxMessageBytes),
		grpc.MaxSendMsgSize(maxMessageBytes),
	}
}

// modelServiceServer is the handler contract checked by grpc.RegisterService.
type modelServiceServer interface {
	Load(context.Context, *wrapperspb.StringValue) (*emptypb.Empty, error)
	Unload(context.Context, *wrapperspb.StringValue) (*emptypb.Empty, error)
	Encode(context.Context, *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)
	Denoise(context.Context, *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)
}

// Service serves models from a modelruntime.Loader over gRPC. An inference
// host embeds it by supplying a Loader backed by its own runtime.
type Service struct {
	loader modelruntime.Loader
	logger *zap.Logger

	mu       sync.Mutex
	encoder  modelruntime.EncoderModel
	denoiser modelruntime.DenoiserModel
}

// NewService creates a Service with no models loaded.
func NewService(loader modelruntime.Loader, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{loader: loader, logger: logger}
}

// RegisterModelService registers svc on s.
func RegisterModelService(s grpc.ServiceRegistrar, svc *Service) {
	s.RegisterService(&modelServiceDesc, svc)
}

func parseKind(v *wrapperspb.StringValue) (modelruntime.Kind, error) {
	switch k := modelruntime.Kind(v.GetValue()); k {
	case modelruntime.KindEncoder, modelruntime.KindDenoiser:
		return k, nil
	default:
		return "", status.Errorf(codes.InvalidArgument, "unknown model kind %q", v.GetValue())
	}
}

func runIDFromIncoming(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	if v := md.Get(RunIDHeader); len(v) > 0 {
		return v[0]
	}
	return ""
}

// Load loads the requested model. Loading an already loaded model is a no-op.
func (s *Service) Load(ctx context.Context, in *wrapperspb.StringValue) (*emptypb.Empty, error) {
	kind, err := parseKind(in)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch kind {
	case modelruntime.KindEncoder:
		if s.encoder == nil {
			s.encoder, err = s.loader.LoadEncoder(ctx)
		}
	case modelruntime.KindDenoiser:
		if s.denoiser == nil {
			s.denoiser, err = s.loader.LoadDenoiser(ctx)
		}
	}
	if err != nil {
		s.logger.Error("Model load failed",
			zap.String("run_id", runIDFromIncoming(ctx)),
			zap.String("model", string(kind)),
			zap.Error(err),
		)
		return nil, toStatus(err)
	}

	s.logger.Info("Model loaded",
		zap.String("run_id", runIDFromIncoming(ctx)),
		zap.String("model", string(kind)),
	)
	return &emptypb.Empty{}, nil
}

// Unload releases the requested model. Unloading an unloaded model is a no-op.
func (s *Service) Unload(ctx context.Context, in *wrapperspb.StringValue) (*emptypb.Empty, error) {
	kind, err := parseKind(in)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch kind {
	case modelruntime.KindEncoder:
		if s.encoder != nil {
			err = s.encoder.Close()
			s.encoder = nil
		}
	case modelruntime.KindDenoiser:
		if s.denoiser != nil {
			err = s.denoiser.Close()
			s.denoiser = nil
		}
	}
	if err != nil {
		return nil, toStatus(err)
	}

	s.logger.Info("Model unloaded",
		zap.String("run_id", runIDFromIncoming(ctx)),
		zap.String("model", string(kind)),
	)
	return &emptypb.Empty{}, nil
}

// Encode runs the loaded encoder on a tensor frame.
func (s *Service) Encode(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	s.mu.Lock()
	enc := s.encoder
	s.mu.Unlock()
	if enc == nil {
		return nil, toStatus(fmt.Errorf("%w: %s", modelruntime.ErrModelNotLoaded, modelruntime.KindEncoder))
	}

	img, err := UnmarshalTensor(in.GetValue())
	if err != nil {
		return nil, toStatus(err)
	}
	out, err := enc.Encode(ctx, img)
	if err != nil {
		return nil, toStatus(err)
	}
	return wrapperspb.Bytes(MarshalEmbeddings(out)), nil
}

// Denoise runs the loaded denoiser on a denoise request frame.
func (s *Service) Denoise(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	s.mu.Lock()
	den := s.denoiser
	s.mu.Unlock()
	if den == nil {
		return nil, toStatus(fmt.Errorf("%w: %s", modelruntime.ErrModelNotLoaded, modelruntime.KindDenoiser))
	}

	req, err := UnmarshalDenoiseRequest(in.GetValue())
	if err != nil {
		return nil, toStatus(err)
	}
	if err := req.Noisy.CheckShape(req.LQ); err != nil {
		return nil, toStatus(err)
	}
	noise, err := den.Denoise(ctx, req)
	if err != nil {
		return nil, toStatus(err)
	}
	return wrapperspb.Bytes(MarshalTensor(noise)), nil
}

func unaryHandler[In any, Out any](
	method string,
	call func(modelServiceServer, context.Context, *In) (*Out, error),
) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(In)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(modelServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(modelServiceServer), ctx, req.(*In))
		}
		return interceptor(ctx, in, info, handler)
	}
}

var modelServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*modelServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Load",
			Handler:    unaryHandler(methodLoad, modelServiceServer.Load),
		},
		{
			MethodName: "Unload",
			Handler:    unaryHandler(methodUnload, modelServiceServer.Unload),
		},
		{
			MethodName: "Encode",
			Handler:    unaryHandler(methodEncode, modelServiceServer.Encode),
		},
		{
			MethodName: "Denoise",
			Handler:    unaryHandler(methodDenoise, modelServiceServer.Denoise),
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "photorestore/v1/model_service.proto",
}
