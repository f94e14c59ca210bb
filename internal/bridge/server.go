package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"proof-capture-engine/internal/engine"
	"proof-capture-engine/pkg/models"
	"proof-capture-engine/pkg/proofconfig"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// Engine is the part of the capture engine the bridge serves.
type Engine interface {
	StartVerification(ctx context.Context, req models.StartVerificationRequest) (string, error)
	CancelVerification(sessionID string) error
	Snapshot(sessionID string) (models.SessionSnapshot, error)
	Subscribe(sessionID string) (<-chan models.SessionSnapshot, func(), error)
	Evidence(ctx context.Context, sessionID string) (models.TaskEvidence, error)
}

// grpcServer implements the CaptureBridge gRPC service.
type grpcServer struct {
	eng    Engine
	logger zerolog.Logger
}

// NewServer wraps the engine as a bridge service.
func NewServer(eng Engine, lg zerolog.Logger) CaptureBridgeServer {
	return &grpcServer{eng: eng, logger: lg}
}

func (g *grpcServer) StartVerification(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req models.StartVerificationRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid request: %v", err)
	}

	id, err := g.eng.StartVerification(ctx, req)
	if err != nil {
		g.logger.Warn().Err(err).Str("platform", req.Platform).Str("action_type", req.ActionType).Msg("gRPC: verification rejected")
		return nil, toStatus(err)
	}

	resp := models.StartVerificationResponse{SessionID: id, Status: models.StatusWaitingForNavigation}
	if snap, err := g.eng.Snapshot(id); err == nil && snap.Status != models.StatusIdle {
		resp.Status = snap.Status
	}
	g.logger.Info().Str("session_id", id).Msg("gRPC: verification started")
	return toStruct(resp)
}

func (g *grpcServer) CancelVerification(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id, err := sessionID(in)
	if err != nil {
		return nil, err
	}
	if err := g.eng.CancelVerification(id); err != nil {
		return nil, toStatus(err)
	}
	return toStruct(map[string]any{"sessionId": id, "cancelled": true})
}

func (g *grpcServer) GetSession(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id, err := sessionID(in)
	if err != nil {
		return nil, err
	}
	snap, err := g.eng.Snapshot(id)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(snap)
}

func (g *grpcServer) GetEvidence(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id, err := sessionID(in)
	if err != nil {
		return nil, err
	}
	evidence, err := g.eng.Evidence(ctx, id)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(evidence)
}

// WatchSession streams snapshots until the session is torn down.
func (g *grpcServer) WatchSession(in *structpb.Struct, stream grpc.ServerStream) error {
	id, err := sessionID(in)
	if err != nil {
		return err
	}
	snapshots, unsubscribe, err := g.eng.Subscribe(id)
	if err != nil {
		return toStatus(err)
	}
	defer unsubscribe()

	for {
		select {
		case <-stream.Context().Done():
			return stream.Context().Err()
		case snap, ok := <-snapshots:
			if !ok {
				return nil
			}
			msg, err := toStruct(snap)
			if err != nil {
				return err
			}
			if err := stream.SendMsg(msg); err != nil {
				return err
			}
		}
	}
}

func sessionID(in *structpb.Struct) (string, error) {
	id := in.GetFields()["sessionId"].GetStringValue()
	if id == "" {
		return "", status.Error(codes.InvalidArgument, "sessionId is required")
	}
	return id, nil
}

// toStatus maps engine errors onto gRPC codes.
func toStatus(err error) error {
	var notFound *proofconfig.ConfigNotFoundError
	switch {
	case errors.As(err, &notFound):
		return status.Error(codes.Unimplemented, err.Error())
	case errors.Is(err, engine.ErrInvalidRequest):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, engine.ErrSessionNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, engine.ErrEvidenceUnavailable):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, engine.ErrEngineClosed):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	}
	return status.Error(codes.Internal, err.Error())
}

// toStruct converts any JSON-serializable value into a Struct.
func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return s, nil
}

// fromStruct decodes a Struct into v through its JSON form.
func fromStruct(in *structpb.Struct, v any) error {
	raw, err := json.Marshal(in.AsMap())
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

func loggingInterceptor(lg zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		level := zerolog.DebugLevel
		if err != nil {
			level = zerolog.WarnLevel
		}
		lg.WithLevel(level).Err(err).
			Str("method", info.FullMethod).
			Str("code", status.Code(err).String()).
			Dur("duration", time.Since(start)).
			Msg("gRPC request completed")
		return resp, err
	}
}

// NewGRPCServer creates a gRPC server with the bridge registered.
func NewGRPCServer(eng Engine, lg zerolog.Logger) *grpc.Server {
	srv := grpc.NewServer(grpc.UnaryInterceptor(loggingInterceptor(lg)))
	RegisterCaptureBridgeServer(srv, NewServer(eng, lg))
	return srv
}

// Start listens on addr and serves the bridge in the background. It returns a shutdown function.
func Start(eng Engine, addr string, lg zerolog.Logger) (func(context.Context) error, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	srv := NewGRPCServer(eng, lg)
	go func() {
		lg.Info().Str("addr", lis.Addr().String()).Msg("Capture gRPC bridge listening")
		if err := srv.Serve(lis); err != nil {
			lg.Error().Err(err).Msg("gRPC server stopped")
		}
	}()

	stop := func(ctx context.Context) error {
		done := make(chan struct{})
		go func() {
			srv.GracefulStop()
			close(done)
		}()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			srv.Stop()
			return ctx.Err()
		}
	}
	return stop, nil
}
