package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/cory-johannsen/botfleet/internal/auth"
	"github.com/cory-johannsen/botfleet/internal/broadcast"
	"github.com/cory-johannsen/botfleet/internal/session"
)

// AuthorizationHeader is the metadata key carrying the operator password.
const AuthorizationHeader = "authorization"

// ControlService implements ControlServiceServer over a Dispatcher and the
// broadcaster's subscription stream.
type ControlService struct {
	dispatcher *Dispatcher
	events     Subscriber
	logger     *zap.Logger
}

var _ ControlServiceServer = (*ControlService)(nil)

// NewControlService creates a ControlService.
//
// Precondition: dispatcher, events and logger must be non-nil.
func NewControlService(dispatcher *Dispatcher, events Subscriber, logger *zap.Logger) *ControlService {
	return &ControlService{dispatcher: dispatcher, events: events, logger: logger}
}

// NewGRPCServer returns a grpc.Server with ControlService registered and,
// when authz is enabled, operator password interceptors installed.
func NewGRPCServer(svc *ControlService, authz auth.Authorizer, opts ...grpc.ServerOption) *grpc.Server {
	opts = append(opts,
		grpc.ChainUnaryInterceptor(UnaryAuthInterceptor(authz)),
		grpc.ChainStreamInterceptor(StreamAuthInterceptor(authz)),
	)
	s := grpc.NewServer(opts...)
	RegisterControlServiceServer(s, svc)
	return s
}

// StartSession starts a session and returns its snapshot.
func (s *ControlService) StartSession(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	fields := in.GetFields()
	port, err := intField(fields, "port")
	if err != nil {
		return nil, toStatus(err)
	}
	info, err := s.dispatcher.StartSession(session.StartRequest{
		Identity: fields["identity"].GetStringValue(),
		Host:     fields["host"].GetStringValue(),
		Port:     port,
		Version:  fields["version"].GetStringValue(),
	})
	if err != nil {
		return nil, toStatus(err)
	}
	return sessionStruct(info)
}

// StopSession stops the named session.
func (s *ControlService) StopSession(_ context.Context, in *structpb.Struct) (*emptypb.Empty, error) {
	if err := s.dispatcher.StopSession(in.GetFields()["identity"].GetStringValue()); err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

// SendChat sends chat as the named session.
func (s *ControlService) SendChat(_ context.Context, in *structpb.Struct) (*emptypb.Empty, error) {
	fields := in.GetFields()
	if err := s.dispatcher.SendChat(fields["identity"].GetStringValue(), fields["text"].GetStringValue()); err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

// ListAccounts returns the stored account identities.
func (s *ControlService) ListAccounts(ctx context.Context, _ *emptypb.Empty) (*structpb.ListValue, error) {
	names, err := s.dispatcher.Accounts(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	values := make([]any, len(names))
	for i, n := range names {
		values[i] = n
	}
	out, err := structpb.NewList(values)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode accounts: %v", err)
	}
	return out, nil
}

// ListSessions returns a snapshot of every tracked session.
func (s *ControlService) ListSessions(_ context.Context, _ *emptypb.Empty) (*structpb.ListValue, error) {
	out := &structpb.ListValue{}
	for _, info := range s.dispatcher.Sessions() {
		st, err := sessionStruct(info)
		if err != nil {
			return nil, err
		}
		out.Values = append(out.Values, structpb.NewStructValue(st))
	}
	return out, nil
}

// Subscribe streams the replay snapshot followed by live events until the
// client goes away or the subscription is closed.
func (s *ControlService) Subscribe(_ *emptypb.Empty, stream grpc.ServerStreamingServer[structpb.Struct]) error {
	sub := s.events.Subscribe()
	defer s.events.Unsubscribe(sub)
	log := s.logger.With(zap.String("observer", sub.ID()))
	log.Info("grpc observer connected")
	defer func() { log.Info("grpc observer disconnected", zap.Uint64("dropped", sub.Dropped())) }()

	for _, evt := range sub.Replay() {
		if err := sendEvent(stream, evt); err != nil {
			return err
		}
	}
	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-sub.Events():
			if !ok {
				return nil
			}
			if err := sendEvent(stream, evt); err != nil {
				return err
			}
		}
	}
}

func sendEvent(stream grpc.ServerStreamingServer[structpb.Struct], evt broadcast.Event) error {
	st, err := EventStruct(evt)
	if err != nil {
		return status.Errorf(codes.Internal, "encode event: %v", err)
	}
	return stream.Send(st)
}

// EventStruct encodes evt as {type, data} using its dashboard JSON form.
func EventStruct(evt broadcast.Event) (*structpb.Struct, error) {
	b, err := json.Marshal(evt)
	if err != nil {
		return nil, err
	}
	st := &structpb.Struct{}
	if err := st.UnmarshalJSON(b); err != nil {
		return nil, err
	}
	return st, nil
}

func sessionStruct(info session.SessionInfo) (*structpb.Struct, error) {
	st, err := structpb.NewStruct(map[string]any{
		"id":         info.ID,
		"identity":   info.Identity,
		"host":       info.Host,
		"port":       info.Port,
		"version":    info.Version,
		"state":      info.State.String(),
		"username":   info.Username,
		"attempt":    info.Attempt,
		"created_at": info.CreatedAt.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode session: %v", err)
	}
	return st, nil
}

// intField reads an optional integral number or numeric string field.
func intField(fields map[string]*structpb.Value, name string) (int, error) {
	v, ok := fields[name]
	if !ok {
		return 0, nil
	}
	switch k := v.GetKind().(type) {
	case *structpb.Value_NumberValue:
		n := k.NumberValue
		if n != float64(int(n)) {
			return 0, fmt.Errorf("%w: %s must be an integer", ErrInvalidCommand, name)
		}
		return int(n), nil
	case *structpb.Value_StringValue:
		var p PortValue
		if err := p.UnmarshalJSON([]byte(k.StringValue)); err != nil {
			return 0, err
		}
		return int(p), nil
	case *structpb.Value_NullValue:
		return 0, nil
	}
	return 0, fmt.Errorf("%w: %s must be a number", ErrInvalidCommand, name)
}

// toStatus maps session and control errors onto gRPC status codes.
func toStatus(err error) error {
	switch {
	case errors.Is(err, session.ErrAlreadyRunning):
		return status.Error(codes.AlreadyExists, err.Error())
	case errors.Is(err, session.ErrNoSuchSession):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, session.ErrChatDeliveryFailed):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, session.ErrRegistryClosed):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, ErrInvalidCommand):
		return status.Error(codes.InvalidArgument, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}

// UnaryAuthInterceptor rejects unary calls whose authorization metadata does
// not carry the operator password.
func UnaryAuthInterceptor(authz auth.Authorizer) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if err := authorize(ctx, authz); err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// StreamAuthInterceptor is the streaming counterpart of UnaryAuthInterceptor.
func StreamAuthInterceptor(authz auth.Authorizer) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, _ *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if err := authorize(ss.Context(), authz); err != nil {
			return err
		}
		return handler(srv, ss)
	}
}

func authorize(ctx context.Context, authz auth.Authorizer) error {
	if !authz.Enabled() {
		return nil
	}
	var token string
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if vals := md.Get(AuthorizationHeader); len(vals) > 0 {
			token = strings.TrimPrefix(vals[0], "Bearer ")
		}
	}
	if token == "" || !authz.Allow(token) {
		return status.Error(codes.Unauthenticated, "operator password required")
	}
	return nil
}
