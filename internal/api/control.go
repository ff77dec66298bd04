// Package api exposes the daemon over gRPC on the profile's Unix socket.
package api

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/matheus3301/chatq/internal/auth"
	"github.com/matheus3301/chatq/internal/bus"
	"github.com/matheus3301/chatq/internal/dispatch"
	"github.com/matheus3301/chatq/internal/outbox"
	"github.com/matheus3301/chatq/internal/store"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Dispatcher is the part of the dispatch service the API exposes.
type Dispatcher interface {
	Enqueue(kind outbox.Kind, chatID string, payload json.RawMessage, id string) (string, error)
	ConnectionStatus() dispatch.ConnectionStatus
	Reconnect() error
	SetSession(s auth.Session) error
	Session() auth.Session
	ClearSession() error
	Cancel(id string) (outbox.Operation, error)
	Retry(id string) (outbox.Operation, error)
	Operations(chatID string) []outbox.Operation
	Messages(chatID string, limit int) ([]store.Message, error)
}

// Authenticator talks to the chat server's auth endpoints.
type Authenticator interface {
	Login(ctx context.Context, userID string) (auth.Session, error)
	Logout(ctx context.Context, s auth.Session) error
}

// Control implements the chatq.v1.Control service.
type Control struct {
	dispatch Dispatcher
	auth     Authenticator
	bus      *bus.Bus
	profile  string
	logger   *zap.Logger
}

// NewControl creates the control service. authn may be nil, in which case
// Login and Logout are unavailable.
func NewControl(d Dispatcher, authn Authenticator, b *bus.Bus, profile string, logger *zap.Logger) *Control {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Control{dispatch: d, auth: authn, bus: b, profile: profile, logger: logger}
}

// Register adds the service to srv.
func (c *Control) Register(srv grpc.ServiceRegistrar) {
	srv.RegisterService(&ControlServiceDesc, c)
}

func (c *Control) Enqueue(_ context.Context, req *structpb.Struct) (*wrapperspb.StringValue, error) {
	var payload json.RawMessage
	if p := req.GetFields()["payload"].GetStructValue(); p != nil {
		data, err := p.MarshalJSON()
		if err != nil {
			return nil, grpcstatus.Errorf(codes.InvalidArgument, "payload: %v", err)
		}
		payload = data
	}
	kind := outbox.Kind(str(req, "kind"))
	if kind == "" {
		kind = outbox.SendMessage
	}
	id, err := c.dispatch.Enqueue(kind, str(req, "chat_id"), payload, str(req, "operation_id"))
	if err != nil {
		return nil, toStatus(err)
	}
	return wrapperspb.String(id), nil
}

func (c *Control) GetConnectionStatus(context.Context, *emptypb.Empty) (*structpb.Struct, error) {
	return c.connectionStatus()
}

func (c *Control) connectionStatus() (*structpb.Struct, error) {
	out, err := connectionStruct(c.dispatch.ConnectionStatus())
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "encode status: %v", err)
	}
	return out, nil
}

func (c *Control) Reconnect(context.Context, *emptypb.Empty) (*emptypb.Empty, error) {
	if err := c.dispatch.Reconnect(); err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

func (c *Control) SetSession(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	sess, err := auth.ParseSession(str(req, "access_token"), str(req, "refresh_token"))
	if err != nil {
		return nil, toStatus(err)
	}
	if err := c.dispatch.SetSession(sess); err != nil {
		return nil, toStatus(err)
	}
	c.logger.Info("session replaced", zap.String("user_id", sess.UserID))
	return c.connectionStatus()
}

func (c *Control) Login(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	if c.auth == nil {
		return nil, grpcstatus.Error(codes.Unimplemented, "no auth server configured")
	}
	sess, err := c.auth.Login(ctx, req.GetValue())
	if err != nil {
		return nil, toStatus(err)
	}
	if err := c.dispatch.SetSession(sess); err != nil {
		return nil, toStatus(err)
	}
	c.logger.Info("logged in", zap.String("user_id", sess.UserID))
	return c.connectionStatus()
}

func (c *Control) Logout(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	if c.auth == nil {
		return nil, grpcstatus.Error(codes.Unimplemented, "no auth server configured")
	}
	sess := c.dispatch.Session()
	if !sess.IsZero() {
		if err := c.auth.Logout(ctx, sess); err != nil {
			c.logger.Warn("server logout failed, clearing local session anyway", zap.Error(err))
		}
	}
	if err := c.dispatch.ClearSession(); err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

func (c *Control) ListOperations(_ context.Context, req *wrapperspb.StringValue) (*structpb.ListValue, error) {
	ops := c.dispatch.Operations(req.GetValue())
	out := &structpb.ListValue{Values: make([]*structpb.Value, 0, len(ops))}
	for _, op := range ops {
		s, err := operationStruct(op)
		if err != nil {
			return nil, grpcstatus.Errorf(codes.Internal, "encode operation %s: %v", op.ID, err)
		}
		out.Values = append(out.Values, structpb.NewStructValue(s))
	}
	return out, nil
}

func (c *Control) CancelOperation(_ context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	op, err := c.dispatch.Cancel(req.GetValue())
	if err != nil {
		return nil, toStatus(err)
	}
	return c.encodeOp(op)
}

func (c *Control) RetryOperation(_ context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	op, err := c.dispatch.Retry(req.GetValue())
	if err != nil {
		return nil, toStatus(err)
	}
	return c.encodeOp(op)
}

func (c *Control) encodeOp(op outbox.Operation) (*structpb.Struct, error) {
	s, err := operationStruct(op)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "encode operation %s: %v", op.ID, err)
	}
	return s, nil
}

func (c *Control) ListMessages(_ context.Context, req *structpb.Struct) (*structpb.ListValue, error) {
	chatID := str(req, "chat_id")
	if chatID == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "chat_id is required")
	}
	limit := int(req.GetFields()["limit"].GetNumberValue())
	if limit <= 0 {
		limit = 50
	}
	msgs, err := c.dispatch.Messages(chatID, limit)
	if err != nil {
		return nil, toStatus(err)
	}
	out := &structpb.ListValue{Values: make([]*structpb.Value, 0, len(msgs))}
	for _, m := range msgs {
		s, err := messageStruct(m)
		if err != nil {
			return nil, grpcstatus.Errorf(codes.Internal, "encode message: %v", err)
		}
		out.Values = append(out.Values, structpb.NewStructValue(s))
	}
	return out, nil
}

// WatchEvents streams bus events whose kind starts with the requested
// prefix until the client goes away.
func (c *Control) WatchEvents(req *wrapperspb.StringValue, stream grpc.ServerStreamingServer[structpb.Struct]) error {
	ch, unsub := c.bus.Subscribe(req.GetValue(), 256)
	defer unsub()

	for {
		select {
		case evt := <-ch:
			payload, err := eventPayload(evt.Payload)
			if err != nil {
				c.logger.Warn("event not encodable", zap.String("kind", string(evt.Kind)), zap.Error(err))
				continue
			}
			if err := stream.Send(&structpb.Struct{Fields: map[string]*structpb.Value{
				"event_id":            structpb.NewStringValue(uuid.NewString()),
				"profile":             structpb.NewStringValue(c.profile),
				"kind":                structpb.NewStringValue(string(evt.Kind)),
				"occurred_at_unix_ms": structpb.NewNumberValue(float64(evt.Timestamp.UnixMilli())),
				"payload":             structpb.NewStructValue(payload),
			}}); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		}
	}
}
