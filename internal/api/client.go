package api

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Client is a chatq.v1.Control client.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps an existing connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// DialSocket connects to a daemon listening on a Unix socket.
func DialSocket(socketPath string) (*Client, *grpc.ClientConn, error) {
	conn, err := grpc.NewClient("unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, nil, fmt.Errorf("connect to daemon: %w", err)
	}
	return NewClient(conn), conn, nil
}

// Enqueue queues an operation. payload may be nil.
func (c *Client) Enqueue(ctx context.Context, kind, chatID, operationID string, payload map[string]any) (string, error) {
	req := map[string]any{
		"kind":         kind,
		"chat_id":      chatID,
		"operation_id": operationID,
	}
	if payload != nil {
		req["payload"] = payload
	}
	in, err := structpb.NewStruct(req)
	if err != nil {
		return "", fmt.Errorf("encode request: %w", err)
	}
	out := new(wrapperspb.StringValue)
	if err := c.cc.Invoke(ctx, fullMethod("Enqueue"), in, out); err != nil {
		return "", err
	}
	return out.GetValue(), nil
}

func (c *Client) GetConnectionStatus(ctx context.Context) (map[string]any, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, fullMethod("GetConnectionStatus"), &emptypb.Empty{}, out); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

func (c *Client) Reconnect(ctx context.Context) error {
	return c.cc.Invoke(ctx, fullMethod("Reconnect"), &emptypb.Empty{}, new(emptypb.Empty))
}

func (c *Client) SetSession(ctx context.Context, accessToken, refreshToken string) (map[string]any, error) {
	in, err := structpb.NewStruct(map[string]any{
		"access_token":  accessToken,
		"refresh_token": refreshToken,
	})
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, fullMethod("SetSession"), in, out); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

func (c *Client) Login(ctx context.Context, userID string) (map[string]any, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, fullMethod("Login"), wrapperspb.String(userID), out); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

func (c *Client) Logout(ctx context.Context) error {
	return c.cc.Invoke(ctx, fullMethod("Logout"), &emptypb.Empty{}, new(emptypb.Empty))
}

func (c *Client) ListOperations(ctx context.Context, chatID string) ([]any, error) {
	out := new(structpb.ListValue)
	if err := c.cc.Invoke(ctx, fullMethod("ListOperations"), wrapperspb.String(chatID), out); err != nil {
		return nil, err
	}
	return out.AsSlice(), nil
}

func (c *Client) CancelOperation(ctx context.Context, id string) (map[string]any, error) {
	return c.opCall(ctx, "CancelOperation", id)
}

func (c *Client) RetryOperation(ctx context.Context, id string) (map[string]any, error) {
	return c.opCall(ctx, "RetryOperation", id)
}

func (c *Client) opCall(ctx context.Context, method, id string) (map[string]any, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, fullMethod(method), wrapperspb.String(id), out); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

func (c *Client) ListMessages(ctx context.Context, chatID string, limit int) ([]any, error) {
	in, err := structpb.NewStruct(map[string]any{"chat_id": chatID, "limit": limit})
	if err != nil {
		return nil, err
	}
	out := new(structpb.ListValue)
	if err := c.cc.Invoke(ctx, fullMethod("ListMessages"), in, out); err != nil {
		return nil, err
	}
	return out.AsSlice(), nil
}

// WatchEvents streams events whose kind starts with prefix; "" follows
// everything.
func (c *Client) WatchEvents(ctx context.Context, prefix string) (grpc.ServerStreamingClient[structpb.Struct], error) {
	stream, err := c.cc.NewStream(ctx, &ControlServiceDesc.Streams[0], fullMethod("WatchEvents"))
	if err != nil {
		return nil, err
	}
	x := &grpc.GenericClientStream[wrapperspb.StringValue, structpb.Struct]{ClientStream: stream}
	if err := x.ClientStream.SendMsg(wrapperspb.String(prefix)); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}
