package api

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/matheus3301/chatq/internal/bus"
	"github.com/matheus3301/chatq/internal/dispatch"
	"github.com/matheus3301/chatq/internal/errs"
	"github.com/matheus3301/chatq/internal/outbox"
	"github.com/matheus3301/chatq/internal/status"
	"github.com/matheus3301/chatq/internal/store"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// toStatus maps a delivery error onto a gRPC status.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, outbox.ErrNotFound):
		return grpcstatus.Error(codes.NotFound, err.Error())
	case errors.Is(err, outbox.ErrNotFailed):
		return grpcstatus.Error(codes.FailedPrecondition, err.Error())
	}
	switch errs.KindOf(err) {
	case errs.Validation:
		return grpcstatus.Error(codes.InvalidArgument, err.Error())
	case errs.Authentication:
		return grpcstatus.Error(codes.Unauthenticated, err.Error())
	case errs.Network:
		return grpcstatus.Error(codes.Unavailable, err.Error())
	case errs.Storage:
		return grpcstatus.Error(codes.DataLoss, err.Error())
	}
	return grpcstatus.Error(codes.Internal, err.Error())
}

// toStruct converts any JSON-encodable value to a Struct. Values that are
// not objects are wrapped as {"value": v}.
func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var decoded any
	if err := json.Unmarshal(data, &decoded); err != nil {
		return nil, err
	}
	m, ok := decoded.(map[string]any)
	if !ok {
		m = map[string]any{"value": decoded}
	}
	return structpb.NewStruct(m)
}

func operationStruct(op outbox.Operation) (*structpb.Struct, error) {
	return toStruct(op)
}

func connectionStruct(cs dispatch.ConnectionStatus) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"is_connected": cs.IsConnected,
		"state":        string(cs.State),
		"user_id":      cs.UserID,
		"last_error":   cs.LastError,
		"pending":      cs.Pending,
		"in_flight":    cs.InFlight,
		"failed":       cs.Failed,
	})
}

func messageStruct(m store.Message) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"operation_id": m.ClientID,
		"chat_id":      m.ChatID,
		"server_id":    m.ServerID,
		"body":         m.Body,
		"status":       m.Status,
		"created_at":   time.UnixMilli(m.CreatedAt).UTC().Format(time.RFC3339Nano),
	})
}

// eventPayload flattens a bus payload for the wire.
func eventPayload(p any) (*structpb.Struct, error) {
	switch v := p.(type) {
	case nil:
		return &structpb.Struct{Fields: map[string]*structpb.Value{}}, nil
	case status.StatusChange:
		m := map[string]any{
			"previous": string(v.Previous),
			"current":  string(v.Current),
		}
		if v.Err != "" {
			m["error"] = v.Err
		}
		return structpb.NewStruct(m)
	case bus.ReconnectingPayload:
		return structpb.NewStruct(map[string]any{
			"attempt":  v.Attempt,
			"delay_ms": v.Delay.Milliseconds(),
		})
	}
	return toStruct(p)
}

// str reads a string field of s; missing or non-string fields read as "".
func str(s *structpb.Struct, key string) string {
	if s == nil {
		return ""
	}
	return s.GetFields()[key].GetStringValue()
}
