package engine

import (
	"context"
	"encoding/json"

	"github.com/xela07ax/agent-delegation-gate/internal/domain"
	"github.com/xela07ax/agent-delegation-gate/internal/infra/auth"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// GateServiceName полное имя gRPC сервиса Gate. Сообщения: google.protobuf.Struct.
//
// Запрос:  {"kind": "market_order", "user": "0x..", "agent": "agent-1", "params": {...}}
// Ответ:   {"status_code": 0, "code": "", "error_message": "", "violation": {...}, "result": {...}}
const GateServiceName = "delegation.gate.v1.Gate"

// GateServer серверная сторона сервиса (агенты вызывают Execute и Preview).
type GateServer interface {
	Execute(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Preview(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

var gateServiceDesc = grpc.ServiceDesc{
	ServiceName: GateServiceName,
	HandlerType: (*GateServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Execute", Handler: unaryHandler("Execute", GateServer.Execute)},
		{MethodName: "Preview", Handler: unaryHandler("Preview", GateServer.Preview)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "delegation/gate/v1/gate.proto",
}

func unaryHandler(method string, call func(GateServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(GateServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + GateServiceName + "/" + method}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(GateServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func RegisterGateServer(s grpc.ServiceRegistrar, srv GateServer) {
	s.RegisterService(&gateServiceDesc, srv)
}

type GRPCGateServer struct {
	gate   *Gate
	logger *zap.Logger
}

func NewGRPCGateServer(gate *Gate, logger *zap.Logger) *GRPCGateServer {
	return &GRPCGateServer{gate: gate, logger: logger.Named("grpc")}
}

type gateRequest struct {
	Kind   domain.ActionKind `json:"kind"`
	User   domain.Address    `json:"user"`
	Agent  domain.AgentID    `json:"agent"`
	Params json.RawMessage   `json:"params"`
}

func (s *GRPCGateServer) decode(ctx context.Context, req *structpb.Struct) (domain.Address, gateRequest, error) {
	caller, ok := auth.CallerFrom(ctx)
	if !ok {
		return "", gateRequest{}, status.Error(codes.Unauthenticated, "caller address is missing")
	}

	// Struct -> JSON -> типизированный запрос
	raw, err := req.MarshalJSON()
	if err != nil {
		return "", gateRequest{}, status.Errorf(codes.InvalidArgument, "invalid payload: %v", err)
	}
	var in gateRequest
	if err := json.Unmarshal(raw, &in); err != nil {
		s.logger.Warn("malformed gate request", zap.String("caller", string(caller)), zap.Error(err))
		return "", gateRequest{}, status.Errorf(codes.InvalidArgument, "invalid payload: %v", err)
	}
	return caller, in, nil
}

func (s *GRPCGateServer) Execute(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	caller, in, err := s.decode(ctx, req)
	if err != nil {
		return nil, err
	}
	action, err := DecodeAction(in.Kind, in.Params)
	if err != nil {
		return reply(HTTPStatus(err), err, nil)
	}
	res, err := s.gate.Execute(ctx, caller, in.User, in.Agent, action)
	if err != nil {
		return reply(HTTPStatus(err), err, nil)
	}
	return reply(0, nil, res)
}

func (s *GRPCGateServer) Preview(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	caller, in, err := s.decode(ctx, req)
	if err != nil {
		return nil, err
	}
	action, err := DecodeAction(in.Kind, in.Params)
	if err != nil {
		return reply(HTTPStatus(err), err, nil)
	}
	res, err := s.gate.Preview(ctx, caller, in.User, in.Agent, action)
	if err != nil {
		return reply(HTTPStatus(err), err, nil)
	}
	return reply(0, nil, res)
}

// reply: ошибки домена возвращаются в теле ответа, gRPC статус остается OK.
func reply(code int, err error, result any) (*structpb.Struct, error) {
	out := map[string]any{"status_code": code}
	if err != nil {
		body := NewErrorBody(err)
		out["code"] = body.Code
		out["error_message"] = body.Message
		if body.Violation != nil {
			out["violation"] = map[string]any{
				"rule":  body.Violation.Rule,
				"code":  body.Violation.Code,
				"bound": body.Violation.Bound,
				"value": body.Violation.Value,
			}
		}
	}
	if result != nil {
		raw, mErr := json.Marshal(result)
		if mErr != nil {
			return nil, status.Errorf(codes.Internal, "encode result: %v", mErr)
		}
		var m map[string]any
		if mErr := json.Unmarshal(raw, &m); mErr != nil {
			return nil, status.Errorf(codes.Internal, "encode result: %v", mErr)
		}
		out["result"] = m
	}
	st, sErr := structpb.NewStruct(out)
	if sErr != nil {
		return nil, status.Errorf(codes.Internal, "encode reply: %v", sErr)
	}
	return st, nil
}
