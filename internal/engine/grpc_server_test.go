package engine

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/agent-delegation-gate/internal/connectors"
	"github.com/xela07ax/agent-delegation-gate/internal/domain"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
)

type staticValidator map[string]*domain.CustomClaims

func (v staticValidator) VerifyToken(token string) (*domain.CustomClaims, error) {
	c, ok := v[token]
	if !ok {
		return nil, errors.New("unknown token")
	}
	return c, nil
}

func startGRPC(t *testing.T, gate *Gate) *grpc.ClientConn {
	t.Helper()
	validator := staticValidator{
		"Bearer op": {Address: operator, Scopes: map[string]bool{domain.ScopeAgent: true}},
		"Bearer ro": {Address: operator, Scopes: map[string]bool{}},
	}

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(grpc.UnaryInterceptor(UnaryAuthInterceptor(validator, domain.ScopeAgent, zap.NewNop())))
	RegisterGateServer(srv, NewGRPCGateServer(gate, zap.NewNop()))
	healthpb.RegisterHealthServer(srv, health.NewServer())
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func call(ctx context.Context, conn *grpc.ClientConn, method, token string, req map[string]any) (map[string]any, error) {
	in, err := structpb.NewStruct(req)
	if err != nil {
		return nil, err
	}
	if token != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, "authorization", token)
	}
	out := &structpb.Struct{}
	if err := conn.Invoke(ctx, "/"+GateServiceName+"/"+method, in, out); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

func orderRequest(size string) map[string]any {
	return map[string]any{
		"kind":  "market_order",
		"user":  string(alice),
		"agent": string(bot),
		"params": map[string]any{
			"base": "ETH", "quote": "USDC", "side": "buy", "size": size,
		},
	}
}

func TestGRPCGateServer_Execute(t *testing.T) {
	f := newFixture(t, permissive())
	conn := startGRPC(t, f.gate)
	ctx := context.Background()

	resp, err := call(ctx, conn, "Execute", "Bearer op", orderRequest("500"))
	require.NoError(t, err)
	assert.EqualValues(t, 0, resp["status_code"])
	result := resp["result"].(map[string]any)
	assert.Equal(t, "market_order", result["kind"])
	assert.NotEmpty(t, result["execution_id"])
	assert.Equal(t, 1, f.sim.Calls(connectors.MethodPlaceOrderFor))

	resp, err = call(ctx, conn, "Execute", "Bearer op", orderRequest("5000"))
	require.NoError(t, err)
	assert.EqualValues(t, 422, resp["status_code"])
	assert.Equal(t, "ORDER_TOO_LARGE", resp["code"])
	violation := resp["violation"].(map[string]any)
	assert.Equal(t, RuleMaxOrderSize, violation["rule"])
	assert.Equal(t, "1000", violation["bound"])
}

func TestGRPCGateServer_Preview(t *testing.T) {
	f := newFixture(t, permissive())
	conn := startGRPC(t, f.gate)

	resp, err := call(context.Background(), conn, "Preview", "Bearer op", orderRequest("500"))
	require.NoError(t, err)
	assert.EqualValues(t, 0, resp["status_code"])
	assert.Equal(t, true, resp["result"].(map[string]any)["allowed"])
	assert.Equal(t, 0, f.sim.Calls(connectors.MethodPlaceOrderFor))
}

func TestGRPCGateServer_RejectsBadRequests(t *testing.T) {
	f := newFixture(t, permissive())
	conn := startGRPC(t, f.gate)
	ctx := context.Background()

	_, err := call(ctx, conn, "Execute", "", orderRequest("500"))
	assert.Equal(t, codes.Unauthenticated, status.Code(err))

	_, err = call(ctx, conn, "Execute", "Bearer forged", orderRequest("500"))
	assert.Equal(t, codes.Unauthenticated, status.Code(err))

	_, err = call(ctx, conn, "Execute", "Bearer ro", orderRequest("500"))
	assert.Equal(t, codes.PermissionDenied, status.Code(err))

	req := orderRequest("500")
	req["kind"] = "teleport"
	resp, err := call(ctx, conn, "Execute", "Bearer op", req)
	require.NoError(t, err)
	assert.EqualValues(t, 400, resp["status_code"])
	assert.Equal(t, "INVALID_ACTION", resp["code"])
}

func TestGRPCHealth_NoToken(t *testing.T) {
	f := newFixture(t, permissive())
	conn := startGRPC(t, f.gate)

	resp, err := healthpb.NewHealthClient(conn).Check(context.Background(), &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())
}

func TestDecodeAction(t *testing.T) {
	a, err := DecodeAction(domain.ActionSwap, []byte(`{"token_in":"ETH","token_out":"USDC","amount_in":"2.5"}`))
	require.NoError(t, err)
	assert.Equal(t, domain.SideSell, a.Side)
	assert.Equal(t, domain.TokenID("ETH"), a.Base)
	assert.Equal(t, "2.5", a.Size.String())

	a, err = DecodeAction(domain.ActionAutoRepay, []byte(`{"token":"USDC","amount":"10"}`))
	require.NoError(t, err)
	assert.Equal(t, domain.ActionAutoRepay, a.Kind)

	a, err = DecodeAction(domain.ActionEmergencyWithdraw, []byte(`{"token":"USDC","amount":"250"}`))
	require.NoError(t, err)
	assert.Equal(t, domain.ActionEmergencyWithdraw, a.Kind)
	assert.Equal(t, domain.TokenID("USDC"), a.Base)

	a, err = DecodeAction(domain.ActionCancelOrder, []byte(`{"order_id":"ord-7"}`))
	require.NoError(t, err)
	assert.Equal(t, "ord-7", a.OrderID)

	_, err = DecodeAction(domain.ActionBorrow, []byte(`{"amount":`))
	assert.ErrorIs(t, err, domain.ErrInvalidAction)
}

func TestHTTPStatus(t *testing.T) {
	assert.Equal(t, 200, HTTPStatus(nil))
	assert.Equal(t, 403, HTTPStatus(domain.ErrNotAuthorized))
	assert.Equal(t, 422, HTTPStatus(domain.NewViolation(RuleSlippage, domain.ErrSlippageExceeded, nil, nil)))
	assert.Equal(t, 409, HTTPStatus(domain.ErrReentrantCall))
	assert.Equal(t, 404, HTTPStatus(domain.ErrTemplateNotFound))
	assert.Equal(t, 400, HTTPStatus(domain.ErrInvalidPolicy))
	assert.Equal(t, 502, HTTPStatus(errors.New("venue down")))
}
