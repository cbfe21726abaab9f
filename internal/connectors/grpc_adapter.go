package connectors

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xela07ax/agent-delegation-gate/internal/domain"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// CollaboratorService полное имя gRPC сервиса коллабораторов. Сообщения: google.protobuf.Struct.
const CollaboratorService = "/delegation.collaborators.v1.Collaborators/"

// GRPCAdapter реализует все интерфейсы коллабораторов поверх одного gRPC соединения.
// Ответ: {"status_code": 0, "error_message": "", "result": {...}}.
type GRPCAdapter struct {
	conn    grpc.ClientConnInterface
	timeout time.Duration
}

// NewGRPCAdapter создает экземпляр адаптера
func NewGRPCAdapter(conn grpc.ClientConnInterface, timeout time.Duration) *GRPCAdapter {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &GRPCAdapter{conn: conn, timeout: timeout}
}

func (a *GRPCAdapter) Suite() Suite {
	return Suite{
		Identity:   a,
		Reputation: a,
		Validation: a,
		Ledger:     a,
		Lending:    a,
		Venue:      a,
		Metrics:    a,
	}
}

func (a *GRPCAdapter) invoke(ctx context.Context, method string, req map[string]any) (map[string]any, error) {
	// 1. Конвертируем запрос в Protobuf Struct
	in, err := structpb.NewStruct(req)
	if err != nil {
		return nil, fmt.Errorf("failed to create proto struct: %w", err)
	}

	// 2. Защитный таймаут на уровне вызова
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	out := &structpb.Struct{}
	if err := a.conn.Invoke(ctx, CollaboratorService+method, in, out); err != nil {
		return nil, fmt.Errorf("collaborator %s call failed: %w", method, err)
	}

	// 3. Проверяем статус внутри ответа
	resp := out.AsMap()
	if code, _ := resp["status_code"].(float64); code != 0 {
		msg, _ := resp["error_message"].(string)
		return nil, &RemoteError{Method: method, Code: int64(code), Message: msg}
	}
	result, _ := resp["result"].(map[string]any)
	if result == nil {
		result = map[string]any{}
	}
	return result, nil
}

// toMap переводит значение в map через JSON (decimal сериализуется строкой).
func toMap(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func decimalField(m map[string]any, key string) (decimal.Decimal, error) {
	switch v := m[key].(type) {
	case string:
		return decimal.NewFromString(v)
	case float64:
		return decimal.NewFromFloat(v), nil
	case nil:
		return decimal.Zero, fmt.Errorf("field %q is missing", key)
	default:
		return decimal.Zero, fmt.Errorf("field %q has unexpected type %T", key, v)
	}
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func (a *GRPCAdapter) ControllerOf(ctx context.Context, agent domain.AgentID) (domain.Address, error) {
	res, err := a.invoke(ctx, MethodControllerOf, map[string]any{"agent": string(agent)})
	if err != nil {
		return "", err
	}
	return domain.Address(stringField(res, "controller")), nil
}

func (a *GRPCAdapter) ScoreOf(ctx context.Context, agent domain.AgentID) (uint64, error) {
	res, err := a.invoke(ctx, MethodScoreOf, map[string]any{"agent": string(agent)})
	if err != nil {
		return 0, err
	}
	score, _ := res["score"].(float64)
	if score < 0 {
		return 0, fmt.Errorf("negative reputation score %v", score)
	}
	return uint64(score), nil
}

func (a *GRPCAdapter) SubmitFeedback(ctx context.Context, fb domain.Feedback) error {
	req, err := toMap(fb)
	if err != nil {
		return err
	}
	_, err = a.invoke(ctx, MethodSubmitFeedback, req)
	return err
}

func (a *GRPCAdapter) Validate(ctx context.Context, user domain.Address, agent domain.AgentID, action domain.Action) (bool, error) {
	act, err := toMap(action)
	if err != nil {
		return false, err
	}
	res, err := a.invoke(ctx, MethodValidate, map[string]any{"user": string(user), "agent": string(agent), "action": act})
	if err != nil {
		return false, err
	}
	ok, _ := res["valid"].(bool)
	return ok, nil
}

func (a *GRPCAdapter) EquityOf(ctx context.Context, user domain.Address) (decimal.Decimal, error) {
	res, err := a.invoke(ctx, MethodEquityOf, map[string]any{"user": string(user)})
	if err != nil {
		return decimal.Zero, err
	}
	return decimalField(res, "equity")
}

func (a *GRPCAdapter) Transfer(ctx context.Context, from, to domain.Address, token domain.TokenID, amount decimal.Decimal) error {
	_, err := a.invoke(ctx, MethodTransfer, map[string]any{
		"from": string(from), "to": string(to), "token": string(token), "amount": amount.String(),
	})
	return err
}

func (a *GRPCAdapter) Lock(ctx context.Context, user domain.Address, token domain.TokenID, amount decimal.Decimal) (string, error) {
	return a.reference(ctx, MethodLock, user, token, amount)
}

func (a *GRPCAdapter) Unlock(ctx context.Context, user domain.Address, token domain.TokenID, amount decimal.Decimal) (string, error) {
	return a.reference(ctx, MethodUnlock, user, token, amount)
}

func (a *GRPCAdapter) BorrowFor(ctx context.Context, user domain.Address, token domain.TokenID, amount decimal.Decimal) (string, error) {
	return a.reference(ctx, MethodBorrowFor, user, token, amount)
}

func (a *GRPCAdapter) RepayFor(ctx context.Context, user domain.Address, token domain.TokenID, amount decimal.Decimal) (string, error) {
	return a.reference(ctx, MethodRepayFor, user, token, amount)
}

// reference общий вызов для мутирующих операций, которые возвращают идентификатор операции.
func (a *GRPCAdapter) reference(ctx context.Context, method string, user domain.Address, token domain.TokenID, amount decimal.Decimal) (string, error) {
	res, err := a.invoke(ctx, method, map[string]any{
		"user": string(user), "token": string(token), "amount": amount.String(),
	})
	if err != nil {
		return "", err
	}
	return stringField(res, "reference"), nil
}

func (a *GRPCAdapter) HealthFactorOf(ctx context.Context, user domain.Address) (decimal.Decimal, error) {
	res, err := a.invoke(ctx, MethodHealthFactorOf, map[string]any{"user": string(user)})
	if err != nil {
		return decimal.Zero, err
	}
	return decimalField(res, "health_factor")
}

func (a *GRPCAdapter) SimulateHealthFactor(ctx context.Context, user domain.Address, action domain.Action) (decimal.Decimal, error) {
	act, err := toMap(action)
	if err != nil {
		return decimal.Zero, err
	}
	res, err := a.invoke(ctx, MethodSimulateHealthFactor, map[string]any{"user": string(user), "action": act})
	if err != nil {
		return decimal.Zero, err
	}
	return decimalField(res, "health_factor")
}

func (a *GRPCAdapter) DebtOf(ctx context.Context, user domain.Address, token domain.TokenID) (decimal.Decimal, error) {
	res, err := a.invoke(ctx, MethodDebtOf, map[string]any{"user": string(user), "token": string(token)})
	if err != nil {
		return decimal.Zero, err
	}
	return decimalField(res, "debt")
}

func (a *GRPCAdapter) PlaceOrderFor(ctx context.Context, user domain.Address, action domain.Action) (string, error) {
	act, err := toMap(action)
	if err != nil {
		return "", err
	}
	res, err := a.invoke(ctx, MethodPlaceOrderFor, map[string]any{"user": string(user), "action": act})
	if err != nil {
		return "", err
	}
	return stringField(res, "order_id"), nil
}

func (a *GRPCAdapter) CancelOrderFor(ctx context.Context, user domain.Address, orderID string) error {
	_, err := a.invoke(ctx, MethodCancelOrderFor, map[string]any{"user": string(user), "order_id": orderID})
	return err
}

func (a *GRPCAdapter) MetricsFor(ctx context.Context, user domain.Address, agent domain.AgentID, action domain.Action) (ExternalMetrics, error) {
	act, err := toMap(action)
	if err != nil {
		return ExternalMetrics{}, err
	}
	res, err := a.invoke(ctx, MethodMetricsFor, map[string]any{"user": string(user), "agent": string(agent), "action": act})
	if err != nil {
		return ExternalMetrics{}, err
	}
	raw, err := json.Marshal(res)
	if err != nil {
		return ExternalMetrics{}, err
	}
	var m ExternalMetrics
	if err := json.Unmarshal(raw, &m); err != nil {
		return ExternalMetrics{}, fmt.Errorf("decode metrics: %w", err)
	}
	return m, nil
}
