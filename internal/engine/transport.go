package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/xela07ax/agent-delegation-gate/internal/domain"
)

// DecodeAction собирает Action из параметров запроса вида kind (HTTP body, gRPC params).
func DecodeAction(kind domain.ActionKind, raw []byte) (domain.Action, error) {
	if _, err := domain.ParseActionKind(string(kind)); err != nil {
		return domain.Action{}, fmt.Errorf("%w: %v", domain.ErrInvalidAction, err)
	}
	if len(raw) == 0 {
		raw = []byte("{}")
	}

	var (
		a   domain.Action
		err error
	)
	switch {
	case kind == domain.ActionSwap:
		var p domain.SwapParams
		err = json.Unmarshal(raw, &p)
		a = p.Action()
	case kind == domain.ActionCancelOrder:
		var p domain.CancelParams
		err = json.Unmarshal(raw, &p)
		a = p.Action()
	case kind.IsOrder():
		var p domain.OrderParams
		err = json.Unmarshal(raw, &p)
		a = p.Action(kind)
	default:
		var p domain.LendingParams
		err = json.Unmarshal(raw, &p)
		a = p.Action(kind)
	}
	if err != nil {
		return domain.Action{}, fmt.Errorf("%w: decode %s params: %v", domain.ErrInvalidAction, kind, err)
	}
	return a, nil
}

// HTTPStatus код ответа для ошибки Gate и Policy Store (используется и в gRPC теле ответа).
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	if errors.Is(err, domain.ErrTemplateNotFound) {
		return http.StatusNotFound
	}
	switch domain.CategoryOf(err) {
	case domain.CategoryAuthorization:
		return http.StatusForbidden
	case domain.CategoryPolicy:
		return http.StatusUnprocessableEntity
	case domain.CategoryIntegrity:
		return http.StatusConflict
	case domain.CategoryInvalidRequest:
		return http.StatusBadRequest
	}
	return http.StatusBadGateway
}

// ErrorBody тело ответа с ошибкой. Violation заполнен для отказов правил.
type ErrorBody struct {
	Code      string                `json:"code"`
	Category  domain.Category       `json:"category"`
	Message   string                `json:"message"`
	Violation *domain.RuleViolation `json:"violation,omitempty"`
}

func NewErrorBody(err error) ErrorBody {
	body := ErrorBody{
		Code:     domain.CodeOf(err),
		Category: domain.CategoryOf(err),
		Message:  err.Error(),
	}
	var v *domain.RuleViolation
	if errors.As(err, &v) {
		body.Violation = v
	}
	return body
}
