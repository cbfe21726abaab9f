package engine

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/xela07ax/agent-delegation-gate/internal/infra/auth"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// UnaryAuthInterceptor проверяет JWT в метаданных gRPC вызова и кладет claims в контекст.
// Адрес из токена становится caller для Gate. Токен без требуемого scope отклоняется.
func UnaryAuthInterceptor(v auth.TokenValidator, scope string, logger *zap.Logger) grpc.UnaryServerInterceptor {
	logger = logger.Named("grpc_auth")
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		// Служебные сервисы (health) открыты
		if !strings.HasPrefix(info.FullMethod, "/"+GateServiceName+"/") {
			return handler(ctx, req)
		}

		// 1. Извлекаем метаданные из контекста
		md, ok := metadata.FromIncomingContext(ctx)
		if !ok {
			return nil, status.Errorf(codes.Unauthenticated, "missing metadata")
		}

		// 2. Токен (в gRPC заголовки в нижнем регистре)
		tokens := md.Get("authorization")
		if len(tokens) == 0 {
			return nil, status.Errorf(codes.Unauthenticated, "missing access token")
		}

		claims, err := v.VerifyToken(tokens[0])
		if err != nil {
			logger.Warn("auth failure", zap.String("method", info.FullMethod), zap.Error(err))
			return nil, status.Errorf(codes.Unauthenticated, "invalid access token")
		}
		if claims.Address == "" {
			return nil, status.Errorf(codes.Unauthenticated, "token has no caller address")
		}
		if scope != "" && !claims.Scopes[scope] {
			return nil, status.Errorf(codes.PermissionDenied, "scope %s required", scope)
		}

		// 3. Trace-ID из метаданных или новый
		traceID := uuid.NewString()
		if ids := md.Get("x-trace-id"); len(ids) > 0 && ids[0] != "" {
			traceID = ids[0]
		}

		return handler(WithTraceID(auth.WithClaims(ctx, claims), traceID), req)
	}
}
