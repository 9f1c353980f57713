// Package grpcauth guards gRPC servers with service tokens issued by the
// token service.
package grpcauth

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"token-service/internal/auth"
)

// MetadataKey carries the service token in incoming metadata.
var MetadataKey = strings.ToLower(auth.ServiceTokenHeader)

// Verifier checks a raw token. *auth.Verifier satisfies it.
type Verifier interface {
	Verify(ctx context.Context, raw string, expectedType auth.TokenType, expectedAudience string) (*auth.Claims, error)
}

// Authorizer checks that claims grant a scope. *auth.ScopeAuthorizer satisfies it.
type Authorizer interface {
	Require(claims *auth.Claims, required string) error
}

// Interceptor authenticates every call and enforces per-method scopes.
type Interceptor struct {
	verifier   Verifier
	authorizer Authorizer
	audience   string
	scopes     map[string]string
	logger     *zap.Logger
}

// New creates an Interceptor. scopes maps a full method name
// ("/pkg.Service/Method") to the scope it requires; methods not listed
// only need a valid service token.
func New(verifier Verifier, authorizer Authorizer, audience string, scopes map[string]string, logger *zap.Logger) *Interceptor {
	copied := make(map[string]string, len(scopes))
	for method, scope := range scopes {
		copied[method] = scope
	}
	return &Interceptor{
		verifier:   verifier,
		authorizer: authorizer,
		audience:   audience,
		scopes:     copied,
		logger:     logger,
	}
}

// Unary returns the unary server interceptor.
func (i *Interceptor) Unary() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (any, error) {
		ctx, err := i.authorize(ctx, info.FullMethod)
		if err != nil {
			return nil, err
		}
		return next(ctx, req)
	}
}

// Stream returns the stream server interceptor.
func (i *Interceptor) Stream() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, next grpc.StreamHandler) error {
		ctx, err := i.authorize(ss.Context(), info.FullMethod)
		if err != nil {
			return err
		}
		return next(srv, &authenticatedStream{ServerStream: ss, ctx: ctx})
	}
}

func (i *Interceptor) authorize(ctx context.Context, method string) (context.Context, error) {
	raw := tokenFromMetadata(ctx)
	if raw == "" {
		return nil, status.Error(codes.Unauthenticated, "missing service token")
	}

	claims, err := i.verifier.Verify(ctx, raw, auth.TypeService, i.audience)
	if err != nil {
		if errors.Is(err, auth.ErrStoreUnavailable) {
			i.logger.Warn("Service token check unavailable", zap.String("method", method), zap.Error(err))
			return nil, status.Error(codes.Unavailable, "token verification unavailable")
		}
		return nil, status.Error(codes.Unauthenticated, "invalid service token")
	}

	if scope, ok := i.scopes[method]; ok && scope != "" {
		if err := i.authorizer.Require(claims, scope); err != nil {
			return nil, status.Error(codes.PermissionDenied, "insufficient scope")
		}
	}
	return auth.WithClaims(ctx, claims), nil
}

func tokenFromMetadata(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	for _, v := range md.Get(MetadataKey) {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

type authenticatedStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *authenticatedStream) Context() context.Context { return s.ctx }

// WithToken attaches a service token to outgoing client metadata.
func WithToken(ctx context.Context, token string) context.Context {
	return metadata.AppendToOutgoingContext(ctx, MetadataKey, token)
}
