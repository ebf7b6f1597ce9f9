package httpapi

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"oncopurpose.org/internal/auth"
	"oncopurpose.org/internal/obs"
)

var defaultPublicMethods = []string{
	healthpb.Health_Check_FullMethodName,
	healthpb.Health_Watch_FullMethodName,
}

// GRPCServer applies the request gate to gRPC calls and serves the standard health service.
type GRPCServer struct {
	gate      *Gate
	health    *health.Server
	readiness readinessChecker
	public    map[string]bool
}

// NewGRPCServer creates the gRPC wrapper. Health methods are public by default.
func NewGRPCServer(gate *Gate, r readinessChecker) *GRPCServer {
	s := &GRPCServer{gate: gate, health: health.NewServer(), readiness: r}
	return s.WithPublicMethods(defaultPublicMethods...)
}

// WithPublicMethods replaces the set of full method names that skip token validation.
func (s *GRPCServer) WithPublicMethods(methods ...string) *GRPCServer {
	s.public = make(map[string]bool, len(methods))
	for _, m := range methods {
		s.public[m] = true
	}
	return s
}

// NewServer builds a grpc.Server with the gate interceptors and the health service.
func (s *GRPCServer) NewServer(opts ...grpc.ServerOption) *grpc.Server {
	opts = append(opts,
		grpc.ChainUnaryInterceptor(s.UnaryInterceptor()),
		grpc.ChainStreamInterceptor(s.StreamInterceptor()),
	)
	srv := grpc.NewServer(opts...)
	healthpb.RegisterHealthServer(srv, s.health)
	return srv
}

// UpdateHealth evaluates readiness and publishes it through the health service.
func (s *GRPCServer) UpdateHealth(ctx context.Context) error {
	st := healthpb.HealthCheckResponse_SERVING
	var err error
	if s.readiness != nil {
		if err = s.readiness.Check(ctx); err != nil {
			st = healthpb.HealthCheckResponse_NOT_SERVING
		}
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(serviceName, st)
	return err
}

// Shutdown marks every service as not serving.
func (s *GRPCServer) Shutdown() { s.health.Shutdown() }

// UnaryInterceptor gates unary calls.
func (s *GRPCServer) UnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		ctx, md, err := s.admit(ctx, info.FullMethod)
		if md != nil {
			_ = grpc.SetHeader(ctx, md)
		}
		if err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// StreamInterceptor gates streaming calls once, when the stream opens.
func (s *GRPCServer) StreamInterceptor() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx, md, err := s.admit(ss.Context(), info.FullMethod)
		if md != nil {
			_ = ss.SetHeader(md)
		}
		if err != nil {
			return err
		}
		return handler(srv, &gatedStream{ServerStream: ss, ctx: ctx})
	}
}

func (s *GRPCServer) admit(ctx context.Context, method string) (context.Context, metadata.MD, error) {
	req := GateRequest{Public: s.public[method], ClientAddr: peerAddr(ctx)}
	if !req.Public {
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			for _, v := range md.Get("authorization") {
				if token, err := extractBearerToken(v); err == nil {
					req.Token = token
					break
				}
			}
		}
	}

	v := s.gate.Evaluate(ctx, req)
	var md metadata.MD
	if v.Metered {
		h := http.Header{}
		setRateLimitHeaders(h, v.Decision)
		md = metadata.MD{}
		for k, vals := range h {
			md.Set(strings.ToLower(k), vals...)
		}
	}

	switch v.Outcome {
	case OutcomeDispatched:
	case OutcomeTokenExpired:
		return ctx, md, status.Error(codes.Unauthenticated, "access token expired")
	case OutcomeUnauthenticated:
		return ctx, md, status.Error(codes.Unauthenticated, "missing or invalid bearer token")
	case OutcomeRateLimited:
		md.Set("retry-after", strconv.Itoa(int(v.Decision.RetryAfter.Seconds())))
		return ctx, md, status.Error(codes.ResourceExhausted, "rate limit exceeded")
	}

	if !req.Public {
		ctx = auth.ContextWithIdentity(ctx, v.Identity)
		ctx = auth.ContextWithToken(ctx, req.Token)
	}
	obs.Info("grpc_call", map[string]any{
		"method":       method,
		"principal_id": v.Identity.PrincipalID,
	})
	return ctx, md, nil
}

type gatedStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *gatedStream) Context() context.Context { return s.ctx }

func peerAddr(ctx context.Context) string {
	p, ok := peer.FromContext(ctx)
	if !ok || p.Addr == nil {
		return "unknown"
	}
	addr := p.Addr.String()
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
