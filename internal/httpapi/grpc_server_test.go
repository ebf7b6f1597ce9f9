package httpapi

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

const bufSize = 1024 * 1024

func startBufGRPC(t *testing.T, srv *GRPCServer) (*grpc.ClientConn, func()) {
	t.Helper()

	listener := bufconn.Listen(bufSize)
	server := srv.NewServer()

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			t.Logf("grpc serve error: %v", err)
		}
	}()

	dialer := func(ctx context.Context, _ string) (net.Conn, error) {
		return listener.Dial()
	}
	conn, err := grpc.DialContext(
		context.Background(),
		"bufnet",
		grpc.WithContextDialer(dialer),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial bufnet: %v", err)
	}

	cleanup := func() {
		server.GracefulStop()
		_ = conn.Close()
		_ = listener.Close()
	}
	return conn, cleanup
}

func TestGRPCServer_PublicHealth(t *testing.T) {
	env := newGateEnv(t, 5)
	srv := NewGRPCServer(env.gate, ReadyProbe{})
	if err := srv.UpdateHealth(context.Background()); err != nil {
		t.Fatalf("UpdateHealth: %v", err)
	}
	conn, cleanup := startBufGRPC(t, srv)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var header metadata.MD
	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{}, grpc.Header(&header))
	if err != nil {
		t.Fatalf("Check error: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("unexpected status: %s", resp.GetStatus())
	}
	if got := header.Get("x-ratelimit-limit"); len(got) != 1 || got[0] != "600" {
		t.Fatalf("expected anonymous limit header, got %v", got)
	}
}

type failingReadiness struct{}

func (f failingReadiness) Check(context.Context) error { return errors.New("boom") }

func TestGRPCServer_HealthNotServing(t *testing.T) {
	env := newGateEnv(t, 5)
	srv := NewGRPCServer(env.gate, failingReadiness{})
	if err := srv.UpdateHealth(context.Background()); err == nil {
		t.Fatal("expected readiness error")
	}
	conn, cleanup := startBufGRPC(t, srv)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: serviceName})
	if err != nil {
		t.Fatalf("Check error: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("unexpected status: %s", resp.GetStatus())
	}
}

func TestGRPCServer_GatesProtectedMethods(t *testing.T) {
	env := newGateEnv(t, 2)
	srv := NewGRPCServer(env.gate, ReadyProbe{}).WithPublicMethods()
	_ = srv.UpdateHealth(context.Background())
	conn, cleanup := startBufGRPC(t, srv)
	defer cleanup()
	client := healthpb.NewHealthClient(conn)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := client.Check(ctx, &healthpb.HealthCheckRequest{})
	if st, _ := status.FromError(err); st.Code() != codes.Unauthenticated {
		t.Fatalf("expected Unauthenticated without token, got %v", err)
	}

	authed := metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+env.accessToken(t))
	for i := 0; i < 2; i++ {
		if _, err := client.Check(authed, &healthpb.HealthCheckRequest{}); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	var header metadata.MD
	_, err = client.Check(authed, &healthpb.HealthCheckRequest{}, grpc.Header(&header))
	if st, _ := status.FromError(err); st.Code() != codes.ResourceExhausted {
		t.Fatalf("expected ResourceExhausted, got %v", err)
	}
	if len(header.Get("retry-after")) != 1 {
		t.Fatalf("expected retry-after metadata, got %v", header)
	}
}
