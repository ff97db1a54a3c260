package grpc

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/dmitrijs2005/chanvault/internal/logging"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

type nopLogger struct{}

func (n nopLogger) Debug(context.Context, string, ...any) {}
func (n nopLogger) Info(context.Context, string, ...any)  {}
func (n nopLogger) Warn(context.Context, string, ...any)  {}
func (n nopLogger) Error(context.Context, string, ...any) {}
func (n nopLogger) With(...any) logging.Logger            { return n }

// toggle is a check whose result can be flipped by the test.
type toggle struct {
	mu  sync.Mutex
	err error
}

func (c *toggle) set(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
}

func (c *toggle) ping(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func checkStatus(t *testing.T, s *HealthServer, service string) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	resp, err := s.health.Check(context.Background(), &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		t.Fatalf("Check(%q) error: %v", service, err)
	}
	return resp.Status
}

func TestNewHealthServer_StartsNotServing(t *testing.T) {
	s := NewHealthServer("127.0.0.1:0", nopLogger{}, time.Second)

	if got := checkStatus(t, s, ""); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("status = %v, want NOT_SERVING", got)
	}
}

func TestEvaluate_FollowsChecks(t *testing.T) {
	db := &toggle{}
	cache := &toggle{}
	s := NewHealthServer("127.0.0.1:0", nopLogger{}, time.Second,
		Check{Name: "postgres", Ping: db.ping},
		Check{Name: "redis", Ping: cache.ping},
	)

	if got := s.evaluate(context.Background()); got != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("evaluate = %v, want SERVING", got)
	}
	if got := checkStatus(t, s, ServiceName); got != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("service status = %v, want SERVING", got)
	}

	cache.set(errors.New("connection refused"))
	if got := s.evaluate(context.Background()); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("evaluate = %v, want NOT_SERVING", got)
	}
	if got := checkStatus(t, s, ""); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("overall status = %v, want NOT_SERVING", got)
	}

	cache.set(nil)
	s.evaluate(context.Background())
	if got := checkStatus(t, s, ""); got != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("status after recovery = %v, want SERVING", got)
	}
}

func TestEvaluate_AppliesTimeout(t *testing.T) {
	s := NewHealthServer("127.0.0.1:0", nopLogger{}, 100*time.Millisecond,
		Check{Name: "slow", Ping: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		}},
	)

	started := time.Now()
	if got := s.evaluate(context.Background()); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("evaluate = %v, want NOT_SERVING", got)
	}
	if elapsed := time.Since(started); elapsed > time.Second {
		t.Fatalf("evaluate took %v, timeout not applied", elapsed)
	}
}

func TestServe_HealthOverGRPC(t *testing.T) {
	s := NewHealthServer("bufconn", nopLogger{}, 0, Check{Name: "ok", Ping: func(context.Context) error { return nil }})

	lis := bufconn.Listen(1 << 20)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- s.serve(ctx, lis) }()

	conn, err := grpc.NewClient("passthrough:///bufconn",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("NewClient error: %v", err)
	}
	defer conn.Close()

	client := healthpb.NewHealthClient(conn)
	deadline := time.Now().Add(2 * time.Second)
	for {
		resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
		if err == nil && resp.Status == healthpb.HealthCheckResponse_SERVING {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("service never became SERVING: %v, %v", resp, err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	_, err = client.Check(ctx, &healthpb.HealthCheckRequest{Service: "unknown"})
	if status.Code(err) != codes.NotFound {
		t.Fatalf("unknown service: want NotFound, got %v", err)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve returned error on graceful stop: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop within timeout after context cancel")
	}
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	t.Parallel()

	srv := NewHealthServer("127.0.0.1:0", nopLogger{}, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- srv.Run(ctx)
	}()

	select {
	case err := <-done:
		t.Fatalf("server exited too early: %v", err)
	case <-time.After(150 * time.Millisecond):
	}

	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error on graceful stop: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop within timeout after context cancel")
	}
}

func TestRun_ReturnsErrorOnBadAddress(t *testing.T) {
	t.Parallel()

	srv := NewHealthServer("127.0.0.1:99999", nopLogger{}, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := srv.Run(ctx); err == nil {
		t.Fatal("expected error from Run on bad address, got nil")
	}
}

func TestLoggingInterceptor_PassesThrough(t *testing.T) {
	s := NewHealthServer("", nopLogger{}, time.Second)
	info := &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}

	resp, err := s.loggingInterceptor(context.Background(), "req", info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return "ok", nil
	})
	if err != nil || resp != "ok" {
		t.Fatalf("got %v, %v", resp, err)
	}

	wantErr := status.Error(codes.Unavailable, "down")
	_, err = s.loggingInterceptor(context.Background(), "req", info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return nil, wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("error not propagated: %v", err)
	}
}
