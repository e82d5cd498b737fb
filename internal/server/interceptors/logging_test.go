package interceptors

import (
	"context"
	"errors"
	"net"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

func TestLoggingUnary(t *testing.T) {
	testCases := []struct {
		name      string
		method    string
		err       error
		skip      bool
		wantLevel zapcore.Level
		wantLogs  int
	}{
		{"ok logged at debug", "/svc/Ok", nil, false, zapcore.DebugLevel, 1},
		{"failure logged at warn", "/svc/Fail", status.Error(codes.Unavailable, "down"), false, zapcore.WarnLevel, 1},
		{"skipped method", "/grpc.health.v1.Health/Check", nil, true, 0, 0},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			core, logs := observer.New(zapcore.DebugLevel)
			skip := map[string]bool{}
			if tc.skip {
				skip[tc.method] = true
			}
			interceptor := LoggingUnary(zap.New(core), skip)
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				return "resp", tc.err
			}

			resp, err := interceptor(context.Background(), "req", &grpc.UnaryServerInfo{FullMethod: tc.method}, handler)
			if resp != "resp" || !errors.Is(err, tc.err) {
				t.Errorf("interceptor = %v, %v; want handler result passed through", resp, err)
			}
			if logs.Len() != tc.wantLogs {
				t.Fatalf("log entries = %d, want %d", logs.Len(), tc.wantLogs)
			}
			if tc.wantLogs == 0 {
				return
			}
			entry := logs.All()[0]
			if entry.Level != tc.wantLevel {
				t.Errorf("level = %v, want %v", entry.Level, tc.wantLevel)
			}
			if got := entry.ContextMap()["method"]; got != tc.method {
				t.Errorf("method field = %v, want %s", got, tc.method)
			}
		})
	}
}

func TestClientIP(t *testing.T) {
	peerCtx := peer.NewContext(context.Background(), &peer.Peer{Addr: &net.TCPAddr{IP: net.ParseIP("10.0.0.9"), Port: 5000}})
	testCases := []struct {
		name string
		ctx  context.Context
		want string
	}{
		{"forwarded for list", metadata.NewIncomingContext(context.Background(), metadata.Pairs("x-forwarded-for", "203.0.113.1, 10.0.0.1")), "203.0.113.1"},
		{"real ip", metadata.NewIncomingContext(context.Background(), metadata.Pairs("x-real-ip", " 198.51.100.2 ")), "198.51.100.2"},
		{"peer", peerCtx, "10.0.0.9"},
		{"unknown", context.Background(), "unknown"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ClientIP(tc.ctx); got != tc.want {
				t.Errorf("ClientIP = %q, want %q", got, tc.want)
			}
		})
	}
}
