package client

import (
	"context"
	"net"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"protorpc/middleware"
	"protorpc/registry"
	"protorpc/server"
)

// TestEtcdEndToEnd runs client → etcd discovery → channel → server with
// middleware → reflected handler, against the etcd cluster named by
// PROTORPC_ETCD_ENDPOINTS.
func TestEtcdEndToEnd(t *testing.T) {
	endpoints := os.Getenv("PROTORPC_ETCD_ENDPOINTS")
	if endpoints == "" {
		t.Skip("PROTORPC_ETCD_ENDPOINTS not set")
	}
	logger := zaptest.NewLogger(t)

	reg, err := registry.NewEtcdRegistry(strings.Split(endpoints, ","), logger)
	require.NoError(t, err)
	defer reg.Close()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	advertise := "tcp://" + l.Addr().String()

	s := server.NewServer(
		server.WithLogger(logger),
		server.WithRegistry(reg, advertise, 5*time.Second))
	s.Use(middleware.Logging(logger))
	s.Use(middleware.Timeout(time.Second))
	require.NoError(t, s.RegisterReceiver(&Arith{}))
	go s.ServeListener(l)
	defer s.Shutdown(time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var instances []registry.ServiceInstance
	require.Eventually(t, func() bool {
		instances, _ = reg.Discover(ctx, "Arith")
		return len(instances) > 0
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, advertise, instances[0].Addr)

	c, err := Discover(ctx, reg, "Arith", WithLogger(logger))
	require.NoError(t, err)
	defer c.Close()

	got, err := c.Call(ctx, "Arith", "Square", wrapperspb.Int64(7), &wrapperspb.Int64Value{})
	require.NoError(t, err)
	assert.Equal(t, int64(49), got.(*wrapperspb.Int64Value).GetValue())

	got, err = c.Call(ctx, "Arith", "Divide", wrapperspb.Int64(5), &wrapperspb.Int64Value{})
	require.NoError(t, err)
	assert.Equal(t, int64(20), got.(*wrapperspb.Int64Value).GetValue())
}
