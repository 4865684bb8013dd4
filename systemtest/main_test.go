package systemtest

import (
	"context"
	"net"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/EternisAI/overlord/internal/agents"
	internalhttp "github.com/EternisAI/overlord/internal/api/http"
	"github.com/EternisAI/overlord/internal/auth"
	"github.com/EternisAI/overlord/internal/broker"
	"github.com/EternisAI/overlord/internal/forward"
	grpcclient "github.com/EternisAI/overlord/internal/grpc/client"
	grpcserver "github.com/EternisAI/overlord/internal/grpc/server"
	"github.com/EternisAI/overlord/internal/modes"
	"github.com/EternisAI/overlord/internal/users"
	"github.com/EternisAI/overlord/systemtest/tests"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"
)

const (
	machineID = "bench-dut-7"
	apiKey    = "systemtest-key"
)

func TestSystemIntegration(t *testing.T) {
	env := startStack(t)

	t.Run("HealthCheck", func(t *testing.T) { tests.TestHealthCheck(t, env) })
	t.Run("Agents", func(t *testing.T) { tests.TestAgents(t, env) })
	t.Run("ShellSession", func(t *testing.T) { tests.TestShellSession(t, env) })
	t.Run("FileSession", func(t *testing.T) { tests.TestFileSession(t, env) })
	t.Run("UnknownDeviceSession", func(t *testing.T) { tests.TestUnknownDeviceSession(t, env) })
	t.Run("RPC", func(t *testing.T) { tests.TestRPC(t, env) })
	t.Run("Forward", func(t *testing.T) { tests.TestForward(t, env) })
	t.Run("Eviction", func(t *testing.T) { tests.TestEviction(t, env) })
}

// startStack runs a hub with its console API on an httptest server and its
// agent port on bufconn, and connects one ghost to it.
func startStack(t *testing.T) *tests.Env {
	t.Helper()
	gin.SetMode(gin.TestMode)

	registry := agents.NewRegistry(nil)
	sessionBroker := broker.New(registry, 5*time.Second, nil)
	linkCfg := grpcserver.LinkConfig{PingInterval: 100 * time.Millisecond, Timeout: 3 * time.Second}
	grpcSrv := grpcserver.NewServer(0, grpcserver.NewLinkHandler(registry, sessionBroker, linkCfg, nil), nil)

	lis := bufconn.Listen(1024 * 1024)
	go grpcSrv.Serve(lis)

	forwardPort := freePort(t)
	pool, err := forward.NewPortPool(forwardPort, forwardPort)
	require.NoError(t, err)
	forwards := forward.NewManager(pool, sessionBroker, "127.0.0.1", nil)

	ctx, cancel := context.WithCancel(context.Background())
	forwards.Watch(ctx, registry)

	userService, err := users.NewService(nil)
	require.NoError(t, err)

	engine := gin.New()
	internalhttp.SetupRoute(engine, &internalhttp.Services{
		Registry:      registry,
		Sessions:      sessionBroker,
		Forwards:      forwards,
		Auth:          auth.NewService(userService, auth.Config{}),
		PropertiesTTL: time.Minute,
		RPCTimeout:    10 * time.Second,
		AdminAPIKey:   apiKey,
	})
	httpSrv := httptest.NewServer(engine)

	fileRoot := t.TempDir()
	runner := modes.New(modes.Config{
		Shell:       "/bin/sh",
		LogFile:     "/dev/null",
		FileRoot:    fileRoot,
		ExecTimeout: 5 * time.Second,
	}, nil)
	ghost := grpcclient.NewClient(grpcclient.Config{
		ServerAddress: "passthrough:///bufnet",
		MachineID:     machineID,
		Properties:    func() map[string]any { return map[string]any{"board": "rev-c"} },
		PingInterval:  100 * time.Millisecond,
		Timeout:       3 * time.Second,
		DialOptions: []grpc.DialOption{
			grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
				return lis.DialContext(ctx)
			}),
		},
	}, runner, nil)
	require.NoError(t, ghost.Start())

	t.Cleanup(func() {
		ghost.Stop()
		httpSrv.Close()
		forwards.Shutdown()
		cancel()
		grpcSrv.StopWithTimeout(2 * time.Second)
		sessionBroker.Close()
		registry.Close()
	})

	require.Eventually(t, func() bool {
		_, ok := registry.Get(machineID)
		return ok
	}, 5*time.Second, 20*time.Millisecond, "ghost did not register")

	return &tests.Env{
		BaseURL:   httpSrv.URL,
		Registry:  registry,
		MachineID: machineID,
		APIKey:    apiKey,
		FileRoot:  fileRoot,
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}
