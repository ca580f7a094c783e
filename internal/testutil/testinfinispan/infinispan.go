package testinfinispan

import (
	"context"
	"testing"
	"time"

	"github.com/chirino/conversation-service/internal/config"
	"github.com/chirino/conversation-service/internal/plugin/cache/infinispan"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	username = "admin"
	password = "password"
)

// Infinispan is a running container with its RESP connector ready.
type Infinispan struct {
	Host     string
	Username string
	Password string
}

// Apply points cfg's send-receipt cache at the container.
func (i Infinispan) Apply(cfg *config.Config) {
	cfg.CacheType = "infinispan"
	cfg.InfinispanHost = i.Host
	cfg.InfinispanUsername = i.Username
	cfg.InfinispanPassword = i.Password
}

// StartInfinispan starts a disposable Infinispan server and waits for RESP.
func StartInfinispan(tb testing.TB) Infinispan {
	tb.Helper()

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "quay.io/infinispan/server:15.2",
			ExposedPorts: []string{"11222/tcp"},
			Env:          map[string]string{"USER": username, "PASS": password},
			WaitingFor: wait.ForAll(
				wait.ForListeningPort("11222/tcp"),
				wait.ForLog("Started connector Resp"),
			).WithDeadline(90 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		tb.Fatalf("start infinispan container: %v", err)
	}
	tb.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := container.Terminate(ctx); err != nil {
			tb.Errorf("terminate infinispan container: %v", err)
		}
	})

	endpoint, err := container.PortEndpoint(ctx, "11222/tcp", "")
	if err != nil {
		tb.Fatalf("get infinispan endpoint: %v", err)
	}
	ispn := Infinispan{Host: endpoint, Username: username, Password: password}
	if err := infinispan.WaitForRESP(ctx, infinispan.Options(ispn.Host, username, password), time.Minute); err != nil {
		tb.Fatalf("infinispan at %s: %v", endpoint, err)
	}
	return ispn
}
