package app

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestRunServeMode_StartsAndStops boots the full stack against throwaway
// directories on an ephemeral port, checks the health endpoint answers, and
// verifies context cancellation tears everything down.
func TestRunServeMode_StartsAndStops(t *testing.T) {
	cfg := testAppConfig(t)
	cfg.ServerConfig.Server.Port = 0 // ephemeral

	services, err := InitializeServices(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	go func() {
		result <- runServeMode(ctx, cfg, services)
	}()

	addr := waitForAddr(t, services)
	resp, err := http.Get(fmt.Sprintf("http://%s/health", addr))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-result:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("serve mode did not stop after context cancellation")
	}
}

func waitForAddr(t *testing.T, services *Services) string {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if srv := services.Server; srv != nil {
			if addr := srv.Addr(); addr != "" {
				return addr
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("server never bound")
	return ""
}
