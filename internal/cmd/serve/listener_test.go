package serve

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"testing"

	"github.com/chirino/conversation-service/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSinglePortServesPlainAndTLS(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.TLS != nil {
			_, _ = io.WriteString(w, "tls")
			return
		}
		_, _ = io.WriteString(w, "plain")
	})

	running, err := StartSinglePortHTTP(config.ListenerConfig{EnablePlainText: true, EnableTLS: true}, handler)
	require.NoError(t, err)
	t.Cleanup(func() { _ = running.Close(context.Background()) })
	require.NotZero(t, running.Port)

	get := func(client *http.Client, url string) string {
		t.Helper()
		resp, err := client.Get(url)
		require.NoError(t, err)
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return string(body)
	}

	assert.Equal(t, "plain", get(http.DefaultClient, fmt.Sprintf("http://localhost:%d/", running.Port)))

	insecure := &http.Client{Transport: &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}}}
	assert.Equal(t, "tls", get(insecure, fmt.Sprintf("https://localhost:%d/", running.Port)))

	require.NoError(t, running.Close(context.Background()))
	require.NoError(t, running.Close(context.Background()))
}

func TestSinglePortRequiresAMode(t *testing.T) {
	_, err := StartSinglePortHTTP(config.ListenerConfig{}, http.NotFoundHandler())
	require.Error(t, err)
}

func TestManagementDefaultsToPlaintext(t *testing.T) {
	running, err := startManagementServer(config.ListenerConfig{}, http.NotFoundHandler())
	require.NoError(t, err)
	t.Cleanup(func() { _ = running.Close(context.Background()) })
	assert.NotNil(t, running.Plain)
	assert.Nil(t, running.TLS)
}
