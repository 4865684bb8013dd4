package tests

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/EternisAI/overlord/internal/agents"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// Env is a running hub with one ghost connected to it.
type Env struct {
	BaseURL   string
	Registry  *agents.Registry
	MachineID string
	APIKey    string
	// FileRoot is the directory the ghost serves file sessions from.
	FileRoot string
}

func (e *Env) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(e.BaseURL, "http") + path
}

func (e *Env) doJSON(t *testing.T, method, path string, body any, header http.Header) (*http.Response, []byte) {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, e.BaseURL+path, r)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header[k] = v
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

// readUntilClose collects binary messages until the hub closes the socket.
func readUntilClose(t *testing.T, conn *websocket.Conn) []byte {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	var out []byte
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			require.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected error: %v", err)
			return out
		}
		out = append(out, data...)
	}
}
