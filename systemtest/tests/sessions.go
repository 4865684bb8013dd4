package tests

import (
	"bufio"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/EternisAI/overlord/internal/api/http/dto"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShellSession(t *testing.T, env *Env) {
	conn, _, err := websocket.DefaultDialer.Dial(env.wsURL("/agent/session/"+env.MachineID+"?mode=shell"), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte("echo first\n")))
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte("echo second\n")))
	require.NoError(t, conn.WriteJSON(dto.ControlMessage{Type: dto.ControlStdinClosed}))

	out := readUntilClose(t, conn)
	assert.Equal(t, "first\nsecond\n", string(out))

	require.Eventually(t, func() bool {
		return len(env.Registry.Sessions(env.MachineID)) == 0
	}, 5*time.Second, 20*time.Millisecond)
}

func TestFileSession(t *testing.T, env *Env) {
	content := "calibration=42\n"

	t.Run("put over raw stream", func(t *testing.T) {
		require.NoError(t, os.MkdirAll(filepath.Join(env.FileRoot, "notes"), 0o755))
		conn := openRawSession(t, env, "mode=file&args=put&args=/notes/cal.txt")
		defer conn.Close()

		_, err := conn.Write([]byte(content))
		require.NoError(t, err)
		require.NoError(t, conn.(*net.TCPConn).CloseWrite())

		conn.SetReadDeadline(time.Now().Add(10 * time.Second))
		_, err = io.ReadAll(conn)
		require.NoError(t, err)

		require.Eventually(t, func() bool {
			data, err := os.ReadFile(filepath.Join(env.FileRoot, "notes", "cal.txt"))
			return err == nil && string(data) == content
		}, 5*time.Second, 20*time.Millisecond)
	})

	t.Run("get over websocket", func(t *testing.T) {
		conn, _, err := websocket.DefaultDialer.Dial(env.wsURL("/agent/session/"+env.MachineID+"?mode=file&args=get&args=/notes/cal.txt"), nil)
		require.NoError(t, err)
		defer conn.Close()

		assert.Equal(t, content, string(readUntilClose(t, conn)))
	})

	t.Run("missing file is refused", func(t *testing.T) {
		resp, body := env.doJSON(t, http.MethodPost, "/agent/session/"+env.MachineID+"?mode=file&args=get&args=/nope.txt", nil, nil)
		assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
		assert.Contains(t, string(body), "no such file")
	})
}

func TestUnknownDeviceSession(t *testing.T, env *Env) {
	resp, body := env.doJSON(t, http.MethodPost, "/agent/session/nobody?mode=shell", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Contains(t, string(body), "no such device")
	assert.Empty(t, env.Registry.Sessions("nobody"))
}

// openRawSession opens a session without a websocket upgrade and returns
// the connection positioned after the 101 response.
func openRawSession(t *testing.T, env *Env, query string) net.Conn {
	t.Helper()
	addr := strings.TrimPrefix(env.BaseURL, "http://")
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, env.BaseURL+"/agent/session/"+env.MachineID+"?"+query, nil)
	require.NoError(t, err)
	require.NoError(t, req.Write(conn))

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, req)
	require.NoError(t, err)
	require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	require.Zero(t, br.Buffered())
	return conn
}
