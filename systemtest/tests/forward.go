package tests

import (
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/EternisAI/overlord/internal/api/http/dto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestForward(t *testing.T, env *Env) {
	// The ghost runs on this host, so its localhost is ours.
	target, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer target.Close()
	go func() {
		for {
			c, err := target.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				io.Copy(c, c)
			}()
		}
	}()
	remotePort := target.Addr().(*net.TCPAddr).Port

	resp, body := env.doJSON(t, http.MethodPost, "/agent/forward/"+env.MachineID, dto.StartForwardRequest{RemotePort: remotePort}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var info dto.ForwardInfo
	require.NoError(t, json.Unmarshal(body, &info))

	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(info.Port)))
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("through the tunnel"))
	require.NoError(t, err)
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	buf := make([]byte, len("through the tunnel"))
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, "through the tunnel", string(buf))

	resp, _ = env.doJSON(t, http.MethodDelete, "/forwards/"+strconv.Itoa(info.Port), nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = env.doJSON(t, http.MethodGet, "/forwards", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list dto.ForwardsResponse
	require.NoError(t, json.Unmarshal(body, &list))
	assert.Zero(t, list.Count)
}
