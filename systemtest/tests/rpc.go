package tests

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/EternisAI/overlord/internal/api/http/dto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRPC(t *testing.T, env *Env) {
	call := func(t *testing.T, name string, args ...string) dto.RPCResponse {
		resp, body := env.doJSON(t, http.MethodPost, "/agent/rpc/"+env.MachineID, dto.RPCRequest{Name: name, Args: args}, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
		var res dto.RPCResponse
		require.NoError(t, json.Unmarshal(body, &res))
		return res
	}

	t.Run("ping", func(t *testing.T) {
		res := call(t, "ping")
		assert.Equal(t, "Success", res.Status)
		assert.Contains(t, string(res.Payload), "pong")
	})

	t.Run("shell.exec", func(t *testing.T) {
		res := call(t, "shell.exec", "echo", "out;", "exit", "4")
		require.Equal(t, "Success", res.Status)

		var exec struct {
			ExitCode int    `json:"exit_code"`
			Output   string `json:"output"`
		}
		require.NoError(t, json.Unmarshal(res.Payload, &exec))
		assert.Equal(t, 4, exec.ExitCode)
		assert.Equal(t, "out\n", exec.Output)
	})

	t.Run("unknown rpc fails normally", func(t *testing.T) {
		res := call(t, "reboot")
		assert.Equal(t, "Failed", res.Status)
		assert.NotEmpty(t, res.Error)
	})
}
