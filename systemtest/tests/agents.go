package tests

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/EternisAI/overlord/internal/api/http/dto"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthCheck(t *testing.T, env *Env) {
	resp, body := env.doJSON(t, http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var health dto.HealthResponse
	require.NoError(t, json.Unmarshal(body, &health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, 1, health.Agents)
}

func TestAgents(t *testing.T, env *Env) {
	t.Run("list", func(t *testing.T) {
		resp, body := env.doJSON(t, http.MethodGet, "/agents", nil, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var list dto.AgentsResponse
		require.NoError(t, json.Unmarshal(body, &list))
		require.Equal(t, 1, list.Count)
		assert.Equal(t, env.MachineID, list.Agents[0].MachineID)
		assert.Equal(t, "idle", list.Agents[0].Status)
		assert.Equal(t, "rev-c", list.Agents[0].Properties["board"])
	})

	t.Run("properties", func(t *testing.T) {
		resp, body := env.doJSON(t, http.MethodGet, "/agent/properties/"+env.MachineID, nil, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var props dto.PropertiesResponse
		require.NoError(t, json.Unmarshal(body, &props))
		assert.Equal(t, "rev-c", props.Properties["board"])
		assert.False(t, props.Stale)
	})

	t.Run("unknown device", func(t *testing.T) {
		resp, _ := env.doJSON(t, http.MethodGet, "/agents/nobody", nil, nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

// TestEviction removes the device and watches it leave and come back.
func TestEviction(t *testing.T, env *Env) {
	conn, _, err := websocket.DefaultDialer.Dial(env.wsURL("/agents/subscribe"), nil)
	require.NoError(t, err)
	defer conn.Close()

	// Let the subscription register before evicting.
	time.Sleep(100 * time.Millisecond)

	resp, _ := env.doJSON(t, http.MethodDelete, "/agents/"+env.MachineID, nil, http.Header{"X-Api-Key": {env.APIKey}})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	var seen []string
	for len(seen) < 2 || seen[len(seen)-1] != "joined" {
		var ev dto.AgentEvent
		require.NoError(t, conn.ReadJSON(&ev))
		if ev.Agent.MachineID != env.MachineID {
			continue
		}
		seen = append(seen, ev.Event)
	}
	assert.Equal(t, "left", seen[0])

	require.Eventually(t, func() bool {
		_, ok := env.Registry.Get(env.MachineID)
		return ok
	}, 5*time.Second, 20*time.Millisecond)
}
