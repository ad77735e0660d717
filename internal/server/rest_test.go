package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/modelguard/relay/internal/auth"
	"github.com/modelguard/relay/internal/handler"
	"github.com/modelguard/relay/internal/history"
	"github.com/modelguard/relay/internal/presence"
	"github.com/modelguard/relay/internal/relay"
	"github.com/modelguard/relay/internal/room"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestRESTServer(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	registry := relay.NewInMemoryRegistry(logger)
	presenceStore := presence.NewStore(logger)
	apiKeys := auth.NewAPIKeys([]string{"test-api-key"})
	emitHandler := handler.NewEmitHandler(logger, room.NewKeyValidator(), registry, presenceStore, history.NoopRecorder{})

	restServer := NewRESTServer(logger, emitHandler, history.NoopEngine{}, apiKeys)

	router := mux.NewRouter()
	restServer.Register(router)

	server := httptest.NewServer(router)
	defer server.Close()

	post := func(t *testing.T, apiKey string, body string) *http.Response {
		t.Helper()

		req, _ := http.NewRequest("POST", server.URL+"/emit", bytes.NewBufferString(body))
		req.Header.Set("Authorization", "Bearer "+apiKey)
		req.Header.Set("Content-Type", "application/json")

		resp, err := http.DefaultClient.Do(req)
		assert.NoError(t, err)

		return resp
	}

	t.Run("valid api key", func(t *testing.T) {
		conn := relay.NewConnection("conn-1", "user-1", "User One", 16)
		assert.NoError(t, registry.Join(room.ProjectsTopic, conn))

		resp := post(t, "test-api-key", `{"room":"projects","method":"update_project","params":{"projectId":7,"name":"renamed"}}`)
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		var emitResponse handler.EmitResponse
		assert.NoError(t, json.NewDecoder(resp.Body).Decode(&emitResponse))
		assert.False(t, emitResponse.Timestamp.IsZero())

		delivered := <-conn.Send
		assert.Equal(t, "update_project", delivered.Method)
	})

	t.Run("invalid api key", func(t *testing.T) {
		resp := post(t, "wrong-key", `{"room":"projects","method":"update_project"}`)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("invalid room key", func(t *testing.T) {
		resp := post(t, "test-api-key", `{"room":"not a room","method":"update_project"}`)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("malformed body", func(t *testing.T) {
		resp := post(t, "test-api-key", `{`)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("history requires a room", func(t *testing.T) {
		req, _ := http.NewRequest("GET", server.URL+"/history", nil)
		req.Header.Set("Authorization", "Bearer test-api-key")

		resp, err := http.DefaultClient.Do(req)
		assert.NoError(t, err)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("history returns an empty list for a quiet room", func(t *testing.T) {
		req, _ := http.NewRequest("GET", server.URL+"/history?room=project:7", nil)
		req.Header.Set("Authorization", "Bearer test-api-key")

		resp, err := http.DefaultClient.Do(req)
		assert.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		var entries []history.Entry
		assert.NoError(t, json.NewDecoder(resp.Body).Decode(&entries))
		assert.Empty(t, entries)
	})
}
