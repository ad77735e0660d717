package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/modelguard/relay/internal/auth"
	"github.com/modelguard/relay/internal/handler"
	"github.com/modelguard/relay/internal/history"
	"github.com/modelguard/relay/internal/ierr"
	"go.uber.org/zap"
)

// RESTServer is the service-to-service surface: the CRUD layer pushes
// broadcasts for mutations it applied over plain REST, and operators can
// read back the recent event history of a room.
type RESTServer struct {
	logger *zap.Logger

	emitHandler *handler.EmitHandler
	histories   history.Engine
	apiKeys     *auth.APIKeys
}

func NewRESTServer(
	logger *zap.Logger,
	emitHandler *handler.EmitHandler,
	histories history.Engine,
	apiKeys *auth.APIKeys,
) *RESTServer {
	return &RESTServer{
		logger,
		emitHandler,
		histories,
		apiKeys,
	}
}

func (s *RESTServer) Register(router *mux.Router) {
	router.HandleFunc("/emit", s.handleEmit).Methods("POST")
	router.HandleFunc("/history", s.handleHistory).Methods("GET")
}

func (s *RESTServer) authenticate(w http.ResponseWriter, r *http.Request) bool {
	apiKey := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")

	if err := s.apiKeys.Authenticate(apiKey); err != nil {
		http.Error(w, "invalid api key", http.StatusUnauthorized)

		return false
	}

	return true
}

func (s *RESTServer) handleEmit(w http.ResponseWriter, r *http.Request) {
	if !s.authenticate(w, r) {
		return
	}

	var emitRequest handler.EmitRequest
	err := json.NewDecoder(r.Body).Decode(&emitRequest)
	if err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)

		return
	}

	emitResponse, err := s.emitHandler.Handle(r.Context(), emitRequest)
	if err != nil {
		var relayErr ierr.Error
		if errors.As(err, &relayErr) && relayErr.Code == ierr.ErrorCodeInvalidArgument {
			http.Error(w, relayErr.Message, http.StatusBadRequest)

			return
		}

		s.logger.Error("failed to handle emit request", zap.Error(err))
		http.Error(w, "failed to handle emit request", http.StatusInternalServerError)

		return
	}

	w.Header().Set("Content-Type", "application/json")
	err = json.NewEncoder(w).Encode(emitResponse)
	if err != nil {
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
	}
}

func (s *RESTServer) handleHistory(w http.ResponseWriter, r *http.Request) {
	if !s.authenticate(w, r) {
		return
	}

	roomKey := r.URL.Query().Get("room")
	if roomKey == "" {
		http.Error(w, "room is required", http.StatusBadRequest)

		return
	}

	entries, err := s.histories.List(r.Context(), roomKey, r.URL.Query().Get("after"))
	if err != nil {
		s.logger.Error("failed to list history", zap.Error(err))
		http.Error(w, "failed to list history", http.StatusInternalServerError)

		return
	}

	if entries == nil {
		entries = []history.Entry{}
	}

	w.Header().Set("Content-Type", "application/json")
	err = json.NewEncoder(w).Encode(entries)
	if err != nil {
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
	}
}
