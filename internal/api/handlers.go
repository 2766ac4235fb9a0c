package api

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/gochat-rooms/internal/rooms"
	"github.com/npezzotti/gochat-rooms/internal/server"
	"github.com/npezzotti/gochat-rooms/internal/types"
)

const healthTimeout = 2 * time.Second

type CreateRoomRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	MaxMembers  int    `json:"max_members"`
}

type JoinRoomRequest struct {
	Code string `json:"code"`
}

type RenameRoomRequest struct {
	Name string `json:"name"`
}

type SendMessageRequest struct {
	Content string `json:"content"`
}

func (s *GoChatApp) writeJson(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error().Err(err).Msg("json encode")
	}
}

func (s *GoChatApp) writeError(w http.ResponseWriter, apiErr *ApiError) {
	if apiErr.StatusCode >= http.StatusInternalServerError {
		s.log.Error().Err(apiErr).Int("status", apiErr.StatusCode).Msg("request failed")
	}
	s.writeJson(w, apiErr.StatusCode, apiErr)
}

func decodeBody(r *http.Request, v any) *ApiError {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return NewBadRequestError()
	}
	return nil
}

func roomIdFromPath(r *http.Request) (int, *ApiError) {
	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil || id <= 0 {
		return 0, NewBadRequestError()
	}
	return id, nil
}

func queryInt(r *http.Request, key string) (int, *ApiError) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, nil
	}

	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, NewBadRequestError()
	}
	return v, nil
}

func (s *GoChatApp) healthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	if err := s.db.Ping(ctx); err != nil {
		s.writeError(w, NewServiceUnavailableError(err))
		return
	}

	s.writeJson(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *GoChatApp) createRoom(w http.ResponseWriter, r *http.Request) {
	userId, _ := UserId(r.Context())

	var req CreateRoomRequest
	if apiErr := decodeBody(r, &req); apiErr != nil {
		s.writeError(w, apiErr)
		return
	}

	room, err := s.rooms.Create(r.Context(), rooms.CreateParams{
		Name:        req.Name,
		Description: req.Description,
		OwnerId:     userId,
		MaxMembers:  req.MaxMembers,
	})
	if err != nil {
		s.writeError(w, NewRoomError(err))
		return
	}

	s.writeJson(w, http.StatusCreated, types.NewRoom(room))
}

func (s *GoChatApp) listRooms(w http.ResponseWriter, r *http.Request) {
	userId, _ := UserId(r.Context())

	joined, err := s.rooms.ListRooms(r.Context(), userId)
	if err != nil {
		s.writeError(w, NewRoomError(err))
		return
	}

	out := make([]types.Room, 0, len(joined))
	for _, room := range joined {
		out = append(out, types.NewRoom(room))
	}

	s.writeJson(w, http.StatusOK, out)
}

func (s *GoChatApp) joinRoomByCode(w http.ResponseWriter, r *http.Request) {
	var req JoinRoomRequest
	if apiErr := decodeBody(r, &req); apiErr != nil {
		s.writeError(w, apiErr)
		return
	}

	user, apiErr := s.currentUser(r)
	if apiErr != nil {
		s.writeError(w, apiErr)
		return
	}

	res, err := s.cs.JoinByCode(r.Context(), req.Code, user)
	if err != nil {
		s.writeError(w, NewRoomError(err))
		return
	}

	s.writeJson(w, http.StatusOK, res)
}

func (s *GoChatApp) joinRoom(w http.ResponseWriter, r *http.Request) {
	roomId, apiErr := roomIdFromPath(r)
	if apiErr != nil {
		s.writeError(w, apiErr)
		return
	}

	user, apiErr := s.currentUser(r)
	if apiErr != nil {
		s.writeError(w, apiErr)
		return
	}

	res, err := s.cs.JoinById(r.Context(), roomId, user)
	if err != nil {
		s.writeError(w, NewRoomError(err))
		return
	}

	s.writeJson(w, http.StatusOK, res)
}

func (s *GoChatApp) leaveRoom(w http.ResponseWriter, r *http.Request) {
	roomId, apiErr := roomIdFromPath(r)
	if apiErr != nil {
		s.writeError(w, apiErr)
		return
	}

	user, apiErr := s.currentUser(r)
	if apiErr != nil {
		s.writeError(w, apiErr)
		return
	}

	res, err := s.cs.Leave(r.Context(), roomId, user)
	if err != nil {
		s.writeError(w, NewRoomError(err))
		return
	}

	s.writeJson(w, http.StatusOK, res)
}

func (s *GoChatApp) getRoom(w http.ResponseWriter, r *http.Request) {
	roomId, apiErr := roomIdFromPath(r)
	if apiErr != nil {
		s.writeError(w, apiErr)
		return
	}
	userId, _ := UserId(r.Context())

	details, err := s.cs.Details(r.Context(), roomId, userId)
	if err != nil {
		s.writeError(w, NewRoomError(err))
		return
	}

	s.writeJson(w, http.StatusOK, details)
}

func (s *GoChatApp) renameRoom(w http.ResponseWriter, r *http.Request) {
	roomId, apiErr := roomIdFromPath(r)
	if apiErr != nil {
		s.writeError(w, apiErr)
		return
	}

	var req RenameRoomRequest
	if apiErr := decodeBody(r, &req); apiErr != nil {
		s.writeError(w, apiErr)
		return
	}

	user, apiErr := s.currentUser(r)
	if apiErr != nil {
		s.writeError(w, apiErr)
		return
	}

	room, err := s.cs.Rename(r.Context(), roomId, user, req.Name)
	if err != nil {
		s.writeError(w, NewRoomError(err))
		return
	}

	s.writeJson(w, http.StatusOK, room)
}

func (s *GoChatApp) getMessages(w http.ResponseWriter, r *http.Request) {
	roomId, apiErr := roomIdFromPath(r)
	if apiErr != nil {
		s.writeError(w, apiErr)
		return
	}
	userId, _ := UserId(r.Context())

	before, apiErr := queryInt(r, "before")
	if apiErr != nil {
		s.writeError(w, apiErr)
		return
	}
	limit, apiErr := queryInt(r, "limit")
	if apiErr != nil {
		s.writeError(w, apiErr)
		return
	}

	messages, err := s.rooms.History(r.Context(), roomId, userId, before, limit)
	if err != nil {
		s.writeError(w, NewRoomError(err))
		return
	}

	out := make([]types.Message, 0, len(messages))
	for _, msg := range messages {
		out = append(out, types.NewMessage(msg))
	}

	s.writeJson(w, http.StatusOK, out)
}

func (s *GoChatApp) sendMessage(w http.ResponseWriter, r *http.Request) {
	roomId, apiErr := roomIdFromPath(r)
	if apiErr != nil {
		s.writeError(w, apiErr)
		return
	}
	userId, _ := UserId(r.Context())

	var req SendMessageRequest
	if apiErr := decodeBody(r, &req); apiErr != nil {
		s.writeError(w, apiErr)
		return
	}

	msg, err := s.cs.SendMessage(r.Context(), roomId, userId, req.Content)
	if err != nil {
		s.writeError(w, NewRoomError(err))
		return
	}

	s.writeJson(w, http.StatusCreated, msg)
}

func (s *GoChatApp) serveWs(w http.ResponseWriter, r *http.Request) {
	user, apiErr := s.currentUser(r)
	if apiErr != nil {
		s.writeError(w, apiErr)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				// non-browser clients send no origin
				return true
			}

			return slices.Contains(s.allowedOrigins, origin)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("error upgrading connection")
		return
	}

	client := server.NewClient(user, conn, s.cs, s.log)
	if !s.cs.RegisterClient(client) {
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "server shutting down"))
		conn.Close()
		return
	}

	go client.Write()
	go client.Read()
}
