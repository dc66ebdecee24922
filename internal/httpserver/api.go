package httpserver

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/talkio/signaling-relay/internal/store"
)

// newAPIRouter serves the user directory, contacts, conversations, groups
// and message history.
// These are plain CRUD collaborators; the signaling core never depends on
// them beyond display-name resolution.
func newAPIRouter(st *store.Store, logger *slog.Logger) chi.Router {
	api := apiHandler{store: st, log: logger}

	r := chi.NewRouter()
	r.Post("/users", api.createUser)
	r.Get("/users", api.listUsers)
	r.Get("/users/{id}", api.getUser)
	r.Get("/users/{id}/contacts", api.listContacts)
	r.Post("/contacts", api.addContact)
	r.Get("/users/{id}/conversations", api.listConversations)
	r.Post("/conversations", api.createConversation)
	r.Post("/messages", api.saveMessage)
	r.Get("/conversations/{id}/messages", api.listMessages)
	r.Get("/groups", api.listGroups)
	r.Post("/groups", api.createGroup)
	return r
}

type apiHandler struct {
	store *store.Store
	log   *slog.Logger
}

type apiError struct {
	Error string `json:"error"`
}

func (a apiHandler) createUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username  string `json:"username"`
		Email     string `json:"email"`
		AvatarURL string `json:"avatarUrl"`
	}
	if err := decodeJSON(r, &req); err != nil {
		WriteJSON(w, http.StatusBadRequest, apiError{Error: err.Error()})
		return
	}
	if strings.TrimSpace(req.Username) == "" || strings.TrimSpace(req.Email) == "" {
		WriteJSON(w, http.StatusBadRequest, apiError{Error: "username and email are required"})
		return
	}

	u, err := a.store.CreateUser(r.Context(), req.Username, req.Email, req.AvatarURL)
	if err != nil {
		a.log.Warn("create user failed", "err", err)
		WriteJSON(w, http.StatusConflict, apiError{Error: "user already exists"})
		return
	}
	WriteJSON(w, http.StatusCreated, u)
}

func (a apiHandler) listUsers(w http.ResponseWriter, r *http.Request) {
	users, err := a.store.Users(r.Context())
	if err != nil {
		a.log.Error("list users failed", "err", err)
		WriteJSON(w, http.StatusInternalServerError, apiError{Error: "internal error"})
		return
	}
	WriteJSON(w, http.StatusOK, users)
}

func (a apiHandler) getUser(w http.ResponseWriter, r *http.Request) {
	u, err := a.store.User(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		WriteJSON(w, http.StatusNotFound, apiError{Error: "user not found"})
		return
	}
	if err != nil {
		a.log.Error("get user failed", "err", err)
		WriteJSON(w, http.StatusInternalServerError, apiError{Error: "internal error"})
		return
	}
	WriteJSON(w, http.StatusOK, u)
}

func (a apiHandler) listContacts(w http.ResponseWriter, r *http.Request) {
	contacts, err := a.store.Contacts(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.log.Error("list contacts failed", "err", err)
		WriteJSON(w, http.StatusInternalServerError, apiError{Error: "internal error"})
		return
	}
	WriteJSON(w, http.StatusOK, contacts)
}

func (a apiHandler) addContact(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID    string `json:"userId"`
		ContactID string `json:"contactId"`
		Nickname  string `json:"nickname"`
	}
	if err := decodeJSON(r, &req); err != nil {
		WriteJSON(w, http.StatusBadRequest, apiError{Error: err.Error()})
		return
	}
	if req.UserID == "" || req.ContactID == "" {
		WriteJSON(w, http.StatusBadRequest, apiError{Error: "userId and contactId are required"})
		return
	}

	if err := a.store.AddContact(r.Context(), req.UserID, req.ContactID, req.Nickname); err != nil {
		a.log.Warn("add contact failed", "err", err)
		WriteJSON(w, http.StatusConflict, apiError{Error: "contact could not be added"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a apiHandler) createConversation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Kind           string   `json:"kind"`
		ParticipantIDs []string `json:"participantIds"`
	}
	if err := decodeJSON(r, &req); err != nil {
		WriteJSON(w, http.StatusBadRequest, apiError{Error: err.Error()})
		return
	}
	if len(req.ParticipantIDs) == 0 {
		WriteJSON(w, http.StatusBadRequest, apiError{Error: "participantIds are required"})
		return
	}

	conv, err := a.store.CreateConversation(r.Context(), req.Kind, req.ParticipantIDs)
	if err != nil {
		a.log.Warn("create conversation failed", "err", err)
		WriteJSON(w, http.StatusConflict, apiError{Error: "conversation could not be created"})
		return
	}
	WriteJSON(w, http.StatusCreated, conv)
}

func (a apiHandler) listConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := a.store.ConversationsForUser(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.log.Error("list conversations failed", "err", err)
		WriteJSON(w, http.StatusInternalServerError, apiError{Error: "internal error"})
		return
	}
	WriteJSON(w, http.StatusOK, convs)
}

func (a apiHandler) createGroup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	if err := decodeJSON(r, &req); err != nil {
		WriteJSON(w, http.StatusBadRequest, apiError{Error: err.Error()})
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		WriteJSON(w, http.StatusBadRequest, apiError{Error: "name is required"})
		return
	}

	g, err := a.store.CreateGroup(r.Context(), req.Name, req.Description)
	if err != nil {
		a.log.Warn("create group failed", "err", err)
		WriteJSON(w, http.StatusConflict, apiError{Error: "group could not be created"})
		return
	}
	WriteJSON(w, http.StatusCreated, g)
}

func (a apiHandler) listGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := a.store.Groups(r.Context())
	if err != nil {
		a.log.Error("list groups failed", "err", err)
		WriteJSON(w, http.StatusInternalServerError, apiError{Error: "internal error"})
		return
	}
	WriteJSON(w, http.StatusOK, groups)
}

func (a apiHandler) saveMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ConversationID string `json:"conversationId"`
		SenderID       string `json:"senderId"`
		Content        string `json:"content"`
		Kind           string `json:"kind"`
	}
	if err := decodeJSON(r, &req); err != nil {
		WriteJSON(w, http.StatusBadRequest, apiError{Error: err.Error()})
		return
	}
	if req.ConversationID == "" || req.SenderID == "" || req.Content == "" {
		WriteJSON(w, http.StatusBadRequest, apiError{Error: "conversationId, senderId and content are required"})
		return
	}

	m, err := a.store.SaveMessage(r.Context(), req.ConversationID, req.SenderID, req.Content, req.Kind)
	if err != nil {
		a.log.Warn("save message failed", "err", err)
		WriteJSON(w, http.StatusConflict, apiError{Error: "message could not be saved"})
		return
	}
	WriteJSON(w, http.StatusCreated, m)
}

func (a apiHandler) listMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := a.store.Messages(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.log.Error("list messages failed", "err", err)
		WriteJSON(w, http.StatusInternalServerError, apiError{Error: "internal error"})
		return
	}
	WriteJSON(w, http.StatusOK, msgs)
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
