package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"github.com/Cypherspark/chat-gateway/internal/core"
	"github.com/Cypherspark/chat-gateway/internal/dispatch"
	"github.com/Cypherspark/chat-gateway/internal/presence"
	"github.com/Cypherspark/chat-gateway/internal/ws"
)

type Server struct {
	Store      *core.Store
	Dispatcher *dispatch.Dispatcher
	Registry   *presence.Registry
	WS         *ws.Handler

	validate *validator.Validate
}

func NewServer(store *core.Store, disp *dispatch.Dispatcher, reg *presence.Registry) *Server {
	return &Server{
		Store:      store,
		Dispatcher: disp,
		Registry:   reg,
		WS:         ws.NewHandler(reg),
		validate:   validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)
	r.Use(instrument)

	s.mountHealth(r)
	s.mountMetrics(r)
	s.mountDocs(r)

	r.Get("/ws", s.WS.HandleUpgrade)
	r.Get("/users/online", s.onlineUsers)

	r.Route("/messages", func(r chi.Router) {
		r.Get("/{id}", s.getConversation)
		r.Post("/send/{id}", s.sendMessage)
		r.Put("/edit/{messageID}", s.editMessage)
		r.Delete("/delete/{messageID}", s.deleteMessage)
	})
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case core.IsValidation(err):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case core.IsNotFound(err):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
}

// callerID is the upstream-authenticated identity; verifying it is out of
// scope here, same as the rest of the auth stack.
func callerID(r *http.Request) string { return r.Header.Get("X-User-ID") }

func messageIDParam(r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	return id, err == nil && id > 0
}

type attachmentBody struct {
	URL  string `json:"url" validate:"required,url"`
	Kind string `json:"kind" validate:"required,oneof=image video document"`
}

type sendBody struct {
	Text       string          `json:"text" validate:"max=4096"`
	Attachment *attachmentBody `json:"attachment" validate:"omitempty"`
	DueAt      *time.Time      `json:"due_at"`
}

func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	sender := callerID(r)
	receiver := chi.URLParam(r, "id")
	if sender == "" || receiver == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing_X-User-ID"})
		return
	}

	var in sendBody
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_body"})
		return
	}
	if err := s.validate.Struct(in); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	req := core.SendRequest{SenderID: sender, ReceiverID: receiver, Body: in.Text, DueAt: in.DueAt}
	if in.Attachment != nil {
		req.Attachment = &core.Attachment{URL: in.Attachment.URL, Kind: core.AttachmentKind(in.Attachment.Kind)}
	}

	msg, err := s.Store.Append(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}

	// "Immediate" is just "already due", judged on the store's clock so the
	// gate agrees with Append's validation and the dispatcher's premature
	// check. The live-push outcome never turns into a request error: the
	// message is sent once it is stored.
	if msg.Due(s.Store.Clock()) {
		out, derr := s.Dispatcher.Deliver(r.Context(), msg)
		if derr == nil && out == dispatch.OutcomeDelivered {
			if fresh, gerr := s.Store.Get(r.Context(), msg.ID); gerr == nil {
				msg = fresh
			}
		}
	}

	writeJSON(w, http.StatusCreated, msg)
}

func (s *Server) getConversation(w http.ResponseWriter, r *http.Request) {
	me := callerID(r)
	other := chi.URLParam(r, "id")
	if me == "" || other == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing_X-User-ID"})
		return
	}
	items, err := s.Store.Conversation(r.Context(), me, other)
	if err != nil {
		writeError(w, err)
		return
	}
	if items == nil {
		items = []core.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) editMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := messageIDParam(r, "messageID")
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_message_id"})
		return
	}
	var in struct {
		NewText string `json:"new_text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_body"})
		return
	}
	msg, err := s.Store.Edit(r.Context(), id, in.NewText)
	if err != nil {
		writeError(w, err)
		return
	}
	s.Dispatcher.NotifyEdited(r.Context(), msg)
	writeJSON(w, http.StatusOK, msg)
}

func (s *Server) deleteMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := messageIDParam(r, "messageID")
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_message_id"})
		return
	}
	// Load before tombstoning so the deletion event still knows the receiver.
	msg, err := s.Store.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.Store.SoftDelete(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	s.Dispatcher.NotifyDeleted(r.Context(), msg)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) onlineUsers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"user_ids": s.Registry.Online()})
}
