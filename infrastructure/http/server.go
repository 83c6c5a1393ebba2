// Package http exposes the hub's outward surfaces: the REST catch-up
// API and the WebSocket event endpoint. It maps transport concerns onto
// the relay and repositories and holds no business rules of its own.
package http

import (
	"encoding/json"
	goerrors "errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"chat-hub/auth"
	"chat-hub/captcha"
	"chat-hub/domain"
	"chat-hub/domain/event"
	"chat-hub/envelope"
	"chat-hub/errors"
	"chat-hub/observability"
	"chat-hub/repositories"
	"chat-hub/runtime"
	"chat-hub/services"
	"chat-hub/storage"
)

type Server struct {
	log        *slog.Logger
	validate   *validator.Validate
	verifier   auth.Verifier
	identities repositories.IIdentityRepository
	rooms      repositories.IRoomRepository
	messages   repositories.IMessageRepository
	captchas   *captcha.Store
	codec      *envelope.Codec
	relay      *services.Relay
	calls      *services.CallRelay
	registry   *runtime.Registry
	blobs      *storage.DiskBlobStore
	stats      *observability.Manager

	upgrader      websocket.Upgrader
	uploadLimiter *rate.Limiter
	bufferSize    int
}

func NewServer(
	log *slog.Logger,
	verifier auth.Verifier,
	identities repositories.IIdentityRepository,
	rooms repositories.IRoomRepository,
	messages repositories.IMessageRepository,
	captchas *captcha.Store,
	codec *envelope.Codec,
	relay *services.Relay,
	calls *services.CallRelay,
	registry *runtime.Registry,
	blobs *storage.DiskBlobStore,
	stats *observability.Manager,
	uploadPerMinute int,
	bufferSize int,
) *Server {
	if uploadPerMinute <= 0 {
		uploadPerMinute = 30
	}
	return &Server{
		log:        log,
		validate:   validator.New(),
		verifier:   verifier,
		identities: identities,
		rooms:      rooms,
		messages:   messages,
		captchas:   captchas,
		codec:      codec,
		relay:      relay,
		calls:      calls,
		registry:   registry,
		blobs:      blobs,
		stats:      stats,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The hub serves first-party clients only.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		uploadLimiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(uploadPerMinute)), uploadPerMinute),
		bufferSize:    bufferSize,
	}
}

// Handler wires every route. Chat routes carry no rate limiting: the
// captcha is the anti-abuse gate for anonymous posting, and privileged
// routes already require a credential. Only uploads are throttled.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/captcha", s.handleCaptcha)
	mux.HandleFunc("GET /api/health", s.handleHealth)

	mux.HandleFunc("GET /api/users/me", s.requireAuth(s.handleMe))
	mux.HandleFunc("GET /api/users", s.requireAuth(s.handleUsers))
	mux.HandleFunc("POST /api/upload", s.requireAuth(s.handleUpload))

	mux.HandleFunc("GET /api/rooms/public", s.handlePublicRoom)
	mux.HandleFunc("GET /api/rooms/public/messages", s.handlePublicHistory)
	mux.HandleFunc("POST /api/rooms/public/messages", s.handlePublicPost)

	mux.HandleFunc("POST /api/rooms/private", s.requireAuth(s.handleCreatePrivate))
	mux.HandleFunc("GET /api/rooms/private", s.requireAuth(s.handleListPrivate))
	mux.HandleFunc("GET /api/rooms/private/unread", s.requireAuth(s.handleUnread))
	mux.HandleFunc("GET /api/rooms/{roomID}/messages", s.requireAuth(s.handlePrivateHistory))
	mux.HandleFunc("POST /api/rooms/{roomID}/messages", s.requireAuth(s.handlePrivatePost))
	mux.HandleFunc("POST /api/rooms/{roomID}/read", s.requireAuth(s.handleMarkRead))

	mux.HandleFunc("/api/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "API route not found")
	})

	mux.Handle("GET /uploads/", http.StripPrefix("/uploads/",
		http.FileServer(http.Dir(s.blobs.Dir()))))

	mux.HandleFunc("GET /ws", s.handleSocket)

	return mux
}

func (s *Server) handleCaptcha(w http.ResponseWriter, r *http.Request) {
	id, code, err := s.captchas.Issue()
	if err != nil {
		s.serverError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "code": code})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.stats.Snapshot())
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request, identity domain.Identity) {
	writeJSON(w, http.StatusOK, identity)
}

func (s *Server) handleUsers(w http.ResponseWriter, r *http.Request, identity domain.Identity) {
	identities, err := s.identities.List(identity.ID)
	if err != nil {
		s.serverError(w, err)
		return
	}
	if identities == nil {
		identities = []domain.Identity{}
	}
	writeJSON(w, http.StatusOK, identities)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request, identity domain.Identity) {
	if !s.uploadLimiter.Allow() {
		writeError(w, http.StatusTooManyRequests, "Too many uploads")
		return
	}
	if err := r.ParseMultipartForm(storage.MaxBlobSize); err != nil {
		writeError(w, http.StatusBadRequest, "File required")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "File required")
		return
	}
	defer file.Close()

	attachment, err := s.blobs.Put(header.Filename, file, header.Size)
	if goerrors.Is(err, errors.ErrBlobTooLarge) {
		writeError(w, http.StatusRequestEntityTooLarge, "File too large")
		return
	}
	if err != nil {
		s.serverError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, attachment)
}

func (s *Server) handlePublicRoom(w http.ResponseWriter, r *http.Request) {
	room, err := s.rooms.GetOrCreatePublic()
	if err != nil {
		s.serverError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": room.ID, "name": room.Name})
}

func (s *Server) handlePublicHistory(w http.ResponseWriter, r *http.Request) {
	room, err := s.rooms.GetOrCreatePublic()
	if err != nil {
		s.serverError(w, err)
		return
	}

	var after *time.Time
	if raw := r.URL.Query().Get("after"); raw != "" {
		if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			after = &t
		}
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	msgs, err := s.messages.List(room.ID, domain.RoomPublic, after, limit)
	if err != nil {
		s.serverError(w, err)
		return
	}

	views := make([]event.MessageView, 0, len(msgs))
	for _, m := range msgs {
		views = append(views, services.PublicView(m))
	}
	writeJSON(w, http.StatusOK, views)
}

type publicPostRequest struct {
	Content     string             `json:"content"`
	Attachment  *domain.Attachment `json:"attachment"`
	CaptchaID   string             `json:"captchaId" validate:"required"`
	CaptchaCode string             `json:"captchaCode" validate:"required"`
	GuestName   string             `json:"guestName" validate:"max=30"`
}

func (s *Server) handlePublicPost(w http.ResponseWriter, r *http.Request) {
	var req publicPostRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid payload")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid payload")
		return
	}

	identity := s.optionalIdentity(r)
	sender, guest := "", false
	if identity != nil {
		sender = identity.Display()
	} else {
		sender, guest = services.GuestName(req.GuestName), true
	}

	message, err := s.relay.AppendPublic(identity, sender, guest, event.Inbound{
		Content:     req.Content,
		Attachment:  req.Attachment,
		CaptchaID:   req.CaptchaID,
		CaptchaCode: req.CaptchaCode,
	})
	switch {
	case goerrors.Is(err, errors.ErrCaptchaRejected):
		writeError(w, http.StatusBadRequest, "Captcha invalid")
	case goerrors.Is(err, errors.ErrEmptyMessage):
		writeError(w, http.StatusBadRequest, "Content required")
	case err != nil:
		s.serverError(w, err)
	default:
		writeJSON(w, http.StatusCreated, map[string]string{"id": message.ID.String()})
	}
}

type createPrivateRequest struct {
	Username string `json:"username" validate:"required"`
}

func (s *Server) handleCreatePrivate(w http.ResponseWriter, r *http.Request, identity domain.Identity) {
	var req createPrivateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid payload")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "Username required")
		return
	}

	target, err := s.identities.GetByUsername(req.Username)
	if goerrors.Is(err, errors.ErrIdentityNotFound) {
		writeError(w, http.StatusNotFound, "User not found")
		return
	}
	if err != nil {
		s.serverError(w, err)
		return
	}

	room, err := s.rooms.GetOrCreatePrivate(
		domain.RoomMember{UserID: identity.ID, Username: identity.Username, DisplayName: identity.DisplayName},
		domain.RoomMember{UserID: target.ID, Username: target.Username, DisplayName: target.DisplayName},
	)
	if err != nil {
		s.serverError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, room)
}

func (s *Server) handleListPrivate(w http.ResponseWriter, r *http.Request, identity domain.Identity) {
	rooms, err := s.rooms.ListPrivate(identity.ID)
	if err != nil {
		s.serverError(w, err)
		return
	}
	if rooms == nil {
		rooms = []domain.Room{}
	}
	writeJSON(w, http.StatusOK, rooms)
}

// handlePrivateHistory returns the decrypted catch-up page and marks the
// room read for the caller, mirroring the live read event. Messages that
// fail to decrypt are logged and excluded rather than failing the page.
func (s *Server) handlePrivateHistory(w http.ResponseWriter, r *http.Request, identity domain.Identity) {
	room, ok := s.memberRoom(w, r, identity)
	if !ok {
		return
	}

	if err := s.messages.MarkRead(room.ID, identity.ID); err != nil {
		s.serverError(w, err)
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	msgs, err := s.messages.List(room.ID, domain.RoomPrivate, nil, limit)
	if err != nil {
		s.serverError(w, err)
		return
	}

	otherIDs := room.OtherMemberIDs(identity.ID)
	views := make([]event.MessageView, 0, len(msgs))
	for _, m := range msgs {
		if m.Encrypted == nil {
			continue
		}
		payload, err := s.codec.Open(*m.Encrypted)
		if err != nil {
			s.log.Error("Dropping undecryptable message", "roomId", room.ID, "messageId", m.ID, "err", err)
			continue
		}
		view := event.MessageView{
			ID:         m.ID.String(),
			Username:   m.Sender,
			Content:    payload.Content,
			Attachment: payload.Attachment,
			CreatedAt:  m.CreatedAt.Format(time.RFC3339Nano),
		}
		if m.SenderID == identity.ID {
			view.Status = "send"
			for _, other := range otherIDs {
				if m.HasRead(other) {
					view.Status = "read"
					break
				}
			}
		}
		views = append(views, view)
	}
	writeJSON(w, http.StatusOK, views)
}

type privatePostRequest struct {
	Content    string             `json:"content"`
	Attachment *domain.Attachment `json:"attachment"`
}

func (s *Server) handlePrivatePost(w http.ResponseWriter, r *http.Request, identity domain.Identity) {
	room, ok := s.memberRoom(w, r, identity)
	if !ok {
		return
	}

	var req privatePostRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid payload")
		return
	}
	content := strings.TrimSpace(req.Content)
	if content == "" && req.Attachment == nil {
		writeError(w, http.StatusBadRequest, "Content required")
		return
	}

	sealed, err := s.codec.Seal(envelope.Payload{Content: content, Attachment: req.Attachment})
	if err != nil {
		s.serverError(w, err)
		return
	}
	id, err := s.messages.Append(domain.Message{
		RoomID:    room.ID,
		Kind:      domain.RoomPrivate,
		Sender:    identity.Display(),
		SenderID:  identity.ID,
		Encrypted: &sealed,
		ReadBy:    []string{identity.ID},
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		s.serverError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id.String()})
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request, identity domain.Identity) {
	room, ok := s.memberRoom(w, r, identity)
	if !ok {
		return
	}
	if err := s.messages.MarkRead(room.ID, identity.ID); err != nil {
		s.serverError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleUnread(w http.ResponseWriter, r *http.Request, identity domain.Identity) {
	rooms, err := s.rooms.ListPrivate(identity.ID)
	if err != nil {
		s.serverError(w, err)
		return
	}

	type unreadEntry struct {
		Username string `json:"username"`
		Count    int    `json:"count"`
	}
	results := []unreadEntry{}
	for _, room := range rooms {
		var other *domain.RoomMember
		for i := range room.Members {
			if room.Members[i].UserID != identity.ID {
				other = &room.Members[i]
				break
			}
		}
		if other == nil {
			continue
		}
		count, err := s.messages.CountUnread(room.ID, identity.ID)
		if err != nil {
			s.serverError(w, err)
			return
		}
		if count > 0 {
			results = append(results, unreadEntry{Username: other.Username, Count: count})
		}
	}
	writeJSON(w, http.StatusOK, results)
}

// memberRoom resolves the {roomID} path value as a private room the
// caller belongs to. A missing id and the public room's id both read as
// not found; a real private room the caller is not in is forbidden.
func (s *Server) memberRoom(w http.ResponseWriter, r *http.Request, identity domain.Identity) (domain.Room, bool) {
	room, err := s.rooms.Get(r.PathValue("roomID"))
	if goerrors.Is(err, errors.ErrRoomNotFound) || (err == nil && room.Kind != domain.RoomPrivate) {
		writeError(w, http.StatusNotFound, "Room not found")
		return domain.Room{}, false
	}
	if err != nil {
		s.serverError(w, err)
		return domain.Room{}, false
	}
	if !room.IsMember(identity.ID) {
		writeError(w, http.StatusForbidden, "Forbidden")
		return domain.Room{}, false
	}
	return room, true
}

func (s *Server) serverError(w http.ResponseWriter, err error) {
	s.log.Error("Request failed", "err", err)
	writeError(w, http.StatusInternalServerError, "Server error")
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
