package collab

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// the inbound edge of the service: authenticates realtime connections,
// binds them to rooms and runs the per-session protocol state machine.
// authentication happens before room attachment; a rejected credential
// closes the connection with an unauthorized status and never touches a room.

type GatewaySettings struct {
	WsHandshakeTimeout time.Duration
	AuthTimeout        time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
	PingInterval       time.Duration
	MaxMessageSize     int64
}

func DefaultGatewaySettings() *GatewaySettings {
	return &GatewaySettings{
		WsHandshakeTimeout: 2 * time.Second,
		AuthTimeout:        2 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        45 * time.Second,
		PingInterval:       15 * time.Second,
		MaxMessageSize:     1024 * 1024,
	}
}

type Gateway struct {
	ctx context.Context

	registry *Registry
	verifier Verifier
	versions *VersionManager
	settings *GatewaySettings

	upgrader websocket.Upgrader
}

func NewGateway(ctx context.Context, registry *Registry, verifier Verifier, versions *VersionManager) *Gateway {
	return NewGatewayWithSettings(ctx, registry, verifier, versions, DefaultGatewaySettings())
}

func NewGatewayWithSettings(ctx context.Context, registry *Registry, verifier Verifier, versions *VersionManager, settings *GatewaySettings) *Gateway {
	return &Gateway{
		ctx:      ctx,
		registry: registry,
		verifier: verifier,
		versions: versions,
		settings: settings,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: settings.WsHandshakeTimeout,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

func (self *Gateway) Router() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/ws/{projectId}/{fileId:.+}", self.handleWs)
	router.HandleFunc("/api/projects/{projectId}/versions", self.handleCreateVersion).Methods("POST")
	router.HandleFunc("/api/projects/{projectId}/versions", self.handleListVersions).Methods("GET")
	router.HandleFunc("/api/versions/{versionId}/restore", self.handleRestoreVersion).Methods("POST")
	router.HandleFunc("/health", self.handleHealth).Methods("GET")
	return router
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(auth[len("Bearer "):])
	}
	return r.URL.Query().Get("token")
}

// verifies the bearer credential. called once per connection attempt.
func (self *Gateway) authenticate(r *http.Request) (*Principal, error) {
	token := bearerToken(r)
	if token == "" {
		return nil, ErrUnauthorized
	}
	authCtx, authCancel := context.WithTimeout(r.Context(), self.settings.AuthTimeout)
	defer authCancel()
	return self.verifier.Verify(authCtx, token)
}

func (self *Gateway) handleWs(w http.ResponseWriter, r *http.Request) {
	principal, err := self.authenticate(r)
	if err != nil {
		http.Error(w, "Unauthorized.", http.StatusUnauthorized)
		return
	}

	vars := mux.Vars(r)
	docId, err := NewDocumentId(vars["projectId"], vars["fileId"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	// a client that reconnects with the same instance id keeps its replica
	// identity on the document
	instanceId := NewId()
	if instanceStr := r.URL.Query().Get("instance"); instanceStr != "" {
		if parsed, err := ParseId(instanceStr); err == nil {
			instanceId = parsed
		}
	}

	ws, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	session, err := self.registry.Connect(r.Context(), docId, principal, instanceId)
	if err != nil {
		reason := "Load failed."
		if errors.Is(err, ErrFileNotFound) {
			reason = "No such document."
		}
		glog.Infof("[gw]%s connect failed: %s\n", docId, err)
		self.closeWithError(ws, websocket.ClosePolicyViolation, reason)
		ws.Close()
		return
	}

	go self.writePump(ws, session)
	self.readPump(ws, session)

	self.registry.Disconnect(self.ctx, session)
	ws.Close()
}

func (self *Gateway) readPump(ws *websocket.Conn, session *Session) {
	settings := self.settings
	ws.SetReadLimit(settings.MaxMessageSize)
	ws.SetReadDeadline(time.Now().Add(settings.ReadTimeout))
	ws.SetPongHandler(func(string) error {
		session.Touch()
		ws.SetReadDeadline(time.Now().Add(settings.ReadTimeout))
		return nil
	})

	room := session.room
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		session.Touch()
		ws.SetReadDeadline(time.Now().Add(settings.ReadTimeout))

		message, err := DecodeMessage(data)
		if err != nil {
			self.terminateProtocol(session, err)
			return
		}

		switch message.Type {
		case MessageTypeSyncStep1:
			// initial sync, reconnection resync, or resync after a reset
			reply := room.SyncStep(session, message.Vector)
			self.trySend(session, reply)
			if entries := room.Awareness().Snapshot(); 0 < len(entries) {
				self.trySend(session, AwarenessSnapshotMessage(entries))
			}
		case MessageTypeUpdate:
			if session.State() != SessionStateSynced {
				self.terminateProtocol(session, NewProtocolError("update before sync"))
				return
			}
			if _, err := room.MergeUpdate(session, message.Ops); err != nil {
				// the op set was dropped whole, the document is unaffected.
				// the session stays attached and is told what happened.
				glog.Infof("[gw]%s merge rejected for session %s: %s\n", session.docId, session.sessionId, err)
				self.trySend(session, ErrorMessage(ErrorCodeMerge, err.Error()))
			}
		case MessageTypeAwareness:
			if session.State() != SessionStateSynced {
				self.terminateProtocol(session, NewProtocolError("awareness before sync"))
				return
			}
			room.SetAwareness(session, *message.Entry)
		default:
			self.terminateProtocol(session, NewProtocolError("unexpected %s from client", message.Type))
			return
		}
	}
}

func (self *Gateway) writePump(ws *websocket.Conn, session *Session) {
	ticker := time.NewTicker(self.settings.PingInterval)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()

	for {
		select {
		case <-session.ctx.Done():
			// flush anything queued, the final error frame in particular,
			// before the close frame
			for {
				select {
				case message := <-session.send:
					ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
					if err := ws.WriteJSON(message); err != nil {
						return
					}
				default:
					ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
					ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
					return
				}
			}
		case message := <-session.send:
			ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := ws.WriteJSON(message); err != nil {
				return
			}
		case <-ticker.C:
			ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (self *Gateway) trySend(session *Session, message *Message) {
	select {
	case session.send <- message:
	default:
		session.cancel()
	}
}

// a protocol violation terminates the session. the room is unaffected since
// all mutation goes through merge. the error frame is queued ahead of the
// cancel so the write pump flushes it before the close frame.
func (self *Gateway) terminateProtocol(session *Session, err error) {
	glog.Infof("[gw]%s protocol error for session %s: %s\n", session.docId, session.sessionId, err)
	self.trySend(session, ErrorMessage(ErrorCodeProtocol, err.Error()))
	session.cancel()
}

// only safe before the write pump starts
func (self *Gateway) closeWithError(ws *websocket.Conn, closeCode int, reason string) {
	ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(closeCode, reason))
}

func (self *Gateway) handleCreateVersion(w http.ResponseWriter, r *http.Request) {
	if _, err := self.authenticate(r); err != nil {
		http.Error(w, "Unauthorized.", http.StatusUnauthorized)
		return
	}

	var body struct {
		Message string `json:"message"`
	}
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&body)
	}

	version, err := self.versions.CreateVersion(r.Context(), mux.Vars(r)["projectId"], body.Message)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(version)
}

func (self *Gateway) handleListVersions(w http.ResponseWriter, r *http.Request) {
	if _, err := self.authenticate(r); err != nil {
		http.Error(w, "Unauthorized.", http.StatusUnauthorized)
		return
	}

	versions, err := self.versions.ListVersions(r.Context(), mux.Vars(r)["projectId"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(versions)
}

func (self *Gateway) handleRestoreVersion(w http.ResponseWriter, r *http.Request) {
	if _, err := self.authenticate(r); err != nil {
		http.Error(w, "Unauthorized.", http.StatusUnauthorized)
		return
	}

	versionId, err := ParseId(mux.Vars(r)["versionId"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	affected, err := self.versions.RestoreVersion(r.Context(), versionId)
	if err != nil {
		if errors.Is(err, ErrVersionNotFound) {
			http.Error(w, "Version not found.", http.StatusNotFound)
			return
		}
		// the restore failed as a unit. the overwrite step is idempotent,
		// so the caller retries the whole restore.
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"affectedFiles": affected,
	})
}

type pinger interface {
	Ping(ctx context.Context) error
}

func (self *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{
		"status": "ok",
		"rooms":  self.registry.RoomCount(),
	}
	healthy := true
	if p, ok := self.versions.fileStore.(pinger); ok {
		err := p.Ping(r.Context())
		status["store"] = err == nil
		if err != nil {
			healthy = false
		}
	}
	if p, ok := self.registry.relay.(pinger); ok {
		err := p.Ping(r.Context())
		status["relay"] = err == nil
		if err != nil {
			healthy = false
		}
	}
	if !healthy {
		status["status"] = "degraded"
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}
