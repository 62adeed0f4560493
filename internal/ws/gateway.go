package ws

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"atrium/api/internal/auth"
	"atrium/api/internal/presence"
	"atrium/api/internal/rbac"
	"atrium/api/internal/util"
)

const joinDeadline = 10 * time.Second

// versionSource answers the last known version for an entity, used to seed a
// freshly created room so versions stay monotonic across restarts.
type versionSource interface {
	Version(ctx context.Context, ref presence.EntityRef) (uint64, error)
}

type Gateway struct {
	hub        *presence.Hub
	secret     []byte
	cursorRate int
	versions   versionSource
	upgrader   websocket.Upgrader
}

func NewGateway(hub *presence.Hub, secret []byte, cursorRate int) *Gateway {
	return &Gateway{
		hub:        hub,
		secret:     secret,
		cursorRate: cursorRate,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// WithVersionSource wires the Redis high-water mark into room creation.
func (g *Gateway) WithVersionSource(versions versionSource) *Gateway {
	g.versions = versions
	return g
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = bearerToken(r)
	}
	claims, err := auth.ParseToken(g.secret, token)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := newConn(ws)

	// The first frame must be a join naming the entity. Tenant always comes
	// from the token, never from the client. Handshake failures are written
	// synchronously: the write loop has not started yet, so the error frame
	// is flushed before the socket closes.
	_ = ws.SetReadDeadline(time.Now().Add(joinDeadline))
	var joinMsg ClientMessage
	if err := ws.ReadJSON(&joinMsg); err != nil || joinMsg.Type != MsgJoin {
		c.reject("PROTOCOL_ERROR", "expected join")
		return
	}
	ref := presence.EntityRef{Type: joinMsg.EntityType, ID: joinMsg.EntityID, Tenant: claims.Tenant}
	if !ref.Valid() {
		c.reject("VALIDATION_ERROR", "entityType and entityId are required")
		return
	}

	if g.versions != nil {
		if version, err := g.versions.Version(r.Context(), ref); err == nil && version > 0 {
			g.hub.SeedVersion(ref, version)
		}
	}

	session := presence.Session{
		ID:          util.NewID("sess"),
		UserID:      claims.Sub,
		UserName:    claims.Name,
		Entity:      ref,
		ConnectedAt: time.Now(),
	}
	room, snapshot, err := g.hub.Join(session, c)
	if err != nil {
		c.reject("SERVER_ERROR", "could not join room")
		return
	}
	go c.writeLoop()
	defer c.shutdown()
	defer room.Leave(session.ID)

	c.Deliver(snapshotReply{Type: MsgSnapshot, Snapshot: snapshot})

	// After the handshake the read deadline rolls forward on every frame and
	// every pong, so a dead peer is reclaimed within pongWait.
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	role := rbac.Normalize(claims.Role)
	canEdit := rbac.Can(role, rbac.ActionEdit)
	cursorLimit := rateLimiter{limit: g.cursorRate}

	for {
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		var msg ClientMessage
		if err := ws.ReadJSON(&msg); err != nil {
			return
		}
		switch msg.Type {
		case MsgHeartbeat:
			room.Heartbeat(session.ID)

		case MsgLockAcquire:
			if !canEdit {
				c.Deliver(errorReply{Type: MsgError, Code: "FORBIDDEN", Message: "role may not edit"})
				continue
			}
			if msg.Field == "" {
				c.Deliver(errorReply{Type: MsgError, Code: "VALIDATION_ERROR", Message: "field is required"})
				continue
			}
			result, err := room.AcquireLock(session.ID, msg.Field)
			if err != nil {
				return
			}
			if result.Granted {
				c.Deliver(lockReply{Type: MsgLockGranted, Field: result.Field, OwnerID: result.OwnerID, OwnerName: result.OwnerName})
			} else {
				c.Deliver(lockReply{Type: MsgLockDenied, Field: result.Field, OwnerID: result.OwnerID, OwnerName: result.OwnerName})
			}

		case MsgLockRelease:
			if msg.Field != "" {
				room.ReleaseLock(session.ID, msg.Field)
			}

		case MsgMutation:
			if !canEdit {
				c.Deliver(errorReply{Type: MsgError, Code: "FORBIDDEN", Message: "role may not edit"})
				continue
			}
			op := presence.OpType(msg.Op)
			if !op.Valid() || op == presence.OpCursorMove {
				c.Deliver(errorReply{Type: MsgError, Code: "VALIDATION_ERROR", Message: "unknown mutation op"})
				continue
			}
			result, err := room.Apply(session.ID, presence.Mutation{
				Op:          op,
				Payload:     msg.Payload,
				BaseVersion: msg.BaseVersion,
			})
			if err != nil {
				return
			}
			if result.Accepted {
				c.Deliver(mutationReply{Type: MsgMutationAccepted, Version: result.Version})
			} else {
				c.Deliver(mutationReply{Type: MsgMutationStale, Version: result.Version})
			}

		case MsgCursor:
			if !cursorLimit.allow(time.Now()) {
				continue
			}
			room.Cursor(session.ID, msg.X, msg.Y)

		case MsgLeave:
			return

		default:
			c.Deliver(errorReply{Type: MsgError, Code: "PROTOCOL_ERROR", Message: "unknown message type"})
		}
	}
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	header := r.Header.Get("Authorization")
	if len(header) > len(prefix) && header[:len(prefix)] == prefix {
		return header[len(prefix):]
	}
	return ""
}
