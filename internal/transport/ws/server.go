package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"idlegrove.app/internal/protocol"
	"idlegrove.app/internal/sim/catalogs"
	"idlegrove.app/internal/sim/game"
	"idlegrove.app/internal/sim/multisession"
	"idlegrove.app/internal/sim/session"
)

const (
	handshakeTimeout = 5 * time.Second
	writeTimeout     = 5 * time.Second
	pongWait         = 60 * time.Second
	pingEvery        = 25 * time.Second
)

// Sessions hands out running player sessions.
type Sessions interface {
	Acquire(ctx context.Context, id multisession.Identity) (*session.Session, error)
	Release(playerID string)
}

type Server struct {
	sessions Sessions
	m        *game.Machine
	log      *log.Logger

	upgrader websocket.Upgrader
}

func NewServer(sessions Sessions, m *game.Machine, logger *log.Logger) *Server {
	return &Server{
		sessions: sessions,
		m:        m,
		log:      logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

func (s *Server) printf(format string, args ...any) {
	if s.log != nil {
		s.log.Printf(format, args...)
	}
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		id, ok := s.handshake(conn)
		if !ok {
			return
		}

		actx, acancel := context.WithTimeout(r.Context(), 10*time.Second)
		sess, err := s.sessions.Acquire(actx, id)
		acancel()
		if err != nil {
			s.printf("player=%s attach: %v", id.PlayerID, err)
			_ = writeJSON(conn, protocol.NewError(attachErrorCode(err), err.Error()))
			return
		}
		defer s.sessions.Release(id.PlayerID)

		cats := s.m.Catalogs()
		welcome := protocol.WelcomeMsg{
			Type:            protocol.TypeWelcome,
			ProtocolVersion: protocol.Version,
			PlayerID:        id.PlayerID,
			DisplayName:     id.DisplayName,
			Authenticated:   id.Authenticated,
			SaveVersion:     cats.SaveVersion,
			CatalogDigest:   cats.Digest,
			Catalog:         protocol.NewCatalogView(cats),
		}
		if welcome.DisplayName == "" {
			welcome.DisplayName = session.AnonymousName
		}
		if err := writeJSON(conn, welcome); err != nil {
			return
		}

		views, unsubscribe := sess.Subscribe()
		defer unsubscribe()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		// Writer goroutine: owns every write after the handshake.
		go func() {
			defer cancel()
			defer conn.Close()

			ping := time.NewTicker(pingEvery)
			defer ping.Stop()

			var seq uint64
			send := func(v session.View) bool {
				seq++
				return writeJSON(conn, s.stateMsg(seq, v)) == nil
			}
			vctx, vcancel := context.WithTimeout(ctx, writeTimeout)
			first, err := sess.View(vctx)
			vcancel()
			if err != nil || !send(first) {
				return
			}
			for {
				select {
				case <-ctx.Done():
					return
				case v, ok := <-views:
					if !ok {
						_ = conn.WriteControl(websocket.CloseMessage,
							websocket.FormatCloseMessage(websocket.CloseGoingAway, "session closed"), time.Now().Add(time.Second))
						return
					}
					if !send(v) {
						return
					}
				case <-ping.C:
					if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
						return
					}
				}
			}
		}()

		// Reader loop.
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				cancel()
				break
			}
			_ = conn.SetReadDeadline(time.Now().Add(pongWait))
			base, err := protocol.DecodeBase(msg)
			if err != nil || base.Type != protocol.TypeAct {
				continue
			}
			act, err := protocol.DecodeAct(msg)
			if err != nil {
				// Malformed or illegal intents are dropped.
				continue
			}
			sess.Submit(session.Command{Kind: session.CommandKind(act.Kind), ID: act.ID, Amount: act.Amount})
		}
	}
}

func (s *Server) handshake(conn *websocket.Conn) (multisession.Identity, bool) {
	var id multisession.Identity
	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return id, false
	}

	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != protocol.TypeHello {
		_ = writeJSON(conn, protocol.NewError(protocol.ErrProtoBadRequest, "expected HELLO"))
		return id, false
	}
	if base.ProtocolVersion != protocol.Version {
		_ = writeJSON(conn, protocol.NewError(protocol.ErrProtoVersion, "unsupported protocol_version"))
		return id, false
	}
	hello, err := protocol.DecodeHello(msg)
	if err != nil {
		_ = writeJSON(conn, protocol.NewError(protocol.ErrProtoBadRequest, err.Error()))
		return id, false
	}

	if hello.PlayerID != "" {
		id = multisession.Identity{PlayerID: hello.PlayerID, DisplayName: hello.DisplayName, Authenticated: true}
	} else {
		id = multisession.AnonymousIdentity()
		if hello.DisplayName != "" {
			id.DisplayName = hello.DisplayName
		}
	}
	return id, true
}

func (s *Server) stateMsg(seq uint64, v session.View) protocol.StateMsg {
	msg := protocol.StateMsg{
		Type:            protocol.TypeState,
		ProtocolVersion: protocol.Version,
		Seq:             seq,
		State:           v.State,
		Derived:         v.Derived,
		OfflineAward:    v.Offline,
	}
	if v.State != nil {
		cats := s.m.Catalogs()
		costs := map[string]float64{}
		for _, group := range [][]string{ids(cats.Market()), ids(cats.Lab())} {
			for _, id := range group {
				if cost, n, ok := s.m.CostOf(v.State, id, 1); ok && n > 0 {
					costs[id] = cost
				}
			}
		}
		msg.NextCosts = costs
	}
	return msg
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, b)
}

func ids(defs []catalogs.ItemDef) []string {
	out := make([]string, len(defs))
	for i, d := range defs {
		out[i] = d.ID
	}
	return out
}

func attachErrorCode(err error) string {
	switch {
	case errors.Is(err, multisession.ErrBadPlayerID):
		return protocol.ErrBadPlayer
	case errors.Is(err, multisession.ErrClosed):
		return protocol.ErrUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return protocol.ErrBusy
	default:
		return protocol.ErrInternal
	}
}
