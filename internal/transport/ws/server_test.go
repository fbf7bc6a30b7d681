package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"idlegrove.app/internal/protocol"
	"idlegrove.app/internal/sim/catalogs"
	"idlegrove.app/internal/sim/game"
	"idlegrove.app/internal/sim/multisession"
	"idlegrove.app/internal/sim/tuning"
)

func newTestServer(t *testing.T) (*httptest.Server, *multisession.Manager) {
	t.Helper()
	m := game.NewMachine(catalogs.MustDefault())
	tu := tuning.Defaults()
	tu.FrameMs = 10
	mgr := multisession.New(m, multisession.Options{DataDir: t.TempDir(), Tuning: tu})
	srv := httptest.NewServer(NewServer(mgr, m, nil).Handler())
	t.Cleanup(func() {
		srv.Close()
		mgr.Close()
	})
	return srv, mgr
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readMsg(t *testing.T, conn *websocket.Conn) (string, []byte) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	base, err := protocol.DecodeBase(msg)
	if err != nil {
		t.Fatalf("decode base: %v", err)
	}
	return base.Type, msg
}

func TestServer_HandshakeStateAndAct(t *testing.T) {
	srv, mgr := newTestServer(t)
	conn := dial(t, srv)

	if err := conn.WriteJSON(protocol.HelloMsg{Type: protocol.TypeHello, ProtocolVersion: protocol.Version, PlayerID: "ann", DisplayName: "Ann"}); err != nil {
		t.Fatalf("hello: %v", err)
	}
	typ, raw := readMsg(t, conn)
	if typ != protocol.TypeWelcome {
		t.Fatalf("got %s want WELCOME", typ)
	}
	var welcome protocol.WelcomeMsg
	if err := json.Unmarshal(raw, &welcome); err != nil {
		t.Fatalf("welcome: %v", err)
	}
	if welcome.PlayerID != "ann" || !welcome.Authenticated || welcome.SaveVersion != 7 {
		t.Fatalf("welcome=%+v", welcome)
	}
	if len(welcome.Catalog.Market) == 0 {
		t.Fatalf("welcome without catalog")
	}

	typ, raw = readMsg(t, conn)
	if typ != protocol.TypeState {
		t.Fatalf("got %s want STATE", typ)
	}
	var st protocol.StateMsg
	if err := json.Unmarshal(raw, &st); err != nil {
		t.Fatalf("state: %v", err)
	}
	if st.State == nil || st.NextCosts["seedling"] != 15 {
		t.Fatalf("first state=%+v", st)
	}

	if err := conn.WriteJSON(protocol.ActMsg{Type: protocol.TypeAct, ProtocolVersion: protocol.Version, Kind: "cheat"}); err != nil {
		t.Fatalf("bad act: %v", err)
	}
	if err := conn.WriteJSON(protocol.ActMsg{Type: protocol.TypeAct, ProtocolVersion: protocol.Version, Kind: "click"}); err != nil {
		t.Fatalf("act: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		if time.Now().After(deadline) {
			t.Fatalf("click never reflected in STATE")
		}
		typ, raw = readMsg(t, conn)
		if typ != protocol.TypeState {
			continue
		}
		var s protocol.StateMsg
		if err := json.Unmarshal(raw, &s); err != nil {
			t.Fatalf("state: %v", err)
		}
		if s.State != nil && s.State.Stats.TotalManualActions == 1 {
			if s.State.Currency < 1 {
				t.Fatalf("currency=%v after click", s.State.Currency)
			}
			break
		}
	}
	if mgr.Stats().Live != 1 {
		t.Fatalf("live=%d want 1", mgr.Stats().Live)
	}

	_ = conn.Close()
	deadline = time.Now().Add(5 * time.Second)
	for mgr.Stats().Live != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("session not released after disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestServer_AnonymousGetsGeneratedID(t *testing.T) {
	srv, _ := newTestServer(t)
	conn := dial(t, srv)

	if err := conn.WriteJSON(protocol.HelloMsg{Type: protocol.TypeHello, ProtocolVersion: protocol.Version}); err != nil {
		t.Fatalf("hello: %v", err)
	}
	typ, raw := readMsg(t, conn)
	if typ != protocol.TypeWelcome {
		t.Fatalf("got %s want WELCOME", typ)
	}
	var welcome protocol.WelcomeMsg
	if err := json.Unmarshal(raw, &welcome); err != nil {
		t.Fatalf("welcome: %v", err)
	}
	if welcome.Authenticated || !multisession.ValidPlayerID(welcome.PlayerID) {
		t.Fatalf("welcome=%+v", welcome)
	}
}

func TestServer_RejectsWrongVersion(t *testing.T) {
	srv, _ := newTestServer(t)
	conn := dial(t, srv)

	if err := conn.WriteJSON(protocol.HelloMsg{Type: protocol.TypeHello, ProtocolVersion: "0.9"}); err != nil {
		t.Fatalf("hello: %v", err)
	}
	typ, raw := readMsg(t, conn)
	if typ != protocol.TypeError {
		t.Fatalf("got %s want ERROR", typ)
	}
	var e protocol.ErrorMsg
	if err := json.Unmarshal(raw, &e); err != nil {
		t.Fatalf("error msg: %v", err)
	}
	if e.Code != protocol.ErrProtoVersion {
		t.Fatalf("code=%s", e.Code)
	}
}

func TestAttachErrorCode(t *testing.T) {
	_, err := multisession.PlayerDir("data", "../etc")
	cases := []struct {
		err  error
		want string
	}{
		{err, protocol.ErrBadPlayer},
		{fmt.Errorf("acquire: %w", multisession.ErrClosed), protocol.ErrUnavailable},
		{context.DeadlineExceeded, protocol.ErrBusy},
		{errors.New("disk full"), protocol.ErrInternal},
	}
	for _, tc := range cases {
		if got := attachErrorCode(tc.err); got != tc.want {
			t.Fatalf("attachErrorCode(%v)=%s want %s", tc.err, got, tc.want)
		}
	}
}
