package signaling

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rescp17/dropmesh/internal/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRelay is an in-process WebSocket server that hands every accepted
// connection to the test.
type fakeRelay struct {
	server *httptest.Server
	conns  chan *websocket.Conn
}

func newFakeRelay(t *testing.T) *fakeRelay {
	t.Helper()
	r := &fakeRelay{conns: make(chan *websocket.Conn, 8)}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	r.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		r.conns <- conn
	}))
	t.Cleanup(r.server.Close)
	return r
}

func (r *fakeRelay) URL() string {
	return r.server.URL
}

func (r *fakeRelay) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-r.conns:
		t.Cleanup(func() { _ = conn.Close() })
		return conn
	case <-time.After(5 * time.Second):
		t.Fatal("relay saw no connection")
		return nil
	}
}

func (r *fakeRelay) assertNoConnection(t *testing.T) {
	t.Helper()
	select {
	case <-r.conns:
		t.Fatal("unexpected connection")
	case <-time.After(100 * time.Millisecond):
	}
}

func readMessage(t *testing.T, conn *websocket.Conn) *Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	msg, err := Decode(data)
	require.NoError(t, err)
	return msg
}

type recorder struct {
	opens    chan struct{}
	messages chan *Message
	errs     chan error
}

func newRecorder() *recorder {
	return &recorder{
		opens:    make(chan struct{}, 16),
		messages: make(chan *Message, 16),
		errs:     make(chan error, 16),
	}
}

func (r *recorder) handlers() Handlers {
	return Handlers{
		OnOpen: func() {
			select {
			case r.opens <- struct{}{}:
			default:
			}
		},
		OnMessage: func(msg *Message) {
			select {
			case r.messages <- msg:
			default:
			}
		},
		OnError: func(err error) {
			select {
			case r.errs <- err:
			default:
			}
		},
	}
}

func (r *recorder) nextMessage(t *testing.T) *Message {
	t.Helper()
	select {
	case msg := <-r.messages:
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("no message delivered")
		return nil
	}
}

func (r *recorder) nextError(t *testing.T) error {
	t.Helper()
	select {
	case err := <-r.errs:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("no error reported")
		return nil
	}
}

func TestChannel_AnnouncesIdentityOnOpen(t *testing.T) {
	relay := newFakeRelay(t)
	rec := newRecorder()
	ch := New(Options{URL: relay.URL(), Info: PeerInfo{Alias: "alice", DeviceType: "desktop"}}, rec.handlers())
	defer ch.Destroy()

	conn := relay.accept(t)
	msg := readMessage(t, conn)
	assert.Equal(t, TypeUpdate, msg.Type)
	require.NotNil(t, msg.Info)
	assert.Equal(t, "alice", msg.Info.Alias)
	assert.Equal(t, "desktop", msg.Info.DeviceType)

	select {
	case <-rec.opens:
	case <-time.After(5 * time.Second):
		t.Fatal("open not reported")
	}
	assert.True(t, ch.IsOpen())
	assert.Contains(t, ch.URL(), "/ws")
}

func TestChannel_CachesHelloICEServers(t *testing.T) {
	relay := newFakeRelay(t)
	rec := newRecorder()
	ch := New(Options{URL: relay.URL(), ICEMode: ICEModeServer}, rec.handlers())
	defer ch.Destroy()

	assert.Equal(t, PublicSTUNServer, ch.ICEServers()[0].URLs[0])

	conn := relay.accept(t)
	readMessage(t, conn)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(
		`{"type":"HELLO","client":{"id":"a","alias":"alice"},"peers":[],"iceServers":[{"urls":"turn:turn.example.org","username":"u","credential":"p"}]}`)))

	msg := rec.nextMessage(t)
	assert.Equal(t, TypeHello, msg.Type)
	servers := ch.ICEServers()
	require.Len(t, servers, 1)
	assert.Equal(t, []string{"turn:turn.example.org"}, servers[0].URLs)
	assert.Equal(t, "u", servers[0].Username)
	assert.Equal(t, "p", servers[0].Credential)
}

func TestChannel_MalformedFrameIsNotFatal(t *testing.T) {
	relay := newFakeRelay(t)
	rec := newRecorder()
	ch := New(Options{URL: relay.URL()}, rec.handlers())
	defer ch.Destroy()

	conn := relay.accept(t)
	readMessage(t, conn)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{nope")))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"JOIN","peer":{"id":"b","alias":"bob"}}`)))

	assert.ErrorIs(t, rec.nextError(t), ErrMalformedMessage)
	msg := rec.nextMessage(t)
	assert.Equal(t, TypeJoin, msg.Type)
	assert.Equal(t, "bob", msg.Peer.Alias)
	assert.True(t, ch.IsOpen())
}

func TestChannel_SendRoundTrip(t *testing.T) {
	relay := newFakeRelay(t)
	ch := New(Options{URL: relay.URL()}, Handlers{})
	defer ch.Destroy()

	conn := relay.accept(t)
	readMessage(t, conn)
	require.True(t, ch.Send(NewOffer("s1", "bob", "v=0")))

	msg := readMessage(t, conn)
	assert.Equal(t, TypeOffer, msg.Type)
	assert.Equal(t, "s1", msg.SessionID)
	assert.Equal(t, "bob", msg.Target)
	assert.Equal(t, "v=0", msg.SDP)
}

func TestChannel_ReconnectsOnceAfterDelay(t *testing.T) {
	relay := newFakeRelay(t)
	clk := clock.Fake(time.Unix(0, 0))
	rec := newRecorder()
	ch := New(Options{URL: relay.URL(), Info: PeerInfo{Alias: "alice"}, Clock: clk}, rec.handlers())
	defer ch.Destroy()

	first := relay.accept(t)
	readMessage(t, first)
	require.NoError(t, first.Close())

	clk.WaitForTimers(1)
	assert.Equal(t, 1, clk.Pending())
	assert.False(t, ch.Send(NewUpdate(PeerInfo{})), "send never queues while closed")

	clk.Advance(DefaultReconnectDelay - time.Millisecond)
	relay.assertNoConnection(t)

	clk.Advance(time.Millisecond)
	second := relay.accept(t)
	msg := readMessage(t, second)
	assert.Equal(t, TypeUpdate, msg.Type)
	assert.Equal(t, "alice", msg.Info.Alias)
	assert.Zero(t, clk.Pending())
}

func TestChannel_ReopenAnnouncesBeforeOtherTraffic(t *testing.T) {
	relay := newFakeRelay(t)
	clk := clock.Fake(time.Unix(0, 0))
	ch := New(Options{URL: relay.URL(), Info: PeerInfo{Alias: "alice"}, Clock: clk}, Handlers{})
	defer ch.Destroy()

	first := relay.accept(t)
	readMessage(t, first)
	require.NoError(t, first.Close())
	clk.WaitForTimers(1)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				ch.Send(NewOffer("s1", "bob", "v=0"))
				time.Sleep(time.Millisecond)
			}
		}
	}()
	defer func() {
		close(stop)
		wg.Wait()
	}()

	clk.Advance(DefaultReconnectDelay)
	second := relay.accept(t)
	msg := readMessage(t, second)
	assert.Equal(t, TypeUpdate, msg.Type)
	assert.Equal(t, "alice", msg.Info.Alias)
	assert.Equal(t, TypeOffer, readMessage(t, second).Type)
}

func TestChannel_DestroySuppressesReconnect(t *testing.T) {
	relay := newFakeRelay(t)
	clk := clock.Fake(time.Unix(0, 0))
	ch := New(Options{URL: relay.URL(), Clock: clk}, Handlers{})

	conn := relay.accept(t)
	readMessage(t, conn)
	require.NoError(t, conn.Close())
	clk.WaitForTimers(1)

	ch.Destroy()
	ch.Destroy()
	assert.Zero(t, clk.Pending())
	assert.False(t, ch.IsOpen())
	assert.False(t, ch.Send(NewUpdate(PeerInfo{})))

	clk.Advance(time.Minute)
	relay.assertNoConnection(t)
}

func TestChannel_DialFailureSchedulesRetry(t *testing.T) {
	relay := newFakeRelay(t)
	url := relay.URL()
	relay.server.Close()

	clk := clock.Fake(time.Unix(0, 0))
	rec := newRecorder()
	ch := New(Options{URL: url, Clock: clk}, rec.handlers())
	defer ch.Destroy()

	assert.Error(t, rec.nextError(t))
	clk.WaitForTimers(1)
	assert.False(t, ch.IsOpen())
}
