package worker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/livekit/protocol/livekit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"

	"github.com/LastBotInc/coralie-feed-worker/internal/config"
	"github.com/LastBotInc/coralie-feed-worker/internal/job"
)

type fakeServer struct {
	t    *testing.T
	srv  *httptest.Server
	conn chan *websocket.Conn
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	fs := &fakeServer{t: t, conn: make(chan *websocket.Conn, 1)}
	upgrader := websocket.Upgrader{}
	fs.srv = httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/agent", r.URL.Path)
		assert.Contains(t, r.Header.Get("Authorization"), "Bearer ")
		c, err := upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		fs.conn <- c
	}))
	t.Cleanup(fs.srv.Close)
	return fs
}

func (fs *fakeServer) accept() *websocket.Conn {
	select {
	case c := <-fs.conn:
		fs.t.Cleanup(func() { c.Close() })
		return c
	case <-time.After(2 * time.Second):
		fs.t.Fatal("worker never connected")
		return nil
	}
}

func send(t *testing.T, c *websocket.Conn, msg *livekit.ServerMessage) {
	t.Helper()
	data, err := proto.Marshal(msg)
	require.NoError(t, err)
	require.NoError(t, c.WriteMessage(websocket.BinaryMessage, data))
}

func recv(t *testing.T, c *websocket.Conn) *livekit.WorkerMessage {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := c.ReadMessage()
	require.NoError(t, err)
	msg := &livekit.WorkerMessage{}
	require.NoError(t, proto.Unmarshal(data, msg))
	return msg
}

func testConfig(url string) *config.Config {
	return &config.Config{
		LiveKitURL:         url,
		LiveKitAPIKey:      "devkey",
		LiveKitAPISecret:   "a-secret-that-is-long-enough-for-hs256",
		AgentName:          "feed",
		JobType:            livekit.JobType_JT_ROOM,
		MaxConcurrentJobs:  1,
		DrainTimeout:       time.Second,
		LoadUpdateInterval: time.Hour,
		JobTimeout:         time.Minute,
	}
}

func TestBuildWSURL(t *testing.T) {
	u, err := buildWSURL("https://example.livekit.cloud")
	require.NoError(t, err)
	assert.Equal(t, "wss://example.livekit.cloud/agent", u)

	u, err = buildWSURL("http://localhost:7880")
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:7880/agent", u)
}

func TestWorker_RegisterAndRunJob(t *testing.T) {
	fs := newFakeServer(t)
	w := NewWorker(testConfig(fs.srv.URL), nil)
	defer w.cancel()

	started := make(chan *job.Job, 1)
	w.run = func(ctx context.Context, j *job.Job) error {
		started <- j
		<-ctx.Done()
		return nil
	}

	require.NoError(t, w.connect())
	server := fs.accept()

	regErr := make(chan error, 1)
	go func() { regErr <- w.register() }()

	reg := recv(t, server).GetRegister()
	require.NotNil(t, reg)
	assert.Equal(t, livekit.JobType_JT_ROOM, reg.Type)
	assert.Equal(t, "feed", reg.AgentName)

	send(t, server, &livekit.ServerMessage{Message: &livekit.ServerMessage_Register{
		Register: &livekit.RegisterWorkerResponse{WorkerId: "W_1"},
	}})
	require.NoError(t, <-regErr)
	assert.Equal(t, "W_1", w.workerID)

	w.wg.Add(1)
	go w.messageLoop()

	lkJob := &livekit.Job{Id: "AJ_1", Room: &livekit.Room{Name: "demo"}}
	send(t, server, &livekit.ServerMessage{Message: &livekit.ServerMessage_Availability{
		Availability: &livekit.AvailabilityRequest{Job: lkJob},
	}})
	avail := recv(t, server).GetAvailability()
	require.NotNil(t, avail)
	assert.True(t, avail.Available)
	assert.Equal(t, "agent-AJ_1", avail.ParticipantIdentity)

	send(t, server, &livekit.ServerMessage{Message: &livekit.ServerMessage_Assignment{
		Assignment: &livekit.JobAssignment{Job: lkJob, Token: "room-token"},
	}})
	select {
	case j := <-started:
		assert.Equal(t, "demo", j.RoomName)
		assert.Equal(t, "room-token", j.Token)
		assert.Equal(t, fs.srv.URL, j.URL)
	case <-time.After(2 * time.Second):
		t.Fatal("job was not started")
	}

	// A second job is refused while at capacity.
	send(t, server, &livekit.ServerMessage{Message: &livekit.ServerMessage_Availability{
		Availability: &livekit.AvailabilityRequest{Job: &livekit.Job{Id: "AJ_2", Room: &livekit.Room{Name: "other"}}},
	}})
	assert.False(t, recv(t, server).GetAvailability().GetAvailable())

	send(t, server, &livekit.ServerMessage{Message: &livekit.ServerMessage_Termination{
		Termination: &livekit.JobTermination{JobId: "AJ_1"},
	}})
	update := recv(t, server).GetUpdateJob()
	require.NotNil(t, update)
	assert.Equal(t, "AJ_1", update.JobId)
	assert.Equal(t, livekit.JobStatus_JS_SUCCESS, update.Status)

	require.Eventually(t, func() bool {
		load, _ := w.load()
		return load == 0
	}, 2*time.Second, 10*time.Millisecond)

	w.cancel()
	w.closeConn()
	w.wg.Wait()
}

func TestWorker_WriteWithoutConnection(t *testing.T) {
	w := NewWorker(testConfig("http://localhost"), nil)
	err := w.updateLoad()
	assert.ErrorIs(t, err, errConnClosed)
}
