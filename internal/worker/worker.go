package worker

import (
	"context"
	"net/http"
	_ "net/http/pprof" // Register pprof handlers
	"net/url"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/gorilla/websocket"
	"github.com/livekit/protocol/auth"
	"github.com/livekit/protocol/livekit"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/protobuf/proto"

	"github.com/LastBotInc/coralie-feed-worker/internal/config"
	"github.com/LastBotInc/coralie-feed-worker/internal/job"
	"github.com/LastBotInc/coralie-feed-worker/internal/logging"
	"github.com/LastBotInc/coralie-feed-worker/internal/metrics"
)

// Version is reported to the LiveKit server on registration.
var Version = "dev"

// errConnClosed is returned when writing after the dispatch socket is gone.
var errConnClosed = errors.New("websocket connection is closed")

// RunFunc executes one assigned job until ctx is cancelled.
type RunFunc func(ctx context.Context, j *job.Job) error

// Worker represents the LiveKit agent worker.
type Worker struct {
	cfg *config.Config
	pub message.Publisher
	run RunFunc

	conn     *websocket.Conn
	connMu   sync.Mutex
	writeMu  sync.Mutex
	workerID string

	mu         sync.RWMutex
	activeJobs map[string]*JobRunner
	draining   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// JobRunner represents a running job.
type JobRunner struct {
	JobID     string
	StartedAt time.Time
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewWorker creates a new worker. Feed entries of every job are exported
// through pub; a nil pub disables export.
func NewWorker(cfg *config.Config, pub message.Publisher) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		cfg:        cfg,
		pub:        pub,
		run:        func(ctx context.Context, j *job.Job) error { return j.Run(ctx) },
		activeJobs: make(map[string]*JobRunner),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start connects, registers and serves jobs until SIGINT/SIGTERM or the
// server closes the connection, then drains.
func (w *Worker) Start() error {
	if err := w.connect(); err != nil {
		return err
	}
	if err := w.register(); err != nil {
		return errors.Wrap(err, "register worker")
	}

	w.wg.Add(1)
	go w.messageLoop()

	w.wg.Add(1)
	go w.loadReporter()

	if w.cfg.PProfAddr != "" || w.cfg.MetricsAddr != "" {
		w.wg.Add(1)
		go w.serveDebug()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigChan)

	select {
	case <-sigChan:
		logging.Info(logging.CategoryWorker, "received OS shutdown signal, starting drain")
	case <-w.ctx.Done():
		logging.Info(logging.CategoryWorker, "received shutdown from context, starting drain")
	}

	w.drain()
	w.cancel()
	w.closeConn()

	shutdownDone := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(shutdownDone)
	}()

	select {
	case <-shutdownDone:
		logging.Info(logging.CategoryWorker, "worker shutdown complete")
	case <-time.After(5 * time.Second):
		logging.Warning(logging.CategoryWorker, "worker shutdown timeout, some goroutines may not have exited cleanly")
	}
	return nil
}

// Stop triggers the drain sequence of Start.
func (w *Worker) Stop() {
	w.cancel()
}

func (w *Worker) connect() error {
	token, err := w.buildWorkerToken()
	if err != nil {
		return errors.Wrap(err, "build worker token")
	}
	wsURL, err := buildWSURL(w.cfg.LiveKitURL)
	if err != nil {
		return errors.Wrap(err, "build websocket URL")
	}

	logging.Info(logging.CategoryWorker, "connecting to LiveKit agent endpoint url=%s", wsURL)

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+token)

	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = 10 * time.Second

	ctx, cancel := context.WithTimeout(w.ctx, 15*time.Second)
	defer cancel()

	conn, resp, err := dialer.DialContext(ctx, wsURL, headers)
	if err != nil {
		return errors.Wrap(err, "dial websocket")
	}
	defer resp.Body.Close()

	w.connMu.Lock()
	w.conn = conn
	w.connMu.Unlock()

	logging.Info(logging.CategoryWorker, "connected to LiveKit agent endpoint status=%d", resp.StatusCode)
	return nil
}

func (w *Worker) buildWorkerToken() (string, error) {
	at := auth.NewAccessToken(w.cfg.LiveKitAPIKey, w.cfg.LiveKitAPISecret)
	at.SetVideoGrant(&auth.VideoGrant{Agent: true})
	return at.ToJWT()
}

func buildWSURL(baseURL string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", err
	}

	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}

	u.Path = "/agent"
	return u.String(), nil
}

func (w *Worker) register() error {
	req := &livekit.WorkerMessage{
		Message: &livekit.WorkerMessage_Register{
			Register: &livekit.RegisterWorkerRequest{
				Type:      w.cfg.JobType,
				AgentName: w.cfg.AgentName,
				Version:   Version,
				Namespace: &w.cfg.Namespace,
			},
		},
	}
	if err := w.writeMessage(req); err != nil {
		return errors.Wrap(err, "write register request")
	}

	logging.Info(logging.CategoryWorker, "sent worker registration jobType=%v agentName=%s namespace=%s", w.cfg.JobType, w.cfg.AgentName, w.cfg.Namespace)

	type result struct {
		msg *livekit.ServerMessage
		err error
	}
	deadline := time.After(10 * time.Second)
	for {
		ch := make(chan result, 1)
		go func() {
			msg, err := w.readMessage()
			ch <- result{msg, err}
		}()

		select {
		case <-deadline:
			return errors.New("registration timeout")
		case r := <-ch:
			if r.err != nil {
				return errors.Wrap(r.err, "read registration response")
			}
			if regResp := r.msg.GetRegister(); regResp != nil {
				w.workerID = regResp.WorkerId
				logging.Success(logging.CategoryWorker, "worker registered workerID=%s", w.workerID)
				return nil
			}
		}
	}
}

func (w *Worker) messageLoop() {
	defer w.wg.Done()

	for {
		msg, err := w.readMessage()
		if err != nil {
			if w.ctx.Err() != nil {
				return
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Info(logging.CategoryWorker, "websocket connection closed, shutting down: %v", err)
			} else {
				logging.Error(logging.CategoryWorker, "websocket read error, shutting down: %v", err)
			}
			w.cancel()
			return
		}

		if err := w.handleMessage(msg); err != nil {
			logging.Error(logging.CategoryWorker, "handle message error: %v", err)
		}
	}
}

func (w *Worker) handleMessage(msg *livekit.ServerMessage) error {
	switch m := msg.Message.(type) {
	case *livekit.ServerMessage_Availability:
		return w.handleAvailability(m.Availability)
	case *livekit.ServerMessage_Assignment:
		return w.handleAssignment(m.Assignment)
	case *livekit.ServerMessage_Termination:
		return w.handleTermination(m.Termination)
	case *livekit.ServerMessage_Pong:
		return nil
	default:
		logging.Debug(logging.CategoryWorker, "unhandled message type=%T", m)
		return nil
	}
}

func (w *Worker) handleAvailability(req *livekit.AvailabilityRequest) error {
	jobID := req.Job.GetId()
	roomName := req.Job.GetRoom().GetName()
	logging.Info(logging.CategoryWorker, "received availability request jobID=%s room=%s", jobID, roomName)

	w.mu.RLock()
	available := !w.draining && len(w.activeJobs) < w.cfg.MaxConcurrentJobs
	w.mu.RUnlock()

	identity := "agent-" + jobID
	if len(identity) > 63 {
		identity = identity[:63]
	}
	name := "Coralie Feed Worker"
	if w.cfg.AgentName != "" {
		name = w.cfg.AgentName
	}

	resp := &livekit.WorkerMessage{
		Message: &livekit.WorkerMessage_Availability{
			Availability: &livekit.AvailabilityResponse{
				JobId:               jobID,
				Available:           available,
				ParticipantIdentity: identity,
				ParticipantName:     name,
			},
		},
	}
	if err := w.writeMessage(resp); err != nil {
		return errors.Wrap(err, "write availability response")
	}

	if available {
		logging.Info(logging.CategoryWorker, "accepted job jobID=%s", jobID)
	} else {
		logging.Info(logging.CategoryWorker, "rejected job jobID=%s reason=draining or at capacity", jobID)
	}
	return nil
}

func (w *Worker) handleAssignment(assign *livekit.JobAssignment) error {
	jobID := assign.Job.GetId()
	roomName := assign.Job.GetRoom().GetName()
	logging.Info(logging.CategoryWorker, "received job assignment jobID=%s room=%s", jobID, roomName)

	serverURL := w.cfg.LiveKitURL
	if assign.Url != nil && *assign.Url != "" {
		serverURL = *assign.Url
	}

	ctx, cancel := context.WithTimeout(w.ctx, w.cfg.JobTimeout)
	runner := &JobRunner{
		JobID:     jobID,
		StartedAt: time.Now(),
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	w.mu.Lock()
	w.activeJobs[jobID] = runner
	w.mu.Unlock()
	metrics.ActiveJobs.Inc()

	j := &job.Job{
		JobID:     jobID,
		RoomName:  roomName,
		Token:     assign.Token,
		URL:       serverURL,
		Config:    w.cfg,
		Publisher: w.pub,
	}

	go func() {
		defer close(runner.done)
		defer cancel()

		err := w.run(ctx, j)
		status := livekit.JobStatus_JS_SUCCESS
		if err != nil {
			status = livekit.JobStatus_JS_FAILED
			logging.Error(logging.CategoryJob, "job exited with error jobID=%s: %v", jobID, err)
		} else {
			logging.Info(logging.CategoryJob, "job completed jobID=%s", jobID)
		}
		metrics.JobsCompleted.WithLabelValues(status.String()).Inc()

		update := &livekit.WorkerMessage{
			Message: &livekit.WorkerMessage_UpdateJob{
				UpdateJob: &livekit.UpdateJobStatus{
					JobId:  jobID,
					Status: status,
					Error:  errString(err),
				},
			},
		}
		if err := w.writeMessage(update); err != nil && !errors.Is(err, errConnClosed) {
			logging.Error(logging.CategoryWorker, "failed to update job status jobID=%s: %v", jobID, err)
		}

		w.mu.Lock()
		delete(w.activeJobs, jobID)
		w.mu.Unlock()
		metrics.ActiveJobs.Dec()
	}()

	return nil
}

func (w *Worker) handleTermination(term *livekit.JobTermination) error {
	logging.Info(logging.CategoryWorker, "received job termination jobID=%s", term.JobId)

	w.mu.RLock()
	runner, ok := w.activeJobs[term.JobId]
	w.mu.RUnlock()

	if !ok {
		logging.Warning(logging.CategoryWorker, "termination for unknown job jobID=%s", term.JobId)
		return nil
	}
	runner.cancel()
	return nil
}

func (w *Worker) loadReporter() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.LoadUpdateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			if err := w.updateLoad(); err != nil {
				if errors.Is(err, errConnClosed) {
					return
				}
				logging.Error(logging.CategoryWorker, "failed to update worker status: %v", err)
			}
		}
	}
}

func (w *Worker) load() (float32, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	load := float32(len(w.activeJobs)) / float32(w.cfg.MaxConcurrentJobs)
	if load > 1.0 {
		load = 1.0
	}
	return load, w.draining
}

func (w *Worker) updateLoad() error {
	load, draining := w.load()
	status := livekit.WorkerStatus_WS_AVAILABLE
	if draining || load >= 1.0 {
		status = livekit.WorkerStatus_WS_FULL
	}

	return w.writeMessage(&livekit.WorkerMessage{
		Message: &livekit.WorkerMessage_UpdateWorker{
			UpdateWorker: &livekit.UpdateWorkerStatus{
				Status: &status,
				Load:   load,
			},
		},
	})
}

func (w *Worker) readMessage() (*livekit.ServerMessage, error) {
	w.connMu.Lock()
	conn := w.conn
	w.connMu.Unlock()

	if conn == nil {
		return nil, errConnClosed
	}

	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}

	msg := &livekit.ServerMessage{}
	if err := proto.Unmarshal(data, msg); err != nil {
		return nil, errors.Wrap(err, "unmarshal message")
	}
	return msg, nil
}

func (w *Worker) writeMessage(msg *livekit.WorkerMessage) error {
	w.connMu.Lock()
	conn := w.conn
	w.connMu.Unlock()

	if conn == nil {
		return errConnClosed
	}

	data, err := proto.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "marshal message")
	}

	// gorilla/websocket allows one concurrent writer.
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	return conn.WriteMessage(websocket.BinaryMessage, data)
}

func (w *Worker) closeConn() {
	w.connMu.Lock()
	defer w.connMu.Unlock()
	if w.conn != nil {
		w.conn.Close()
		w.conn = nil
	}
}

// drain stops accepting jobs and waits for running ones, cancelling them
// after the drain timeout.
func (w *Worker) drain() {
	w.mu.Lock()
	w.draining = true
	runners := make([]*JobRunner, 0, len(w.activeJobs))
	for _, r := range w.activeJobs {
		runners = append(runners, r)
	}
	w.mu.Unlock()

	if err := w.updateLoad(); err != nil && !errors.Is(err, errConnClosed) {
		logging.Warning(logging.CategoryWorker, "failed to report draining status: %v", err)
	}

	logging.Info(logging.CategoryWorker, "waiting for active jobs to complete count=%d timeout=%v", len(runners), w.cfg.DrainTimeout)
	timeout := time.After(w.cfg.DrainTimeout)
	for _, r := range runners {
		select {
		case <-r.done:
		case <-timeout:
			logging.Warning(logging.CategoryWorker, "drain timeout exceeded, forcing shutdown")
			w.cancelAllJobs(runners)
			return
		}
	}
	logging.Info(logging.CategoryWorker, "all jobs completed")
}

func (w *Worker) cancelAllJobs(runners []*JobRunner) {
	for _, r := range runners {
		r.cancel()
	}
	deadline := time.After(2 * time.Second)
	for _, r := range runners {
		select {
		case <-r.done:
		case <-deadline:
			logging.Warning(logging.CategoryWorker, "timeout waiting for jobs to exit after cancellation")
			return
		}
	}
	logging.Info(logging.CategoryWorker, "all jobs cancelled and exited")
}

// serveDebug serves pprof and Prometheus metrics. When both addresses are
// equal one server handles both.
func (w *Worker) serveDebug() {
	defer w.wg.Done()

	servers := map[string]*http.ServeMux{}
	mux := func(addr string) *http.ServeMux {
		if m, ok := servers[addr]; ok {
			return m
		}
		m := http.NewServeMux()
		servers[addr] = m
		return m
	}
	if w.cfg.PProfAddr != "" {
		mux(w.cfg.PProfAddr).Handle("/debug/pprof/", http.DefaultServeMux)
	}
	if w.cfg.MetricsAddr != "" {
		mux(w.cfg.MetricsAddr).Handle("/metrics", promhttp.Handler())
	}

	var wg sync.WaitGroup
	for addr, m := range servers {
		server := &http.Server{Addr: addr, Handler: m}
		wg.Add(1)
		go func() {
			defer wg.Done()
			logging.Info(logging.CategoryMetrics, "starting debug server addr=%s", server.Addr)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logging.Error(logging.CategoryMetrics, "debug server error addr=%s: %v", server.Addr, err)
			}
		}()
		go func() {
			<-w.ctx.Done()
			server.Shutdown(context.Background())
		}()
	}
	wg.Wait()
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
