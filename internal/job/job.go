package job

import (
	"context"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"

	"github.com/LastBotInc/coralie-feed-worker/internal/bridge"
	"github.com/LastBotInc/coralie-feed-worker/internal/config"
	"github.com/LastBotInc/coralie-feed-worker/internal/feed"
	"github.com/LastBotInc/coralie-feed-worker/internal/logging"
	"github.com/LastBotInc/coralie-feed-worker/internal/session"
	"github.com/LastBotInc/coralie-feed-worker/internal/transcribe"
)

// Job represents a single room job execution.
// It joins a LiveKit room and runs the message feed for it until cancelled.
type Job struct {
	JobID     string
	RoomName  string
	Token     string
	URL       string
	Config    *config.Config
	Publisher message.Publisher
}

// Pipeline is the feed of one room together with the sources that drive it.
type Pipeline struct {
	Transcripts *feed.TranscriptLog
	Chat        *feed.MessageLog
	Data        *feed.DataIngestor
	Feed        *feed.Feed
}

// NewPipeline builds the sources and the feed. The data ingestor is not
// subscribed yet.
func NewPipeline(retention int) *Pipeline {
	p := &Pipeline{
		Transcripts: feed.NewTranscriptLog(),
		Chat:        feed.NewMessageLog(),
		Data:        feed.NewDataIngestor(feed.WithRetention(retention)),
	}
	p.Feed = feed.NewFeed(nil, p.Transcripts, p.Chat, p.Data)
	return p
}

// Attach subscribes the pipeline to a session and re-resolves speakers
// against its roster.
func (p *Pipeline) Attach(s feed.Session) {
	p.Data.Subscribe(s)
	p.Feed.SetRoster(s)
}

// Detach removes the data handler and stops rebuilding the feed.
func (p *Pipeline) Detach() {
	p.Data.Unsubscribe()
	p.Feed.Close()
}

// Run executes the job - connects to the room, runs the feed and exports it.
func (j *Job) Run(ctx context.Context) error {
	logging.Info(logging.CategoryJob, "starting job jobID=%s room=%s", j.JobID, j.RoomName)

	pipeline := NewPipeline(j.Config.FeedRetention)
	defer pipeline.Detach()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	room, err := session.Connect(j.URL, j.Token, j.RoomName, session.Options{
		LossyTopics: j.Config.LossyTopics,
		Tap:         transcribe.NewLogTap(pipeline.Transcripts),
		Chat:        pipeline.Chat,
		OnRosterChange: func() {
			pipeline.Feed.Rebuild()
		},
		OnDisconnected: cancel,
	})
	if err != nil {
		return errors.Wrapf(err, "job %s", j.JobID)
	}
	defer room.Disconnect()

	pipeline.Attach(room)

	if j.Publisher != nil {
		b := bridge.NewBridge(j.Publisher, bridge.Topic(j.Config.FeedTopicPrefix, j.RoomName), j.RoomName)
		b.Start(pipeline.Feed)
		defer b.Stop()
	}

	unsubscribe := pipeline.Feed.Subscribe(func(msgs []feed.Message) {
		if len(msgs) == 0 {
			return
		}
		last := msgs[len(msgs)-1]
		logging.Debug(logging.CategoryJob, "feed updated room=%s size=%d latest=%s origin=%s", j.RoomName, len(msgs), last.ID, last.Origin)
	})
	defer unsubscribe()

	// Run until context cancel
	<-ctx.Done()
	logging.Info(logging.CategoryJob, "context cancelled, exiting jobID=%s messages=%d", j.JobID, len(pipeline.Feed.Messages()))

	// Stop ingesting before the room goes away.
	pipeline.Detach()

	logging.Info(logging.CategoryJob, "job completed jobID=%s", j.JobID)
	return nil
}
