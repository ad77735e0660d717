package history

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Entry is one relayed mutation event, kept for diagnostics and for the
// service-side history endpoint. The relay is not the system of record;
// losing entries is acceptable.
type Entry struct {
	Id         string    `json:"id"`
	CreateTime time.Time `json:"createTime"`
	Room       string    `json:"room"`
	ActorId    string    `json:"actorId,omitempty"`
	Method     string    `json:"method"`
	Payload    any       `json:"payload,omitempty"`
}

type Engine interface {
	Setup(ctx context.Context) error
	Save(ctx context.Context, entry Entry) (Entry, error)
	List(ctx context.Context, room string, lastSeenId string) ([]Entry, error)
}

// Recorder is the fire-and-forget surface handlers use. Implementations
// must never block the relay path or surface failures to clients.
type Recorder interface {
	Record(ctx context.Context, entry Entry)
}

type NoopRecorder struct{}

func (NoopRecorder) Record(context.Context, Entry) {}

// NoopEngine stands in when no history backend is configured: recording
// is a no-op and the history surface always reads empty.
type NoopEngine struct{}

func (NoopEngine) Setup(context.Context) error { return nil }

func (NoopEngine) Save(_ context.Context, entry Entry) (Entry, error) { return entry, nil }

func (NoopEngine) List(context.Context, string, string) ([]Entry, error) { return nil, nil }

// EngineRecorder persists entries in the background with a bounded
// timeout, logging failures and moving on.
type EngineRecorder struct {
	logger *zap.Logger
	engine Engine
}

func NewEngineRecorder(
	logger *zap.Logger,
	engine Engine,
) *EngineRecorder {
	return &EngineRecorder{
		logger,
		engine,
	}
}

var _ Recorder = (*EngineRecorder)(nil)

func (r *EngineRecorder) Record(_ context.Context, entry Entry) {
	go func() {
		saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		_, err := r.engine.Save(saveCtx, entry)
		if err != nil {
			r.logger.Warn("failed to record relayed event",
				zap.String("method", entry.Method),
				zap.String("room", entry.Room),
				zap.Error(err))
		}
	}()
}
