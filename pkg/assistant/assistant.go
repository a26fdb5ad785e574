// Package assistant orchestrates one voice interaction pipeline: chat
// turns against the agent gateway, sentence segmentation of the
// streamed reply, ordered speech synthesis, and a deferred task queue
// for out-of-band requests.
package assistant

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/deskpal/deskpal/pkg/gateway"
	"github.com/deskpal/deskpal/pkg/kv"
	"github.com/deskpal/deskpal/pkg/segment"
	"github.com/deskpal/deskpal/pkg/synthq"
	"github.com/deskpal/deskpal/pkg/tasks"
	"github.com/deskpal/deskpal/pkg/tts"
)

// Presenter receives user-facing notifications from the pipeline.
type Presenter interface {
	// FirstSentence fires once per turn, as soon as the first complete
	// sentence of the reply is known.
	FirstSentence(text string)

	// AudioChunk delivers synthesized audio in sentence order.
	AudioChunk(chunk synthq.Chunk)

	// TaskCompleted and TaskFailed report deferred task outcomes.
	TaskCompleted(task tasks.Task)
	TaskFailed(task tasks.Task)
}

// nopPresenter discards all notifications.
type nopPresenter struct{}

func (nopPresenter) FirstSentence(string)     {}
func (nopPresenter) AudioChunk(synthq.Chunk)  {}
func (nopPresenter) TaskCompleted(tasks.Task) {}
func (nopPresenter) TaskFailed(tasks.Task)    {}

// Config configures an Assistant.
type Config struct {
	// Gateway is the agent session client. Required.
	Gateway *gateway.Client

	// Synthesizer converts sentences to audio. Nil disables speech
	// output; the text pipeline still runs.
	Synthesizer tts.Synthesizer

	// Presenter receives pipeline notifications. Nil discards them.
	Presenter Presenter

	// Store persists deferred task records. Nil keeps them in memory.
	Store kv.Store

	// FallbackReply is returned when the gateway cannot serve a turn.
	FallbackReply string
}

// Reply is the outcome of one interactive turn.
type Reply struct {
	// Text is the complete reply text.
	Text string

	// Spoken reports whether streaming synthesis produced audio for
	// this turn, so the caller can skip speaking the text again.
	Spoken bool
}

// Assistant runs the interaction pipeline. One interactive turn at a
// time; deferred tasks run on their own serialized queue.
type Assistant struct {
	cfg        Config
	presenter  Presenter
	dispatcher *synthq.Dispatcher
	queue      *tasks.Queue

	mu        sync.Mutex
	sentences int
}

// New wires the pipeline together.
func New(cfg Config) (*Assistant, error) {
	if cfg.Gateway == nil {
		return nil, errors.New("assistant: Config.Gateway is required")
	}
	if cfg.Presenter == nil {
		cfg.Presenter = nopPresenter{}
	}
	if cfg.FallbackReply == "" {
		cfg.FallbackReply = "智能体服务暂时无法连接，请确认网关正在运行。"
	}

	a := &Assistant{cfg: cfg, presenter: cfg.Presenter}

	synthesize := synthq.SynthesizeFunc(func(ctx context.Context, text string) ([]byte, error) {
		if cfg.Synthesizer == nil {
			return nil, nil
		}
		return cfg.Synthesizer.SynthesizeText(ctx, text)
	})
	a.dispatcher = synthq.New(synthq.Config{
		Synthesize: synthesize,
		Deliver: func(chunk synthq.Chunk) {
			if len(chunk.Audio) == 0 {
				return
			}
			a.presenter.AudioChunk(chunk)
		},
	})

	queue, err := tasks.NewQueue(tasks.Config{
		Run: func(ctx context.Context, message string) (string, error) {
			return cfg.Gateway.StartTurn(ctx, message, nil)
		},
		Store: cfg.Store,
		OnDone: func(task tasks.Task) {
			if task.Status == tasks.StatusCompleted {
				a.presenter.TaskCompleted(task)
			} else {
				a.presenter.TaskFailed(task)
			}
		},
	})
	if err != nil {
		return nil, err
	}
	a.queue = queue
	// Pending records from a previous session run on this gateway.
	queue.Resume()
	return a, nil
}

// HandleUtterance runs one interactive chat turn. Streamed reply text
// is segmented into sentences and fed to the synthesis dispatcher as it
// arrives; the full text is returned when the turn resolves. Gateway
// failures degrade to the fallback reply instead of an error.
func (a *Assistant) HandleUtterance(ctx context.Context, message string) Reply {
	a.mu.Lock()
	a.sentences = 0
	a.mu.Unlock()
	a.dispatcher.StartSession()

	splitter := segment.NewSplitter(func(sentence string) {
		a.mu.Lock()
		a.sentences++
		first := a.sentences == 1
		a.mu.Unlock()
		if first {
			a.presenter.FirstSentence(sentence)
		}
		a.dispatcher.Enqueue(sentence)
	})

	text, err := a.cfg.Gateway.StartTurn(ctx, message, splitter.AddText)
	if err != nil {
		slog.Warn("assistant: turn failed", "error", err)
		splitter.Reset()
		return Reply{Text: a.cfg.FallbackReply}
	}

	splitter.Finish()

	a.mu.Lock()
	spoken := a.sentences > 0
	a.mu.Unlock()
	return Reply{Text: text, Spoken: spoken}
}

// Interrupt stops the current turn: queued synthesis is dropped, the
// in-flight synthesis result is suppressed, and the gateway run is
// aborted best-effort.
func (a *Assistant) Interrupt(ctx context.Context) {
	a.dispatcher.Reset()
	a.cfg.Gateway.Abort(ctx)
}

// SubmitTask queues a message for deferred execution.
func (a *Assistant) SubmitTask(message string) (string, error) {
	return a.queue.Submit(message)
}

// CancelTask cancels a still-pending deferred task.
func (a *Assistant) CancelTask(id string) bool {
	return a.queue.Cancel(id)
}

// Task looks up one deferred task.
func (a *Assistant) Task(id string) (tasks.Task, bool) {
	return a.queue.Get(id)
}

// Tasks returns all known deferred tasks in submission order.
func (a *Assistant) Tasks() []tasks.Task {
	return a.queue.All()
}

// Close stops the task queue. The gateway client is owned by the
// caller.
func (a *Assistant) Close() error {
	return a.queue.Close()
}
