package commands

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/deskpal/deskpal/cmd/deskpal/internal/config"
	"github.com/deskpal/deskpal/pkg/assistant"
	"github.com/deskpal/deskpal/pkg/gateway"
	"github.com/deskpal/deskpal/pkg/kv"
	"github.com/deskpal/deskpal/pkg/minimax"
	"github.com/deskpal/deskpal/pkg/synthq"
	"github.com/deskpal/deskpal/pkg/tasks"
	"github.com/deskpal/deskpal/pkg/tts"
)

var (
	styleAssistant = lipgloss.NewStyle().Foreground(lipgloss.Color("#00ff9f"))
	stylePrompt    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#00ff9f"))
	styleDim       = lipgloss.NewStyle().Foreground(lipgloss.Color("#6e7681"))
	styleError     = lipgloss.NewStyle().Foreground(lipgloss.Color("#ff5f5f"))
)

// pipeline bundles the wired components behind one Close.
type pipeline struct {
	assistant *assistant.Assistant
	gateway   *gateway.Client
	store     kv.Store
}

func (p *pipeline) Close() {
	p.assistant.Close()
	p.gateway.Close()
	if p.store != nil {
		p.store.Close()
	}
}

// newDial builds the transport dialer from the gateway config.
func newDial(cfg *config.Config) (gateway.DialFunc, error) {
	gw := cfg.Gateway
	switch gw.Transport {
	case "websocket", "ws", "":
		return gateway.WebSocketDial(gw.URL, nil), nil
	case "mqtt":
		return gateway.MQTTDial(gateway.MQTTConfig{
			URL:            gw.URL,
			ClientID:       gw.MQTT.ClientID,
			Username:       gw.MQTT.Username,
			Password:       gw.MQTT.Password,
			PublishTopic:   gw.MQTT.PublishTopic,
			SubscribeTopic: gw.MQTT.SubscribeTopic,
		}), nil
	default:
		return nil, fmt.Errorf("unknown gateway transport %q", gw.Transport)
	}
}

// newSynthesizer builds the MiniMax synthesizer, or nil when no API key
// is configured.
func newSynthesizer(cfg *config.Config) tts.Synthesizer {
	t := cfg.TTS
	if t.APIKey == "" {
		return nil
	}
	var clientOpts []minimax.Option
	if t.BaseURL != "" {
		clientOpts = append(clientOpts, minimax.WithBaseURL(t.BaseURL))
	}
	client := minimax.NewClient(t.APIKey, t.GroupID, clientOpts...)

	var opts []tts.MinimaxOption
	if t.Model != "" {
		opts = append(opts, tts.WithModel(t.Model))
	}
	if t.VoiceID != "" {
		opts = append(opts, tts.WithVoice(t.VoiceID))
	}
	if t.Speed > 0 {
		opts = append(opts, tts.WithSpeed(t.Speed))
	}
	return tts.NewMinimaxSynthesizer(client, opts...)
}

// openTaskStore opens the persistent task record store.
func openTaskStore(cfg *config.Config) (kv.Store, error) {
	if cfg.DataDir == "" {
		return kv.NewMemory(), nil
	}
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return kv.NewBadger(kv.BadgerOptions{Dir: filepath.Join(cfg.DataDir, "tasks")})
}

// newPipeline wires the full voice pipeline from configuration.
func newPipeline(cfg *config.Config, presenter assistant.Presenter) (*pipeline, error) {
	dial, err := newDial(cfg)
	if err != nil {
		return nil, err
	}

	gw, err := gateway.NewClient(gateway.Config{
		Dial:           dial,
		Token:          cfg.Gateway.Token,
		SessionKey:     gateway.SessionKey(cfg.Gateway.Agent),
		NoContentReply: cfg.Replies.NoContent,
		AbortedReply:   cfg.Replies.Aborted,
	})
	if err != nil {
		return nil, err
	}

	store, err := openTaskStore(cfg)
	if err != nil {
		gw.Close()
		return nil, err
	}

	a, err := assistant.New(assistant.Config{
		Gateway:       gw,
		Synthesizer:   newSynthesizer(cfg),
		Presenter:     presenter,
		Store:         store,
		FallbackReply: cfg.Replies.Fallback,
	})
	if err != nil {
		gw.Close()
		store.Close()
		return nil, err
	}

	return &pipeline{assistant: a, gateway: gw, store: store}, nil
}

// consolePresenter prints pipeline notifications to the terminal and
// optionally saves audio chunks to a directory.
type consolePresenter struct {
	audioDir string

	mu sync.Mutex
}

func (p *consolePresenter) FirstSentence(text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Println(styleDim.Render("⏤ " + text))
}

func (p *consolePresenter) AudioChunk(chunk synthq.Chunk) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.audioDir == "" {
		fmt.Println(styleDim.Render(fmt.Sprintf("♪ #%d %d bytes", chunk.Seq, len(chunk.Audio))))
		return
	}
	name := filepath.Join(p.audioDir, fmt.Sprintf("sentence-%03d.mp3", chunk.Seq))
	if err := os.WriteFile(name, chunk.Audio, 0644); err != nil {
		fmt.Println(styleError.Render("audio write failed: " + err.Error()))
		return
	}
	fmt.Println(styleDim.Render("♪ " + name))
}

func (p *consolePresenter) TaskCompleted(task tasks.Task) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Printf("%s %s (%s)\n  %s\n",
		stylePrompt.Render("task done:"), task.ID, task.Duration().Round(time.Millisecond), task.Result)
}

func (p *consolePresenter) TaskFailed(task tasks.Task) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Printf("%s %s\n  %s\n",
		styleError.Render("task failed:"), task.ID, task.Error)
}
