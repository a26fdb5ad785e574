package tts

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/deskpal/deskpal/pkg/minimax"
)

func speechServer(t *testing.T, audio []byte, wantVoice string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req minimax.SpeechRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if wantVoice != "" && req.VoiceSetting.VoiceID != wantVoice {
			t.Errorf("voice = %q; want %q", req.VoiceSetting.VoiceID, wantVoice)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"data":      map[string]any{"audio": hex.EncodeToString(audio)},
			"base_resp": map[string]any{"status_code": 0},
		})
	}))
}

func TestMinimaxSynthesizeText(t *testing.T) {
	audio := bytes.Repeat([]byte{0xAB}, 200)
	srv := speechServer(t, audio, "Warm_Boy")
	defer srv.Close()

	client := minimax.NewClient("k", "g", minimax.WithBaseURL(srv.URL))
	syn := NewMinimaxSynthesizer(client, WithVoice("Warm_Boy"))

	got, err := syn.SynthesizeText(context.Background(), "Hello.")
	if err != nil {
		t.Fatalf("SynthesizeText: %v", err)
	}
	if !bytes.Equal(got, audio) {
		t.Errorf("audio mismatch: got %d bytes", len(got))
	}
}

func TestMinimaxRejectsTinyAudio(t *testing.T) {
	srv := speechServer(t, []byte("tiny"), "")
	defer srv.Close()

	client := minimax.NewClient("k", "g", minimax.WithBaseURL(srv.URL))
	syn := NewMinimaxSynthesizer(client)

	if _, err := syn.SynthesizeText(context.Background(), "Hello."); err == nil {
		t.Fatal("want error for implausibly small audio")
	}
}

func TestSetVoice(t *testing.T) {
	client := minimax.NewClient("k", "g")
	syn := NewMinimaxSynthesizer(client, WithVoice("A"))
	if syn.Voice() != "A" {
		t.Fatalf("Voice() = %q; want A", syn.Voice())
	}
	syn.SetVoice("B")
	if syn.Voice() != "B" {
		t.Errorf("Voice() = %q; want B", syn.Voice())
	}
}
