package minimax

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// SpeechService provides speech synthesis operations.
type SpeechService struct {
	client *Client
}

// newSpeechService creates a new speech service.
func newSpeechService(client *Client) *SpeechService {
	return &SpeechService{client: client}
}

// VoiceSetting selects the voice and prosody for synthesis.
type VoiceSetting struct {
	VoiceID string  `json:"voice_id"`
	Speed   float64 `json:"speed,omitempty"`
	Vol     float64 `json:"vol,omitempty"`
	Pitch   int     `json:"pitch,omitempty"`
}

// AudioSetting selects the output audio encoding.
type AudioSetting struct {
	SampleRate int    `json:"sample_rate,omitempty"`
	Format     string `json:"format,omitempty"`
	Bitrate    int    `json:"bitrate,omitempty"`
}

// SpeechRequest is a synchronous speech synthesis request.
//
// Maximum text length is 10,000 characters.
type SpeechRequest struct {
	Model         string        `json:"model"`
	Text          string        `json:"text"`
	Stream        bool          `json:"stream"`
	VoiceSetting  *VoiceSetting `json:"voice_setting,omitempty"`
	AudioSetting  *AudioSetting `json:"audio_setting,omitempty"`
	LanguageBoost string        `json:"language_boost,omitempty"`
}

// SpeechResponse is the result of a synthesis call.
type SpeechResponse struct {
	// Audio is the decoded audio data.
	Audio []byte

	// TraceID is the request trace ID for debugging.
	TraceID string
}

type baseResp struct {
	StatusCode int    `json:"status_code"`
	StatusMsg  string `json:"status_msg"`
}

// speechResponse is the API response for speech synthesis.
type speechResponse struct {
	Data struct {
		Audio  string `json:"audio"` // hex-encoded audio data
		Status int    `json:"status"`
	} `json:"data"`
	TraceID  string    `json:"trace_id"`
	BaseResp *baseResp `json:"base_resp"`
}

// Synthesize performs synchronous speech synthesis.
//
// The returned audio data is automatically decoded from hex format.
func (s *SpeechService) Synthesize(ctx context.Context, req *SpeechRequest) (*SpeechResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("minimax: marshal request: %w", err)
	}

	u := s.client.config.baseURL + "/v1/t2a_v2"
	if gid := s.client.config.groupID; gid != "" {
		u += "?GroupId=" + url.QueryEscape(gid)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("minimax: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+s.client.config.apiKey)

	resp, err := s.client.config.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("minimax: do request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("minimax: read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, parseError(raw, resp.StatusCode)
	}

	var apiResp speechResponse
	if err := json.Unmarshal(raw, &apiResp); err != nil {
		return nil, fmt.Errorf("minimax: unmarshal response: %w", err)
	}
	if apiResp.BaseResp != nil && apiResp.BaseResp.StatusCode != 0 {
		return nil, &Error{
			StatusCode: apiResp.BaseResp.StatusCode,
			StatusMsg:  apiResp.BaseResp.StatusMsg,
			HTTPStatus: resp.StatusCode,
		}
	}
	if apiResp.Data.Audio == "" {
		return nil, &Error{StatusMsg: "no audio data", HTTPStatus: resp.StatusCode}
	}

	audio, err := decodeHexAudio(apiResp.Data.Audio)
	if err != nil {
		return nil, fmt.Errorf("minimax: decode audio: %w", err)
	}

	return &SpeechResponse{Audio: audio, TraceID: apiResp.TraceID}, nil
}

// parseError parses an error response body.
func parseError(body []byte, httpStatus int) error {
	var apiResp struct {
		BaseResp *baseResp `json:"base_resp"`
	}
	if err := json.Unmarshal(body, &apiResp); err == nil && apiResp.BaseResp != nil {
		return &Error{
			StatusCode: apiResp.BaseResp.StatusCode,
			StatusMsg:  apiResp.BaseResp.StatusMsg,
			HTTPStatus: httpStatus,
		}
	}
	return &Error{
		StatusCode: httpStatus,
		StatusMsg:  string(body),
		HTTPStatus: httpStatus,
	}
}

// decodeHexAudio decodes hex-encoded audio data.
func decodeHexAudio(hexData string) ([]byte, error) {
	hexData = strings.ReplaceAll(hexData, " ", "")
	hexData = strings.ReplaceAll(hexData, "\n", "")
	return hex.DecodeString(hexData)
}
