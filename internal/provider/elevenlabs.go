// ABOUTME: ElevenLabs speech backend calling the text-to-speech HTTP endpoint
// ABOUTME: Returns the audio bytes and the format parsed from output_format

package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

const (
	defaultElevenLabsBaseURL = "https://api.elevenlabs.io"
	defaultElevenLabsModel   = "eleven_multilingual_v2"
	defaultElevenLabsVoice   = "21m00Tcm4TlvDq8ikWAM" // Rachel
	// DefaultElevenLabsFormat matches the relay's original audio replies.
	DefaultElevenLabsFormat = "mp3_44100_64"
)

// ElevenLabsConfig configures an ElevenLabs backend.
type ElevenLabsConfig struct {
	BaseURL      string
	VoiceID      string
	ModelID      string
	OutputFormat string
	HTTPClient   *http.Client
}

// ElevenLabs implements SpeechSynthesizer.
type ElevenLabs struct {
	apiKey     string
	baseURL    string
	voiceID    string
	modelID    string
	format     string
	httpClient *http.Client
}

// NewElevenLabs creates an ElevenLabs backend for the given API key.
func NewElevenLabs(apiKey string, cfg ElevenLabsConfig) *ElevenLabs {
	c := &ElevenLabs{
		apiKey:     apiKey,
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		voiceID:    cfg.VoiceID,
		modelID:    cfg.ModelID,
		format:     cfg.OutputFormat,
		httpClient: cfg.HTTPClient,
	}
	if c.baseURL == "" {
		c.baseURL = defaultElevenLabsBaseURL
	}
	if c.voiceID == "" {
		c.voiceID = defaultElevenLabsVoice
	}
	if c.modelID == "" {
		c.modelID = defaultElevenLabsModel
	}
	if c.format == "" {
		c.format = DefaultElevenLabsFormat
	}
	if c.httpClient == nil {
		c.httpClient = http.DefaultClient
	}
	return c
}

type synthesizeRequest struct {
	Text    string `json:"text"`
	ModelID string `json:"model_id,omitempty"`
}

type elevenLabsError struct {
	Detail struct {
		Status  string `json:"status"`
		Message string `json:"message"`
	} `json:"detail"`
}

// Synthesize converts text to speech.
func (c *ElevenLabs) Synthesize(ctx context.Context, text string) (*Audio, error) {
	body, err := json.Marshal(synthesizeRequest{Text: text, ModelID: c.modelID})
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: marshal request: %w", err)
	}

	reqURL := fmt.Sprintf("%s/v1/text-to-speech/%s?output_format=%s",
		c.baseURL, url.PathEscape(c.voiceID), url.QueryEscape(c.format))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: create request: %w", err)
	}
	req.Header.Set("xi-api-key", c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var errResp elevenLabsError
		if json.Unmarshal(data, &errResp) == nil && errResp.Detail.Message != "" {
			return nil, fmt.Errorf("elevenlabs: %s", errResp.Detail.Message)
		}
		return nil, fmt.Errorf("elevenlabs: unexpected status %d: %s", resp.StatusCode, truncate(string(data), 200))
	}

	format, mime := parseOutputFormat(c.format)
	return &Audio{Data: data, Format: format, MimeType: mime}, nil
}

// parseOutputFormat maps an ElevenLabs output_format such as "mp3_44100_64"
// to a container name and MIME type.
func parseOutputFormat(outputFormat string) (string, string) {
	codec, _, _ := strings.Cut(outputFormat, "_")
	switch codec {
	case "mp3":
		return "mp3", "audio/mpeg"
	case "pcm":
		return "pcm", "audio/L16"
	case "ulaw":
		return "ulaw", "audio/basic"
	case "opus":
		return "opus", "audio/ogg"
	default:
		return codec, "application/octet-stream"
	}
}

// truncate shortens a string to the given max rune count, adding "..." if truncated.
func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}
