// ABOUTME: Minimal Telegram Bot API client used by the relay's Telegram transport
// ABOUTME: Long-polls getUpdates and sends text, audio, and chat actions

package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf16"
)

// DefaultAPIURL is the public Bot API endpoint.
const DefaultAPIURL = "https://api.telegram.org"

// maxMessageUnits is Telegram's message length limit. The Bot API counts
// UTF-16 code units, not runes.
const maxMessageUnits = 4096

// Client talks to the Telegram Bot API.
type Client struct {
	apiBase    string
	httpClient *http.Client
}

// NewClient creates a client for the bot identified by token. apiURL may be
// empty to use DefaultAPIURL.
func NewClient(apiURL, token string, httpClient *http.Client) *Client {
	if apiURL == "" {
		apiURL = DefaultAPIURL
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		apiBase:    strings.TrimRight(apiURL, "/") + "/bot" + token,
		httpClient: httpClient,
	}
}

// Response is the generic Telegram API response wrapper.
type Response struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	ErrorCode   int             `json:"error_code,omitempty"`
	Description string          `json:"description,omitempty"`
}

// APIError is returned when Telegram answers ok=false.
type APIError struct {
	Method      string
	Code        int
	Description string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram %s: %d %s", e.Method, e.Code, e.Description)
}

// Update is one entry from getUpdates.
type Update struct {
	UpdateID int64    `json:"update_id"`
	Message  *Message `json:"message,omitempty"`
}

// Message is the subset of a Telegram message the relay reads.
type Message struct {
	MessageID int64  `json:"message_id"`
	Date      int64  `json:"date"`
	Chat      Chat   `json:"chat"`
	From      *User  `json:"from,omitempty"`
	Text      string `json:"text,omitempty"`
}

// Chat identifies the conversation a message belongs to.
type Chat struct {
	ID   int64  `json:"id"`
	Type string `json:"type"`
}

// User is the message sender.
type User struct {
	ID       int64  `json:"id"`
	IsBot    bool   `json:"is_bot"`
	Username string `json:"username,omitempty"`
}

// GetUpdates long-polls for updates starting at offset. Telegram holds the
// request open for up to timeout when nothing is pending.
func (c *Client) GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]Update, error) {
	params := url.Values{}
	params.Set("offset", strconv.FormatInt(offset, 10))
	params.Set("timeout", strconv.Itoa(int(timeout/time.Second)))
	params.Set("allowed_updates", `["message"]`)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiBase+"/getUpdates?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("building getUpdates request: %w", err)
	}

	var updates []Update
	if err := c.do(req, "getUpdates", &updates); err != nil {
		return nil, err
	}
	return updates, nil
}

// SendMessage sends text to the given chat, split over several messages
// when it exceeds Telegram's length limit.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string) error {
	for _, part := range splitMessage(text, maxMessageUnits) {
		payload, err := json.Marshal(map[string]any{
			"chat_id": chatID,
			"text":    part,
		})
		if err != nil {
			return fmt.Errorf("encoding sendMessage: %w", err)
		}
		if err := c.postJSON(ctx, "sendMessage", payload); err != nil {
			return err
		}
	}
	return nil
}

// SendChatAction shows a transient status such as "typing" in the chat.
func (c *Client) SendChatAction(ctx context.Context, chatID int64, action string) error {
	payload, err := json.Marshal(map[string]any{
		"chat_id": chatID,
		"action":  action,
	})
	if err != nil {
		return fmt.Errorf("encoding sendChatAction: %w", err)
	}
	return c.postJSON(ctx, "sendChatAction", payload)
}

// SendAudio uploads audio as a file attachment.
func (c *Client) SendAudio(ctx context.Context, chatID int64, audio []byte, filename, mimeType string) error {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)

	if err := w.WriteField("chat_id", strconv.FormatInt(chatID, 10)); err != nil {
		return fmt.Errorf("writing chat_id field: %w", err)
	}

	header := make(map[string][]string)
	header["Content-Disposition"] = []string{fmt.Sprintf(`form-data; name="audio"; filename=%q`, filename)}
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	header["Content-Type"] = []string{mimeType}
	part, err := w.CreatePart(header)
	if err != nil {
		return fmt.Errorf("creating audio part: %w", err)
	}
	if _, err := part.Write(audio); err != nil {
		return fmt.Errorf("writing audio part: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("closing multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiBase+"/sendAudio", &body)
	if err != nil {
		return fmt.Errorf("building sendAudio request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	return c.do(req, "sendAudio", nil)
}

func (c *Client) postJSON(ctx context.Context, method string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiBase+"/"+method, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("building %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, method, nil)
}

// do executes req and decodes the result field into out when out is non-nil.
func (c *Client) do(req *http.Request, method string, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("telegram %s request failed: %w", method, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading %s response: %w", method, err)
	}

	var tgResp Response
	if err := json.Unmarshal(body, &tgResp); err != nil {
		return fmt.Errorf("parsing %s response (status %d): %w", method, resp.StatusCode, err)
	}
	if !tgResp.OK {
		return &APIError{Method: method, Code: tgResp.ErrorCode, Description: tgResp.Description}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(tgResp.Result, out); err != nil {
		return fmt.Errorf("parsing %s result: %w", method, err)
	}
	return nil
}

// splitMessage cuts text into parts of at most limit UTF-16 units. It breaks
// after a newline, or failing that a space, when one falls in the second half
// of the part, and mid-word otherwise.
func splitMessage(text string, limit int) []string {
	var parts []string
	for {
		cut := cutIndex(text, limit)
		if cut == len(text) {
			return append(parts, text)
		}
		parts = append(parts, text[:cut])
		text = text[cut:]
	}
}

// cutIndex returns the byte offset where the first part of text ends.
func cutIndex(text string, limit int) int {
	units, newline, space := 0, 0, 0
	for i, r := range text {
		n := utf16.RuneLen(r)
		if n < 0 {
			n = 1
		}
		if units+n > limit {
			switch {
			case newline > 0:
				return newline
			case space > 0:
				return space
			default:
				return i
			}
		}
		units += n
		if units >= limit/2 {
			switch r {
			case '\n':
				newline = i + 1
			case ' ':
				space = i + 1
			}
		}
	}
	return len(text)
}
