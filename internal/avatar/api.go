package avatar

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
)

// Signaler is the REST control API of the avatar rendering service.
type Signaler interface {
	NewSession(ctx context.Context, req NewSessionRequest) (string, error)
	StartSession(ctx context.Context, sessionID string, offer webrtc.SessionDescription) (webrtc.SessionDescription, error)
	SendTask(ctx context.Context, sessionID string, audio []byte) error
	SendControl(ctx context.Context, sessionID, kind string, fields map[string]any) error
	StopSession(ctx context.Context, sessionID string) error
}

type NewSessionRequest struct {
	AvatarID string `json:"avatar_id"`
	VoiceID  string `json:"voice_id,omitempty"`
	Quality  string `json:"quality"`
}

// RESTClient talks to the HeyGen streaming API.
type RESTClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewRESTClient(baseURL, apiKey string, httpClient *http.Client) *RESTClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &RESTClient{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:  strings.TrimSpace(apiKey),
		client:  httpClient,
	}
}

func (c *RESTClient) NewSession(ctx context.Context, req NewSessionRequest) (string, error) {
	var out struct {
		SessionID string `json:"session_id"`
	}
	if err := c.post(ctx, "streaming.new", req, &out); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.SessionID) == "" {
		return "", fmt.Errorf("streaming.new: response missing session_id")
	}
	return out.SessionID, nil
}

func (c *RESTClient) StartSession(ctx context.Context, sessionID string, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	body := map[string]any{
		"session_id": sessionID,
		"sdp":        offer,
	}
	var out struct {
		SDP json.RawMessage `json:"sdp"`
	}
	if err := c.post(ctx, "streaming.start", body, &out); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return parseAnswer(out.SDP)
}

func (c *RESTClient) SendTask(ctx context.Context, sessionID string, audio []byte) error {
	body := map[string]any{
		"session_id": sessionID,
		"audio":      base64.StdEncoding.EncodeToString(audio),
	}
	return c.post(ctx, "streaming.task", body, nil)
}

func (c *RESTClient) SendControl(ctx context.Context, sessionID, kind string, fields map[string]any) error {
	body := make(map[string]any, len(fields)+2)
	for k, v := range fields {
		body[k] = v
	}
	body["session_id"] = sessionID
	body["type"] = kind
	return c.post(ctx, "streaming.control", body, nil)
}

func (c *RESTClient) StopSession(ctx context.Context, sessionID string) error {
	return c.post(ctx, "streaming.stop", map[string]any{"session_id": sessionID}, nil)
}

func (c *RESTClient) post(ctx context.Context, endpoint string, payload any, out any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", endpoint, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+endpoint, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("create %s request: %w", endpoint, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Api-Key", c.apiKey)

	res, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("send %s request: %w", endpoint, err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read %s response: %w", endpoint, err)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return &APIError{Endpoint: endpoint, Status: res.StatusCode, Message: errorMessage(res.StatusCode, body)}
	}
	if out == nil {
		return nil
	}
	if err := decodeEnvelope(body, out); err != nil {
		return fmt.Errorf("decode %s response: %w", endpoint, err)
	}
	return nil
}

// decodeEnvelope accepts fields either at the top level or wrapped in "data".
func decodeEnvelope(body []byte, out any) error {
	var env struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return err
	}
	if len(env.Data) > 0 && !bytes.Equal(env.Data, []byte("null")) {
		return json.Unmarshal(env.Data, out)
	}
	return json.Unmarshal(body, out)
}

func errorMessage(status int, body []byte) string {
	var payload struct {
		Message string `json:"message"`
		Error   any    `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if payload.Message != "" {
			return payload.Message
		}
		if s, ok := payload.Error.(string); ok && s != "" {
			return s
		}
	}
	if text := strings.TrimSpace(string(body)); text != "" {
		return text
	}
	return http.StatusText(status)
}

// parseAnswer accepts {"type":"answer","sdp":"..."} or a bare SDP string.
func parseAnswer(raw json.RawMessage) (webrtc.SessionDescription, error) {
	if len(raw) == 0 {
		return webrtc.SessionDescription{}, fmt.Errorf("streaming.start: response missing sdp")
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		if strings.TrimSpace(text) == "" {
			return webrtc.SessionDescription{}, fmt.Errorf("streaming.start: empty sdp")
		}
		return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: text}, nil
	}
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(raw, &desc); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("streaming.start: decode sdp: %w", err)
	}
	if strings.TrimSpace(desc.SDP) == "" {
		return webrtc.SessionDescription{}, fmt.Errorf("streaming.start: empty sdp")
	}
	if desc.Type == 0 {
		desc.Type = webrtc.SDPTypeAnswer
	}
	return desc, nil
}
