package synthesis

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// fakeCartesia is a websocket endpoint speaking the Cartesia TTS protocol
type fakeCartesia struct {
	t        *testing.T
	chunks   [][]byte
	errorMsg string
	hold     bool // keep the context open after the first chunk until cancelled

	mu       sync.Mutex
	query    map[string]string
	request  cartesiaRequest
	cancel   *cartesiaCancel
	received chan struct{}
}

func newFakeCartesia(t *testing.T) *fakeCartesia {
	return &fakeCartesia{t: t, received: make(chan struct{}, 1)}
}

func (f *fakeCartesia) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.t.Errorf("upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	f.mu.Lock()
	f.query = map[string]string{
		"api_key":          r.URL.Query().Get("api_key"),
		"cartesia_version": r.URL.Query().Get("cartesia_version"),
	}
	f.mu.Unlock()

	var req cartesiaRequest
	if err := conn.ReadJSON(&req); err != nil {
		f.t.Errorf("read request: %v", err)
		return
	}
	f.mu.Lock()
	f.request = req
	f.mu.Unlock()

	if f.errorMsg != "" {
		_ = conn.WriteJSON(cartesiaResponse{Type: "error", ContextID: req.ContextID, Error: f.errorMsg, StatusCode: 400})
		return
	}

	for i, c := range f.chunks {
		msg := cartesiaResponse{Type: "chunk", ContextID: req.ContextID, Data: base64.StdEncoding.EncodeToString(c)}
		if err := conn.WriteJSON(msg); err != nil {
			return
		}
		if f.hold && i == 0 {
			var cancel cartesiaCancel
			if err := conn.ReadJSON(&cancel); err == nil {
				f.mu.Lock()
				f.cancel = &cancel
				f.mu.Unlock()
			}
			f.received <- struct{}{}
			return
		}
	}

	_ = conn.WriteJSON(cartesiaResponse{Type: "done", ContextID: req.ContextID, Done: true})
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func collect(t *testing.T, frames <-chan []byte, errs <-chan error) ([][]byte, error) {
	t.Helper()
	var got [][]byte
	timeout := time.After(3 * time.Second)
	for {
		select {
		case f, ok := <-frames:
			if !ok {
				return got, <-errs
			}
			got = append(got, f)
		case <-timeout:
			t.Fatal("stream did not finish")
		}
	}
}

func TestCartesiaSynthesize(t *testing.T) {
	fake := newFakeCartesia(t)
	fake.chunks = [][]byte{{1, 0, 2, 0}, {3, 0}}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	c, err := NewCartesia(CartesiaConfig{
		Endpoint:   wsURL(srv),
		APIKey:     "sk-test",
		VoiceID:    "voice-1",
		SampleRate: 16000,
		Style:      Style{Speed: 1.1, Volume: 1, Emotion: "calm"},
	})
	if err != nil {
		t.Fatalf("NewCartesia() error = %v", err)
	}

	frames, errs := c.Synthesize(context.Background(), "bonjour", Style{Speed: 1.3, Language: "fr"})
	got, err := collect(t, frames, errs)
	if err != nil {
		t.Fatalf("stream error = %v", err)
	}
	if len(got) != 2 || len(got[0]) != 4 || got[1][0] != 3 {
		t.Errorf("frames = %v", got)
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()

	if fake.query["api_key"] != "sk-test" || fake.query["cartesia_version"] != cartesiaVersion {
		t.Errorf("query = %v", fake.query)
	}
	req := fake.request
	if req.Transcript != "bonjour" || req.ModelID != cartesiaModel || req.Voice.ID != "voice-1" || req.Voice.Mode != "id" {
		t.Errorf("request = %+v", req)
	}
	if req.OutputFormat.Container != "raw" || req.OutputFormat.Encoding != "pcm_s16le" || req.OutputFormat.SampleRate != 16000 {
		t.Errorf("output format = %+v", req.OutputFormat)
	}
	if req.Language != "fr" || req.ContextID == "" {
		t.Errorf("language = %q, context_id = %q", req.Language, req.ContextID)
	}
	gc := req.GenerationConfig
	if gc == nil || gc.Speed != 1.3 || gc.Volume != 1 || gc.Emotion != "calm" {
		t.Errorf("generation_config = %+v, want speed from call and the rest from backend style", gc)
	}
}

func TestCartesiaCancelSendsCancel(t *testing.T) {
	fake := newFakeCartesia(t)
	fake.chunks = [][]byte{{1, 0}, {2, 0}}
	fake.hold = true
	srv := httptest.NewServer(fake)
	defer srv.Close()

	c, _ := NewCartesia(CartesiaConfig{Endpoint: wsURL(srv), APIKey: "k", VoiceID: "v"})

	ctx, cancel := context.WithCancel(context.Background())
	frames, errs := c.Synthesize(ctx, "long text", Style{})

	select {
	case <-frames:
	case <-time.After(3 * time.Second):
		t.Fatal("no first frame")
	}
	cancel()

	got, err := collect(t, frames, errs)
	if len(got) != 0 {
		t.Errorf("got %d frames after cancel", len(got))
	}
	if err != context.Canceled {
		t.Errorf("stream error = %v, want context.Canceled", err)
	}

	select {
	case <-fake.received:
	case <-time.After(3 * time.Second):
		t.Fatal("server never saw cancel")
	}
	fake.mu.Lock()
	defer fake.mu.Unlock()
	if fake.cancel == nil || !fake.cancel.Cancel || fake.cancel.ContextID != fake.request.ContextID {
		t.Errorf("cancel message = %+v, want cancel for %s", fake.cancel, fake.request.ContextID)
	}
}

func TestCartesiaErrorMessage(t *testing.T) {
	fake := newFakeCartesia(t)
	fake.errorMsg = "invalid voice"
	srv := httptest.NewServer(fake)
	defer srv.Close()

	c, _ := NewCartesia(CartesiaConfig{Endpoint: wsURL(srv), APIKey: "k", VoiceID: "v"})
	frames, errs := c.Synthesize(context.Background(), "x", Style{})
	_, err := collect(t, frames, errs)
	if err == nil || !strings.Contains(err.Error(), "invalid voice") {
		t.Errorf("error = %v, want cartesia error", err)
	}
}

func TestCartesiaDialFailure(t *testing.T) {
	c, _ := NewCartesia(CartesiaConfig{Endpoint: "ws://127.0.0.1:1/tts", APIKey: "k", VoiceID: "v"})
	frames, errs := c.Synthesize(context.Background(), "x", Style{})
	_, err := collect(t, frames, errs)
	if err == nil {
		t.Error("expected dial error")
	}
}

func TestCartesiaStyleMutable(t *testing.T) {
	c, _ := NewCartesia(CartesiaConfig{APIKey: "k", VoiceID: "v"})

	var _ StyleMutable = c

	want := Style{Speed: 0.8, Volume: 1.5, Emotion: "excited"}
	c.SetStyle(want)
	if got := c.Style(); got != want {
		t.Errorf("Style() = %+v, want %+v", got, want)
	}
}

func TestNewCartesiaValidation(t *testing.T) {
	if _, err := NewCartesia(CartesiaConfig{VoiceID: "v"}); err == nil {
		t.Error("expected error for empty API key")
	}
	if _, err := NewCartesia(CartesiaConfig{APIKey: "k"}); err == nil {
		t.Error("expected error for empty voice ID")
	}

	c, err := NewCartesia(CartesiaConfig{APIKey: "k", VoiceID: "v"})
	if err != nil {
		t.Fatalf("NewCartesia() error = %v", err)
	}
	if c.config.Endpoint != cartesiaWSURL || c.config.Model != cartesiaModel || c.SampleRate() != 24000 {
		t.Errorf("defaults = %+v", c.config)
	}
}

func TestCartesiaRequestJSON(t *testing.T) {
	data, err := json.Marshal(cartesiaCancel{ContextID: "abc", Cancel: true})
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"context_id":"abc","cancel":true}` {
		t.Errorf("cancel JSON = %s", data)
	}
}
