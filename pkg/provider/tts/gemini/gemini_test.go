package gemini

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"google.golang.org/genai"
)

// fakeAPI serves generateContent with a canned body and records the last
// request.
type fakeAPI struct {
	mu      sync.Mutex
	body    string
	apiKey  string
	path    string
	respond string
	status  int
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	data, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.body = string(data)
	f.path = r.URL.Path
	f.apiKey = r.Header.Get("x-goog-api-key")
	if f.apiKey == "" {
		f.apiKey = r.URL.Query().Get("key")
	}
	status, respond := f.status, f.respond
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if status != 0 {
		w.WriteHeader(status)
	}
	_, _ = io.WriteString(w, respond)
}

func newTestProvider(t *testing.T, api *fakeAPI, opts ...Option) *Provider {
	t.Helper()
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)
	opts = append([]Option{WithBaseURL(srv.URL + "/")}, opts...)
	p, err := New(context.Background(), "test-key", opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func audioResponse(mime string, pcm []byte) string {
	return `{"candidates":[{"content":{"role":"model","parts":[{"inlineData":{"mimeType":"` +
		mime + `","data":"` + base64.StdEncoding.EncodeToString(pcm) + `"}}]}}]}`
}

func TestSynthesize_ReturnsInlineAudio(t *testing.T) {
	t.Parallel()

	pcm := []byte{0x01, 0x00, 0xff, 0x7f}
	api := &fakeAPI{respond: audioResponse("audio/L16;codec=pcm;rate=24000", pcm)}
	p := newTestProvider(t, api)

	speech, err := p.Synthesize(context.Background(), "Say cheerfully: have a wonderful day!", "")
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if speech.SampleRate != 24000 {
		t.Errorf("SampleRate = %d, want 24000", speech.SampleRate)
	}
	if string(speech.PCM) != string(pcm) {
		t.Errorf("PCM = %v, want %v", speech.PCM, pcm)
	}

	api.mu.Lock()
	defer api.mu.Unlock()
	if !strings.HasSuffix(api.path, defaultModel+":generateContent") {
		t.Errorf("path = %q, want suffix %q", api.path, defaultModel+":generateContent")
	}
	if api.apiKey != "test-key" {
		t.Errorf("api key = %q, want test-key", api.apiKey)
	}
	for _, want := range []string{"AUDIO", defaultVoice, "have a wonderful day"} {
		if !strings.Contains(api.body, want) {
			t.Errorf("request body missing %q: %s", want, api.body)
		}
	}
}

func TestSynthesize_UsesRequestedVoiceAndModel(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{respond: audioResponse("audio/pcm;rate=16000", []byte{0, 0})}
	p := newTestProvider(t, api, WithModel("custom-tts"), WithDefaultVoice("Puck"))

	speech, err := p.Synthesize(context.Background(), "hello", "Aoede")
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if speech.SampleRate != 16000 {
		t.Errorf("SampleRate = %d, want 16000", speech.SampleRate)
	}

	api.mu.Lock()
	defer api.mu.Unlock()
	if !strings.Contains(api.path, "custom-tts") {
		t.Errorf("path = %q, want model custom-tts", api.path)
	}
	if !strings.Contains(api.body, "Aoede") || strings.Contains(api.body, "Puck") {
		t.Errorf("request body should carry the requested voice only: %s", api.body)
	}
}

func TestSynthesize_NoAudio(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{respond: `{"candidates":[{"content":{"role":"model","parts":[{"text":"sorry"}]}}]}`}
	p := newTestProvider(t, api)

	_, err := p.Synthesize(context.Background(), "hello", "")
	if !errors.Is(err, ErrNoAudio) {
		t.Fatalf("err = %v, want ErrNoAudio", err)
	}
}

func TestSynthesize_HTTPError(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{
		status:  http.StatusTooManyRequests,
		respond: `{"error":{"code":429,"message":"quota","status":"RESOURCE_EXHAUSTED"}}`,
	}
	p := newTestProvider(t, api)

	if _, err := p.Synthesize(context.Background(), "hello", ""); err == nil {
		t.Fatal("expected error for HTTP 429")
	}
}

func TestSynthesize_EmptyText(t *testing.T) {
	t.Parallel()

	p := newTestProvider(t, &fakeAPI{})
	if _, err := p.Synthesize(context.Background(), "", ""); err == nil {
		t.Fatal("expected error for empty text")
	}
}

func TestNew_EmptyAPIKey(t *testing.T) {
	t.Parallel()

	if _, err := New(context.Background(), ""); err == nil {
		t.Fatal("expected error for empty API key")
	}
}

func TestSpeechFromResponse(t *testing.T) {
	t.Parallel()

	part := func(mime string, data []byte) *genai.Part {
		return &genai.Part{InlineData: &genai.Blob{MIMEType: mime, Data: data}}
	}
	resp := func(parts ...*genai.Part) *genai.GenerateContentResponse {
		return &genai.GenerateContentResponse{
			Candidates: []*genai.Candidate{{Content: &genai.Content{Parts: parts}}},
		}
	}

	tests := []struct {
		name     string
		resp     *genai.GenerateContentResponse
		wantPCM  int
		wantRate int
		wantErr  bool
	}{
		{name: "nil response", resp: nil, wantErr: true},
		{name: "no candidates", resp: &genai.GenerateContentResponse{}, wantErr: true},
		{name: "missing rate defaults", resp: resp(part("audio/pcm", []byte{1, 2})), wantPCM: 2, wantRate: 24000},
		{name: "concatenates parts", resp: resp(
			part("audio/pcm;rate=24000", []byte{1, 2}),
			part("audio/pcm;rate=24000", []byte{3, 4}),
		), wantPCM: 4, wantRate: 24000},
		{name: "skips non pcm", resp: resp(
			part("audio/mpeg", []byte{9, 9, 9}),
			part("audio/pcm;rate=22050", []byte{1, 2}),
		), wantPCM: 2, wantRate: 22050},
		{name: "mixed rates", resp: resp(
			part("audio/pcm;rate=24000", []byte{1, 2}),
			part("audio/pcm;rate=16000", []byte{3, 4}),
		), wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			speech, err := speechFromResponse(tc.resp)
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(speech.PCM) != tc.wantPCM || speech.SampleRate != tc.wantRate {
				t.Errorf("got %d bytes @ %d Hz, want %d bytes @ %d Hz",
					len(speech.PCM), speech.SampleRate, tc.wantPCM, tc.wantRate)
			}
		})
	}
}
