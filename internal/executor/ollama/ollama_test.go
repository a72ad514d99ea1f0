package ollama

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailsync/internal/model"
)

type recorder struct {
	mu   sync.Mutex
	reqs []map[string]any
}

func (r *recorder) add(body map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reqs = append(r.reqs, body)
}

func (r *recorder) all() []map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]map[string]any(nil), r.reqs...)
}

// fakeOllama answers /api/generate with reply and /api/embed with a fixed
// vector, recording the decoded request bodies.
func fakeOllama(t *testing.T, status int, reply string) (*httptest.Server, *recorder) {
	t.Helper()
	rec := &recorder{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		body["path"] = r.URL.Path
		rec.add(body)

		if status != http.StatusOK {
			http.Error(w, "model is loading", status)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/api/embed":
			_, _ = w.Write([]byte(`{"model":"e","embeddings":[[0.25,-0.5,1]]}`))
		case "/api/generate":
			_ = json.NewEncoder(w).Encode(map[string]any{"response": reply, "done": true})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, rec
}

func newTestService(url string) *Service {
	return NewService(model.OllamaConfig{BaseURL: url + "/", Model: "m", EmbedModel: "e"})
}

func TestEmbed(t *testing.T) {
	srv, reqs := fakeOllama(t, http.StatusOK, "")
	svc := newTestService(srv.URL)

	vec, err := svc.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.25, -0.5, 1}, vec)

	got := reqs.all()
	require.Len(t, got, 1)
	assert.Equal(t, "/api/embed", got[0]["path"])
	assert.Equal(t, "e", got[0]["model"])
	assert.Equal(t, "hello", got[0]["input"])
}

func TestClassify_ParsesFencedReply(t *testing.T) {
	reply := "Sure!\n```json\n{\"urgency\": 9, \"importance\": 2, \"category\": \" Billing \", \"tags\": [\"invoice\"], \"confidence\": 0.8}\n```"
	srv, reqs := fakeOllama(t, http.StatusOK, reply)
	svc := newTestService(srv.URL)

	c, err := svc.Classify(context.Background(), &model.ItemContent{
		From: "billing@example.com", Subject: "Invoice", Text: "original", Translation: "translated",
	})
	require.NoError(t, err)
	assert.Equal(t, &model.Classification{
		Schema:     model.ClassificationSchemaV1,
		Urgency:    5,
		Importance: 2,
		Category:   "billing",
		Tags:       []string{"invoice"},
		Confidence: 0.8,
	}, c)

	sent := reqs.all()
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0]["prompt"], "translated", "the translation is preferred when present")
	assert.Equal(t, "json", sent[0]["format"])
}

func TestTranslate(t *testing.T) {
	tests := []struct {
		name     string
		reply    string
		want     string
		wantLang string
		wantErr  error
	}{
		{
			name:     "translated",
			reply:    `{"source_language":"de","translation":"Hello","supported":true}`,
			want:     "Hello",
			wantLang: "de",
		},
		{
			name:     "already target language",
			reply:    `{"source_language":"EN","translation":"rewritten"}`,
			want:     "Hallo",
			wantLang: "EN",
		},
		{
			name:    "unsupported pair",
			reply:   `{"supported": false}`,
			wantErr: model.ErrUnavailable,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := fakeOllama(t, http.StatusOK, tt.reply)
			got, lang, err := newTestService(srv.URL).Translate(context.Background(), "Hallo", "en")
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.wantLang, lang)
		})
	}
}

func TestServerErrorIsNotPermanent(t *testing.T) {
	srv, _ := fakeOllama(t, http.StatusServiceUnavailable, "")
	_, err := newTestService(srv.URL).Embed(context.Background(), "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
	assert.False(t, model.IsPermanent(err))
}

func TestRateLimiterHonorsContext(t *testing.T) {
	srv, reqs := fakeOllama(t, http.StatusOK, "")
	svc := NewService(model.OllamaConfig{BaseURL: srv.URL, RequestsPerSecond: 0.01})

	_, err := svc.Embed(context.Background(), "first")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = svc.Embed(ctx, "second")
	assert.Error(t, err)
	assert.Len(t, reqs.all(), 1, "the limited request never reached the server")
}

func TestTruncate(t *testing.T) {
	long := strings.Repeat("é", maxInputChars)
	got := truncate(long)
	assert.LessOrEqual(t, len(got), maxInputChars)
	assert.True(t, strings.HasPrefix(long, got))
	assert.Equal(t, "short", truncate("short"))
}
