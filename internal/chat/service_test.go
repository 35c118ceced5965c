package chat

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/gemproxy/internal/conversation"
	"github.com/ent0n29/gemproxy/internal/imagefetch"
	"github.com/ent0n29/gemproxy/internal/observability"
	"github.com/ent0n29/gemproxy/internal/transcript"
)

type fakeRegistrar struct {
	mu      sync.Mutex
	err     error
	paths   []string
	existed []bool
	calls   int
}

func (f *fakeRegistrar) Register(_ context.Context, path, mimeType string) (conversation.Asset, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.paths = append(f.paths, path)
	_, statErr := os.Stat(path)
	f.existed = append(f.existed, statErr == nil)
	if f.err != nil {
		return conversation.Asset{}, f.err
	}
	return conversation.Asset{Name: "files/img", URI: "https://files/img", MIMEType: mimeType}, nil
}

type generateCall struct {
	prior   []conversation.Turn
	message conversation.Turn
}

type fakeModel struct {
	mu       sync.Mutex
	calls    []generateCall
	err      error
	inFlight atomic.Int32
	overlap  atomic.Bool
}

func (f *fakeModel) Generate(_ context.Context, prior []conversation.Turn, message conversation.Turn) (string, error) {
	if f.inFlight.Add(1) > 1 {
		f.overlap.Store(true)
	}
	defer f.inFlight.Add(-1)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, generateCall{prior: prior, message: message})
	if f.err != nil {
		return "", f.err
	}
	return fmt.Sprintf("reply %d to %s", len(f.calls), message.Text()), nil
}

type harness struct {
	svc       *Service
	sessions  *conversation.Store
	registrar *fakeRegistrar
	model     *fakeModel
	archive   *transcript.RingStore
	metrics   *observability.Metrics
	images    *httptest.Server
	tempDir   string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	images := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/404.jpg" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "image/jpeg")
		_, _ = w.Write([]byte("jpeg-bytes"))
	}))
	t.Cleanup(images.Close)

	h := &harness{
		sessions:  conversation.NewStore(conversation.Options{}),
		registrar: &fakeRegistrar{},
		model:     &fakeModel{},
		archive:   transcript.NewRingStore(0),
		metrics:   observability.NewMetricsWith("test", prometheus.NewRegistry()),
		images:    images,
		tempDir:   t.TempDir(),
	}
	fetcher := imagefetch.New(imagefetch.Options{TempDir: h.tempDir})
	h.svc = NewService(h.sessions, fetcher, h.registrar, h.model, h.archive, h.metrics, nil, Options{})
	return h
}

func (h *harness) historyLen(id string) int {
	hist, ok := h.sessions.Get(id)
	if !ok {
		return 0
	}
	return hist.Len()
}

func (h *harness) stagedFiles(t *testing.T) int {
	t.Helper()
	entries, err := os.ReadDir(h.tempDir)
	require.NoError(t, err)
	return len(entries)
}

func TestHandleTextOnly(t *testing.T) {
	h := newHarness(t)

	reply, err := h.svc.Handle(context.Background(), Request{Prompt: "Hello", SessionID: "s1"})
	require.NoError(t, err)
	assert.Equal(t, "reply 1 to Hello", reply.Text)
	assert.NotEmpty(t, reply.TurnID)
	assert.Equal(t, 2, reply.HistoryLen)

	hist, ok := h.sessions.Get("s1")
	require.True(t, ok)
	turns := hist.Turns()
	require.Len(t, turns, 2)
	assert.Equal(t, conversation.RoleUser, turns[0].Role)
	assert.Equal(t, []conversation.Part{conversation.TextPart("Hello")}, turns[0].Parts)
	assert.Equal(t, conversation.RoleModel, turns[1].Role)
	assert.Equal(t, "reply 1 to Hello", turns[1].Text())

	require.Len(t, h.model.calls, 1)
	assert.Empty(t, h.model.calls[0].prior)
	assert.Zero(t, h.registrar.calls)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Turns.WithLabelValues("ok")))
}

func TestHandleMissingFieldsDefaultToEmpty(t *testing.T) {
	h := newHarness(t)

	_, err := h.svc.Handle(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, 2, h.historyLen(""))
}

func TestHandleWithImage(t *testing.T) {
	h := newHarness(t)

	_, err := h.svc.Handle(context.Background(), Request{Prompt: "Describe", SessionID: "s2", ImageURL: h.images.URL + "/cat.jpg"})
	require.NoError(t, err)

	hist, _ := h.sessions.Get("s2")
	turns := hist.Turns()
	require.Len(t, turns, 2)
	parts := turns[0].Parts
	require.Len(t, parts, 2)
	require.True(t, parts[0].IsAsset())
	assert.Equal(t, "https://files/img", parts[0].Asset.URI)
	assert.Equal(t, "image/jpeg", parts[0].Asset.MIMEType)
	assert.Equal(t, "Describe", parts[1].Text)

	require.Len(t, h.model.calls, 1)
	assert.True(t, h.model.calls[0].message.Parts[0].IsAsset())

	require.Equal(t, []bool{true}, h.registrar.existed, "file must exist while registering")
	assert.Zero(t, h.stagedFiles(t), "temp file must be released after registration")
}

func TestHandleDownloadFailure(t *testing.T) {
	h := newHarness(t)

	_, err := h.svc.Handle(context.Background(), Request{Prompt: "Describe", SessionID: "s2", ImageURL: h.images.URL + "/404.jpg"})
	require.Error(t, err)
	assert.Equal(t, KindDownload, KindOf(err))
	assert.ErrorIs(t, err, imagefetch.ErrDownload)

	assert.Zero(t, h.historyLen("s2"))
	assert.Zero(t, h.registrar.calls)
	assert.Empty(t, h.model.calls)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Turns.WithLabelValues("download")))
}

func TestHandleUnreachableImageIsInternal(t *testing.T) {
	h := newHarness(t)
	dead := httptest.NewServer(http.NotFoundHandler())
	url := dead.URL
	dead.Close()

	_, err := h.svc.Handle(context.Background(), Request{Prompt: "x", SessionID: "s3", ImageURL: url + "/a.jpg"})
	require.Error(t, err)
	assert.Equal(t, KindInternal, KindOf(err))
	assert.Zero(t, h.historyLen("s3"))
}

func TestHandleUploadFailure(t *testing.T) {
	h := newHarness(t)
	h.registrar.err = errors.New("rejected")

	_, err := h.svc.Handle(context.Background(), Request{Prompt: "Describe", SessionID: "s4", ImageURL: h.images.URL + "/cat.jpg"})
	require.Error(t, err)
	assert.Equal(t, KindUpload, KindOf(err))

	assert.Zero(t, h.historyLen("s4"))
	assert.Empty(t, h.model.calls)
	assert.Zero(t, h.stagedFiles(t), "temp file must be released on upload failure")
}

func TestHandleProviderFailureLeavesHistoryUntouched(t *testing.T) {
	h := newHarness(t)

	_, err := h.svc.Handle(context.Background(), Request{Prompt: "one", SessionID: "s5"})
	require.NoError(t, err)

	h.model.err = errors.New("quota exceeded")
	_, err = h.svc.Handle(context.Background(), Request{Prompt: "two", SessionID: "s5"})
	require.Error(t, err)
	assert.Equal(t, KindProvider, KindOf(err))
	assert.Equal(t, 2, h.historyLen("s5"))

	h.model.err = nil
	_, err = h.svc.Handle(context.Background(), Request{Prompt: "three", SessionID: "s5"})
	require.NoError(t, err)

	hist, _ := h.sessions.Get("s5")
	turns := hist.Turns()
	require.Len(t, turns, 4)
	assert.Equal(t, "three", turns[2].Text())
}

func TestHandleMultiTurnContext(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.Handle(ctx, Request{Prompt: "first", SessionID: "s6"})
	require.NoError(t, err)
	_, err = h.svc.Handle(ctx, Request{Prompt: "second", SessionID: "s6"})
	require.NoError(t, err)

	hist, _ := h.sessions.Get("s6")
	turns := hist.Turns()
	require.Len(t, turns, 4)
	roles := []conversation.Role{turns[0].Role, turns[1].Role, turns[2].Role, turns[3].Role}
	assert.Equal(t, []conversation.Role{conversation.RoleUser, conversation.RoleModel, conversation.RoleUser, conversation.RoleModel}, roles)

	require.Len(t, h.model.calls, 2)
	second := h.model.calls[1]
	contextTurns := append(second.prior, second.message)
	require.Len(t, contextTurns, 3)
	assert.Equal(t, "first", contextTurns[0].Text())
	assert.Equal(t, "reply 1 to first", contextTurns[1].Text())
	assert.Equal(t, "second", contextTurns[2].Text())
}

func TestHandleSerializesSameSession(t *testing.T) {
	h := newHarness(t)
	const n = 16

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := h.svc.Handle(context.Background(), Request{Prompt: fmt.Sprintf("p%d", i), SessionID: "busy"})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.False(t, h.model.overlap.Load(), "model calls for one session must not overlap")
	hist, _ := h.sessions.Get("busy")
	turns := hist.Turns()
	require.Len(t, turns, 2*n)
	for i, turn := range turns {
		want := conversation.RoleUser
		if i%2 == 1 {
			want = conversation.RoleModel
		}
		assert.Equal(t, want, turn.Role, "turn %d", i)
	}
	for _, call := range h.model.calls {
		assert.Equal(t, 0, len(call.prior)%2)
	}
}

func TestHandleArchivesCommittedTurns(t *testing.T) {
	h := newHarness(t)

	reply, err := h.svc.Handle(context.Background(), Request{Prompt: "Describe", SessionID: "s7", ImageURL: h.images.URL + "/cat.jpg"})
	require.NoError(t, err)

	records, err := h.archive.Transcript(context.Background(), "s7", 0)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "user", records[0].Role)
	assert.Equal(t, "Describe", records[0].Content)
	assert.Equal(t, "https://files/img", records[0].AssetURI)
	assert.Equal(t, "model", records[1].Role)
	assert.Equal(t, reply.Text, records[1].Content)
	assert.Equal(t, reply.TurnID, records[1].TurnID)
}

func TestHandleRedactsArchive(t *testing.T) {
	h := newHarness(t)
	h.svc.opts.RedactArchive = true

	_, err := h.svc.Handle(context.Background(), Request{Prompt: "mail sam@example.com", SessionID: "s8"})
	require.NoError(t, err)

	records, err := h.archive.Transcript(context.Background(), "s8", 0)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "mail [REDACTED_EMAIL]", records[0].Content)
	assert.NotContains(t, records[1].Content, "sam@example.com")

	hist, _ := h.sessions.Get("s8")
	assert.Equal(t, "mail sam@example.com", hist.Turns()[0].Text(), "live history keeps the original text")
}

func TestArchiveStaysBoundedWithWindowedHistory(t *testing.T) {
	h := newHarness(t)
	h.sessions = conversation.NewStore(conversation.Options{MaxTurns: 2})
	h.archive = transcript.NewRingStore(4)
	h.svc = NewService(h.sessions, imagefetch.New(imagefetch.Options{TempDir: h.tempDir}), h.registrar, h.model, h.archive, h.metrics, nil, Options{})

	for i := 0; i < 50; i++ {
		_, err := h.svc.Handle(context.Background(), Request{Prompt: fmt.Sprintf("p%d", i), SessionID: "long"})
		require.NoError(t, err)
	}

	assert.Equal(t, 2, h.historyLen("long"))
	assert.Equal(t, 4, h.archive.Held())

	h.svc.SessionExpired("long")
	assert.Zero(t, h.archive.Held())
}

func TestHandleWithoutMetrics(t *testing.T) {
	h := newHarness(t)
	svc := NewService(h.sessions, imagefetch.New(imagefetch.Options{TempDir: h.tempDir}), h.registrar, h.model, nil, nil, nil, Options{})

	reply, err := svc.Handle(context.Background(), Request{Prompt: "hi", SessionID: "bare"})
	require.NoError(t, err)
	assert.Equal(t, 2, reply.HistoryLen)

	h.model.err = errors.New("down")
	_, err = svc.Handle(context.Background(), Request{Prompt: "hi", SessionID: "bare"})
	assert.Equal(t, KindProvider, KindOf(err))
}

func TestHandleRetriesSessionRemovedWhileWaiting(t *testing.T) {
	h := newHarness(t)

	stale := h.sessions.GetOrCreate("racy")
	stale.Lock()
	handedOut := stale.LastActivity()

	done := make(chan Reply)
	go func() {
		reply, err := h.svc.Handle(context.Background(), Request{Prompt: "hello", SessionID: "racy"})
		assert.NoError(t, err)
		done <- reply
	}()

	// GetOrCreate refreshes activity when it hands the history to Handle.
	require.Eventually(t, func() bool {
		return stale.LastActivity().After(handedOut)
	}, time.Second, time.Millisecond)
	require.True(t, h.sessions.Remove("racy"))
	stale.Unlock()

	reply := <-done
	assert.Equal(t, 2, reply.HistoryLen)
	assert.Zero(t, stale.Len(), "the detached history must not receive the turn")
	current, ok := h.sessions.Get("racy")
	require.True(t, ok)
	assert.NotSame(t, stale, current)
	assert.Equal(t, 2, current.Len())
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindUpload, KindOf(fmt.Errorf("wrapped: %w", &Error{Kind: KindUpload, Err: errors.New("x")})))
	assert.Equal(t, KindInternal, KindOf(errors.New("plain")))
}
