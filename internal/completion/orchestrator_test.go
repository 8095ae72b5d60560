package completion

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	gormsqlite "github.com/glebarez/sqlite"
	"github.com/rivulet-ai/rivulet/internal/ai"
	"github.com/rivulet-ai/rivulet/internal/chat"
	"github.com/rivulet-ai/rivulet/internal/common"
	"github.com/rivulet-ai/rivulet/internal/stream"
	"gorm.io/gorm"
)

// scriptedProvider replays a fixed chunk sequence, optionally followed by an
// error, and remembers the prompt it was given.
type scriptedProvider struct {
	chunks []string
	err    error

	mu     sync.Mutex
	prompt []ai.Message
}

func (p *scriptedProvider) Chat(ctx context.Context, msgs []ai.Message) (string, error) {
	return "", errors.New("scripted provider is stream-only")
}

func (p *scriptedProvider) StreamChat(ctx context.Context, msgs []ai.Message) (<-chan ai.Chunk, <-chan error) {
	p.mu.Lock()
	p.prompt = append([]ai.Message(nil), msgs...)
	p.mu.Unlock()

	chunks := make(chan ai.Chunk, len(p.chunks)+1)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		for _, c := range p.chunks {
			chunks <- ai.Chunk{Content: c}
		}
		if p.err != nil {
			errs <- p.err
		}
	}()
	return chunks, errs
}

func (p *scriptedProvider) promptCopy() []ai.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ai.Message(nil), p.prompt...)
}

// gatedProvider emits one chunk per value on steps, so a test can interleave
// control-plane calls with the stream.
type gatedProvider struct {
	steps chan string
}

func (p *gatedProvider) Chat(ctx context.Context, msgs []ai.Message) (string, error) {
	return "", errors.New("gated provider is stream-only")
}

func (p *gatedProvider) StreamChat(ctx context.Context, msgs []ai.Message) (<-chan ai.Chunk, <-chan error) {
	chunks := make(chan ai.Chunk)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		for s := range p.steps {
			select {
			case chunks <- ai.Chunk{Content: s}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return chunks, errs
}

type fakeSecrets struct {
	key string
	err error
}

func (f *fakeSecrets) APIKeyFor(ctx context.Context, userID uint64) (string, error) {
	return f.key, f.err
}

type fakeSearcher struct {
	result string
	err    error
	called bool
}

func (f *fakeSearcher) Search(ctx context.Context, query string) (string, error) {
	f.called = true
	return f.result, f.err
}

type memLease struct {
	mu   sync.Mutex
	held map[string]bool
}

func newMemLease() *memLease { return &memLease{held: map[string]bool{}} }

func (l *memLease) AcquireLease(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return false, nil
	}
	l.held[key] = true
	return true, nil
}

func (l *memLease) ReleaseLease(ctx context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, key)
	return nil
}

type fixture struct {
	db       *gorm.DB
	repo     *chat.Repo
	streams  *stream.Controller
	sessions *stream.Sessions
	orch     *Orchestrator
	secrets  *fakeSecrets
	searcher *fakeSearcher
	lease    *memLease
	chatID   string
}

func newFixture(t *testing.T, provider ai.Provider, opts Options) *fixture {
	t.Helper()
	db, err := gorm.Open(gormsqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&chat.Chat{}, &chat.Message{}, &chat.Branch{},
		&stream.ResumableStream{}, &stream.StreamSession{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}

	repo := chat.NewRepo(db)
	streamRepo := stream.NewRepo(db)
	controller := stream.NewController(streamRepo)
	sessions := stream.NewSessions(streamRepo, repo, nil)

	reg := ai.NewRegistry()
	reg.Register("fake", func(ctx context.Context, model, apiKey string) (ai.Provider, error) {
		return provider, nil
	})

	if opts.ProviderName == "" {
		opts.ProviderName = "fake"
	}
	if opts.DefaultModel == "" {
		opts.DefaultModel = "test-model"
	}

	f := &fixture{
		db:       db,
		repo:     repo,
		streams:  controller,
		sessions: sessions,
		secrets:  &fakeSecrets{key: "sk-test"},
		searcher: &fakeSearcher{},
		lease:    newMemLease(),
	}
	f.orch = NewOrchestrator(repo, controller, sessions, reg, f.secrets, f.searcher, f.lease, opts)

	c := &chat.Chat{ID: common.NewUUID(), UserID: 1, Title: "t", Model: "test-model"}
	if err := repo.CreateChat(context.Background(), c); err != nil {
		t.Fatalf("seed chat: %v", err)
	}
	f.chatID = c.ID
	return f
}

func TestRunToCompletion(t *testing.T) {
	provider := &scriptedProvider{chunks: []string{"Hel", "lo!"}}
	f := newFixture(t, provider, Options{})
	ctx := context.Background()

	msgID, streamID, final, err := f.orch.RunSync(ctx, StartParams{UserID: 1, ChatID: f.chatID, Content: "Hi"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if final != "Hello!" {
		t.Fatalf("expected final %q, got %q", "Hello!", final)
	}

	m, err := f.repo.GetMessage(ctx, msgID)
	if err != nil {
		t.Fatalf("get message: %v", err)
	}
	if m.Content != "Hello!" || m.Role != chat.RoleAssistant {
		t.Fatalf("unexpected assistant message: role=%s content=%q", m.Role, m.Content)
	}

	rec, err := f.streams.Get(ctx, streamID)
	if err != nil {
		t.Fatalf("get stream: %v", err)
	}
	if rec.IsActive || rec.CompletedAt == nil {
		t.Fatalf("stream not terminal: active=%v completed_at=%v", rec.IsActive, rec.CompletedAt)
	}
	if rec.Checkpoint != "Hello!" || rec.TotalTokens != 2 {
		t.Fatalf("unexpected checkpoint state: %q tokens=%d", rec.Checkpoint, rec.TotalTokens)
	}

	// user message was recorded on the main line
	msgs, err := f.repo.ListMainlineMessages(ctx, f.chatID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Role != chat.RoleUser || msgs[0].Content != "Hi" {
		t.Fatalf("unexpected history: %+v", msgs)
	}

	// lease released; a second run may proceed
	if _, _, _, err := f.orch.RunSync(ctx, StartParams{UserID: 1, ChatID: f.chatID, Content: "again"}); err != nil {
		t.Fatalf("second run after release: %v", err)
	}
}

func TestSecretErrorFailsBeforeAnyRecord(t *testing.T) {
	f := newFixture(t, &scriptedProvider{chunks: []string{"x"}}, Options{})
	f.secrets.err = errors.New("no api key configured")
	ctx := context.Background()

	if _, err := f.orch.Start(ctx, StartParams{UserID: 1, ChatID: f.chatID, Content: "Hi"}); err == nil {
		t.Fatalf("expected secret resolution error")
	}

	msgs, _ := f.repo.ListMainlineMessages(ctx, f.chatID)
	if len(msgs) != 0 {
		t.Fatalf("messages created despite config failure: %d", len(msgs))
	}
	active, _ := f.streams.ListActive(ctx, f.chatID)
	if len(active) != 0 {
		t.Fatalf("stream created despite config failure")
	}
}

func TestSearchFailureDegradesToNote(t *testing.T) {
	provider := &scriptedProvider{chunks: []string{"ok"}}
	f := newFixture(t, provider, Options{})
	f.searcher.err = errors.New("rate limited")
	ctx := context.Background()

	_, _, final, err := f.orch.RunSync(ctx, StartParams{UserID: 1, ChatID: f.chatID, Content: "weather?", WebSearch: true})
	if err != nil {
		t.Fatalf("search failure must not abort: %v", err)
	}
	if final != "ok" {
		t.Fatalf("expected %q, got %q", "ok", final)
	}
	if !f.searcher.called {
		t.Fatalf("searcher not invoked")
	}

	found := false
	for _, m := range provider.promptCopy() {
		if m.Role == chat.RoleSystem && strings.Contains(m.Content, "rate limited") {
			found = true
		}
	}
	if !found {
		t.Fatalf("degradation note missing from prompt: %+v", provider.promptCopy())
	}
}

func TestSearchResultsEnterPrompt(t *testing.T) {
	provider := &scriptedProvider{chunks: []string{"ok"}}
	f := newFixture(t, provider, Options{})
	f.searcher.result = "Web search results:\n1. Foo (https://foo)"
	ctx := context.Background()

	if _, _, _, err := f.orch.RunSync(ctx, StartParams{UserID: 1, ChatID: f.chatID, Content: "foo?", WebSearch: true}); err != nil {
		t.Fatalf("run: %v", err)
	}

	found := false
	for _, m := range provider.promptCopy() {
		if m.Role == chat.RoleSystem && strings.Contains(m.Content, "Web search results") {
			found = true
		}
	}
	if !found {
		t.Fatalf("search context missing from prompt")
	}
}

func TestUpstreamErrorRecordedOnMessage(t *testing.T) {
	provider := &scriptedProvider{chunks: []string{"Par"}, err: errors.New("connection reset")}
	f := newFixture(t, provider, Options{})
	ctx := context.Background()

	msgID, streamID, _, err := f.orch.RunSync(ctx, StartParams{UserID: 1, ChatID: f.chatID, Content: "Hi"})
	if err == nil {
		t.Fatalf("expected terminal error")
	}
	if !strings.Contains(err.Error(), "connection reset") {
		t.Fatalf("cause missing from error: %v", err)
	}

	m, gerr := f.repo.GetMessage(ctx, msgID)
	if gerr != nil {
		t.Fatalf("get message: %v", gerr)
	}
	if !strings.HasPrefix(m.Content, "Error:") || !strings.Contains(m.Content, "connection reset") {
		t.Fatalf("error not recorded on message: %q", m.Content)
	}

	rec, gerr := f.streams.Get(ctx, streamID)
	if gerr != nil {
		t.Fatalf("get stream: %v", gerr)
	}
	if rec.IsActive {
		t.Fatalf("stream still active after failure")
	}
}

func TestLeaseExcludesConcurrentRun(t *testing.T) {
	f := newFixture(t, &scriptedProvider{chunks: []string{"x"}}, Options{})
	ctx := context.Background()

	if ok, _ := f.lease.AcquireLease(ctx, "completion:chat:"+f.chatID, time.Minute); !ok {
		t.Fatalf("pre-acquire failed")
	}
	_, err := f.orch.Start(ctx, StartParams{UserID: 1, ChatID: f.chatID, Content: "Hi"})
	if !errors.Is(err, ErrCompletionInFlight) {
		t.Fatalf("expected ErrCompletionInFlight, got %v", err)
	}

	// a different lineage is unaffected
	parent := "some-parent-id"
	pm := &chat.Message{ID: parent, ChatID: f.chatID, Role: chat.RoleUser, Content: "p", IsActive: true}
	if err := f.repo.InsertMessage(ctx, pm); err != nil {
		t.Fatalf("seed parent: %v", err)
	}
	if _, _, _, err := f.orch.RunSync(ctx, StartParams{UserID: 1, ChatID: f.chatID, Content: "Hi", ParentMessageID: &parent}); err != nil {
		t.Fatalf("parent-scoped run: %v", err)
	}
}

func TestOwnershipChecked(t *testing.T) {
	f := newFixture(t, &scriptedProvider{chunks: []string{"x"}}, Options{})
	_, err := f.orch.Start(context.Background(), StartParams{UserID: 2, ChatID: f.chatID, Content: "Hi"})
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Fatalf("expected not-found for non-owner, got %v", err)
	}
}

func TestStopKeepsPartialText(t *testing.T) {
	provider := &gatedProvider{steps: make(chan string)}
	f := newFixture(t, provider, Options{})
	ctx := context.Background()

	run, err := f.orch.Start(ctx, StartParams{UserID: 1, ChatID: f.chatID, Content: "Hi"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	provider.steps <- "Hel"
	if got := <-run.Chunks; got != "Hel" {
		t.Fatalf("expected forwarded chunk, got %q", got)
	}

	// client stop: terminate the stream record out from under the pull loop
	if err := f.streams.Complete(ctx, run.StreamID); err != nil {
		t.Fatalf("stop: %v", err)
	}
	provider.steps <- "lo!"
	close(provider.steps)

	for range run.Chunks {
	}
	if rerr, ok := <-run.Errs; ok && rerr != nil {
		t.Fatalf("stop must not raise an error: %v", rerr)
	}
	final := <-run.Done
	if final != "Hello!" {
		t.Fatalf("expected partial text kept, got %q", final)
	}

	m, err := f.repo.GetMessage(ctx, run.MessageID)
	if err != nil {
		t.Fatalf("get message: %v", err)
	}
	if m.Content != "Hello!" {
		t.Fatalf("stopped message content %q", m.Content)
	}
}

func TestIdleTimeoutFailsRun(t *testing.T) {
	provider := &gatedProvider{steps: make(chan string)}
	f := newFixture(t, provider, Options{IdleTimeout: 50 * time.Millisecond})
	defer close(provider.steps)
	ctx := context.Background()

	msgID, _, _, err := f.orch.RunSync(ctx, StartParams{UserID: 1, ChatID: f.chatID, Content: "Hi"})
	if err == nil || !strings.Contains(err.Error(), "no chunk received") {
		t.Fatalf("expected idle timeout error, got %v", err)
	}

	m, gerr := f.repo.GetMessage(ctx, msgID)
	if gerr != nil {
		t.Fatalf("get message: %v", gerr)
	}
	if !strings.HasPrefix(m.Content, "Error:") {
		t.Fatalf("idle failure not recorded: %q", m.Content)
	}
}

func TestProgressEstimateMonotonicCapped(t *testing.T) {
	prev := -1
	for tokens := 1; tokens <= 100000; tokens *= 3 {
		p := progressEstimate(tokens)
		if p < prev {
			t.Fatalf("estimate regressed at %d tokens: %d < %d", tokens, p, prev)
		}
		if p > 99 {
			t.Fatalf("estimate exceeded 99 at %d tokens: %d", tokens, p)
		}
		prev = p
	}
}
