package completion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/rivulet-ai/rivulet/internal/ai"
	"github.com/rivulet-ai/rivulet/internal/chat"
	"github.com/rivulet-ai/rivulet/internal/common"
	"github.com/rivulet-ai/rivulet/internal/stream"
	"gorm.io/gorm"
)

// ErrCompletionInFlight means another pass already holds the build lease for
// this lineage; at most one completion may append to a message at a time.
var ErrCompletionInFlight = errors.New("a completion is already running for this message")

const leaseTTL = 10 * time.Minute

// Secrets resolves the API key for a user, falling back to the injected
// process default, and rejects malformed keys before any network call.
type Secrets interface {
	APIKeyFor(ctx context.Context, userID uint64) (string, error)
}

// Searcher returns web results formatted as prompt context. A failure only
// degrades the prompt; it never aborts the completion.
type Searcher interface {
	Search(ctx context.Context, query string) (string, error)
}

// Lease is the per-message mutual-exclusion token held for the lifetime of
// one completion pass.
type Lease interface {
	AcquireLease(ctx context.Context, key string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, key string) error
}

// Orchestrator drives one completion end to end: it creates the target
// message, the durable stream record and the live session, pulls provider
// chunks, forwards each to both the session (live render) and the
// controller (checkpoint), and finalizes the message on end or error.
type Orchestrator struct {
	repo     *chat.Repo
	streams  *stream.Controller
	sessions *stream.Sessions
	registry *ai.Registry
	secrets  Secrets
	searcher Searcher
	lease    Lease

	providerName string
	defaultModel string
	window       int
	idleTimeout  time.Duration
}

type Options struct {
	ProviderName      string
	DefaultModel      string
	ContextWindowSize int
	IdleTimeout       time.Duration
}

func NewOrchestrator(repo *chat.Repo, streams *stream.Controller, sessions *stream.Sessions,
	registry *ai.Registry, secrets Secrets, searcher Searcher, lease Lease, opts Options) *Orchestrator {
	if opts.ContextWindowSize <= 0 || opts.ContextWindowSize > 100 {
		opts.ContextWindowSize = 20
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 120 * time.Second
	}
	return &Orchestrator{
		repo:         repo,
		streams:      streams,
		sessions:     sessions,
		registry:     registry,
		secrets:      secrets,
		searcher:     searcher,
		lease:        lease,
		providerName: opts.ProviderName,
		defaultModel: opts.DefaultModel,
		window:       opts.ContextWindowSize,
		idleTimeout:  opts.IdleTimeout,
	}
}

type StartParams struct {
	UserID          uint64
	ChatID          string
	Content         string
	Model           string
	ParentMessageID *string
	BranchID        *string
	WebSearch       bool
}

// Run is a handle on an in-flight completion. Chunks carries live deltas,
// Done the final accumulated text on success, Errs the terminal error
// otherwise. All three are closed when the pass finishes.
type Run struct {
	MessageID string
	StreamID  string
	SessionID string
	Chunks    <-chan string
	Done      <-chan string
	Errs      <-chan error
}

// Start performs all setup synchronously — configuration errors surface
// before any record exists — then pulls the provider stream in a goroutine.
func (o *Orchestrator) Start(ctx context.Context, p StartParams) (*Run, error) {
	cht, err := o.repo.GetChat(ctx, p.ChatID)
	if err != nil {
		return nil, err
	}
	if cht.UserID != p.UserID {
		return nil, gorm.ErrRecordNotFound
	}

	apiKey, err := o.secrets.APIKeyFor(ctx, p.UserID)
	if err != nil {
		return nil, err
	}

	model := p.Model
	if model == "" {
		model = cht.Model
	}
	if model == "" {
		model = o.defaultModel
	}

	// at most one concurrent build per lineage
	leaseKey := o.leaseKey(p)
	ok, err := o.lease.AcquireLease(ctx, leaseKey, leaseTTL)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrCompletionInFlight
	}
	release := func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		if err := o.lease.ReleaseLease(rctx, leaseKey); err != nil {
			log.Printf("[completion] lease release failed key=%s err=%v", leaseKey, err)
		}
	}
	failed := true
	defer func() {
		if failed {
			release()
		}
	}()

	userMsg := &chat.Message{
		ID:       common.NewUUID(),
		ChatID:   p.ChatID,
		Role:     chat.RoleUser,
		Content:  p.Content,
		ParentID: p.ParentMessageID,
		IsActive: true,
		BranchID: p.BranchID,
	}
	if err := o.repo.InsertMessage(ctx, userMsg); err != nil {
		return nil, err
	}

	providerMsgs, err := o.buildPrompt(ctx, cht, p)
	if err != nil {
		return nil, err
	}

	// creation order matters: message first, then the records that reference it
	assistantMsg := &chat.Message{
		ID:       common.NewUUID(),
		ChatID:   p.ChatID,
		Role:     chat.RoleAssistant,
		Content:  "",
		ParentID: &userMsg.ID,
		Model:    &model,
		IsActive: true,
		BranchID: p.BranchID,
	}
	if err := o.repo.InsertMessage(ctx, assistantMsg); err != nil {
		return nil, err
	}

	msgsJSON, err := json.Marshal(providerMsgs)
	if err != nil {
		return nil, err
	}
	rec, err := o.streams.Create(ctx, p.ChatID, assistantMsg.ID, p.UserID, model, string(msgsJSON))
	if err != nil {
		return nil, err
	}
	sess, err := o.sessions.Create(ctx, p.ChatID, assistantMsg.ID, p.UserID)
	if err != nil {
		return nil, err
	}

	chunks := make(chan string, 16)
	done := make(chan string, 1)
	errs := make(chan error, 1)
	failed = false

	go o.pull(ctx, pullState{
		messageID: assistantMsg.ID,
		streamID:  rec.ID,
		sessionID: sess.ID,
		model:     model,
		apiKey:    apiKey,
		prompt:    providerMsgs,
		release:   release,
		chunks:    chunks,
		done:      done,
		errs:      errs,
	})

	return &Run{
		MessageID: assistantMsg.ID,
		StreamID:  rec.ID,
		SessionID: sess.ID,
		Chunks:    chunks,
		Done:      done,
		Errs:      errs,
	}, nil
}

// RunSync drives a completion to its end, for the queue worker.
func (o *Orchestrator) RunSync(ctx context.Context, p StartParams) (messageID, streamID, final string, err error) {
	r, err := o.Start(ctx, p)
	if err != nil {
		return "", "", "", err
	}
	for range r.Chunks {
	}
	if rerr, ok := <-r.Errs; ok && rerr != nil {
		return r.MessageID, r.StreamID, "", rerr
	}
	final = <-r.Done
	return r.MessageID, r.StreamID, final, nil
}

func (o *Orchestrator) leaseKey(p StartParams) string {
	if p.ParentMessageID != nil && *p.ParentMessageID != "" {
		return "completion:parent:" + *p.ParentMessageID
	}
	return "completion:chat:" + p.ChatID
}

// buildPrompt assembles the upstream message list: optional stored system
// prompt, the lineage history capped to the context window, and — when
// requested — a system entry carrying search context, or a note about the
// search failing (graceful degradation, never fatal).
func (o *Orchestrator) buildPrompt(ctx context.Context, cht *chat.Chat, p StartParams) ([]ai.Message, error) {
	var history []chat.Message
	var err error
	if p.BranchID != nil && *p.BranchID != "" {
		var b *chat.Branch
		b, err = o.repo.GetBranch(ctx, *p.BranchID)
		if err != nil {
			return nil, err
		}
		history, err = o.repo.ListBranchMessages(ctx, p.ChatID, b)
	} else {
		history, err = o.repo.ListMainlineMessages(ctx, p.ChatID)
	}
	if err != nil {
		return nil, err
	}
	if len(history) > o.window {
		history = history[len(history)-o.window:]
	}

	out := make([]ai.Message, 0, len(history)+2)
	if cht.SystemPrompt != nil && *cht.SystemPrompt != "" {
		out = append(out, ai.Message{Role: chat.RoleSystem, Content: *cht.SystemPrompt})
	}
	for _, m := range history {
		out = append(out, ai.Message{Role: m.Role, Content: m.Content})
	}

	if p.WebSearch && o.searcher != nil {
		results, serr := o.searcher.Search(ctx, p.Content)
		if serr != nil {
			out = append(out, ai.Message{
				Role:    chat.RoleSystem,
				Content: fmt.Sprintf("Web search was requested but failed (%v). Answer from your own knowledge.", serr),
			})
		} else if strings.TrimSpace(results) != "" {
			out = append(out, ai.Message{Role: chat.RoleSystem, Content: results})
		}
	}

	return out, nil
}

type pullState struct {
	messageID string
	streamID  string
	sessionID string
	model     string
	apiKey    string
	prompt    []ai.Message
	release   func()
	chunks    chan string
	done      chan string
	errs      chan error
}

// pull is the token-consumption loop: each received chunk is forwarded to
// the live session and checkpointed on the durable stream before the next
// receive. The idle timer bounds the wait for an upstream that never closes.
func (o *Orchestrator) pull(ctx context.Context, st pullState) {
	defer st.release()
	defer close(st.errs)
	defer close(st.done)
	defer close(st.chunks)

	provider, err := o.registry.Get(ctx, o.providerName, st.model, st.apiKey)
	if err != nil {
		o.fail(ctx, st, err)
		return
	}
	sp, ok := provider.(ai.StreamProvider)
	if !ok {
		o.fail(ctx, st, fmt.Errorf("provider %s does not support streaming", o.providerName))
		return
	}

	pchunks, perrs := sp.StreamChat(ctx, st.prompt)

	var b strings.Builder
	tokens := 0
	idle := time.NewTimer(o.idleTimeout)
	defer idle.Stop()

	for {
		select {
		case ch, ok := <-pchunks:
			if !ok {
				// provider may have reported the reason just before closing
				select {
				case perr := <-perrs:
					if perr != nil {
						o.fail(ctx, st, perr)
						return
					}
				default:
				}
				o.succeed(ctx, st, b.String())
				return
			}

			b.WriteString(ch.Content)
			tokens++

			if err := o.sessions.ApplyChunk(ctx, st.sessionID, ch.Content, false); err != nil {
				o.fail(ctx, st, err)
				return
			}
			err := o.streams.UpdateProgress(ctx, st.streamID, progressEstimate(tokens), b.String(), tokens)
			if errors.Is(err, stream.ErrStreamTerminated) {
				// client issued a stop; keep what was generated
				o.stop(ctx, st, b.String())
				return
			}
			if err != nil {
				o.fail(ctx, st, err)
				return
			}

			select {
			case st.chunks <- ch.Content:
			case <-ctx.Done():
				o.fail(ctx, st, ctx.Err())
				return
			}

			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(o.idleTimeout)

		case perr, ok := <-perrs:
			if !ok {
				perrs = nil
				continue
			}
			if perr != nil {
				o.fail(ctx, st, perr)
				return
			}

		case <-idle.C:
			o.fail(ctx, st, fmt.Errorf("no chunk received within %s", o.idleTimeout))
			return

		case <-ctx.Done():
			o.fail(ctx, st, ctx.Err())
			return
		}
	}
}

// succeed replays the authoritative final text over the incrementally built
// content, closes the live session, and terminates the stream record.
func (o *Orchestrator) succeed(ctx context.Context, st pullState, final string) {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if err := o.sessions.ApplyChunk(fctx, st.sessionID, "", true); err != nil {
		log.Printf("[completion] close session failed session=%s err=%v", st.sessionID, err)
	}
	if err := o.repo.SetMessageContent(fctx, st.messageID, final); err != nil {
		o.failFinalize(fctx, st, err)
		return
	}
	if err := o.streams.Complete(fctx, st.streamID); err != nil {
		log.Printf("[completion] complete stream failed stream=%s err=%v", st.streamID, err)
	}
	st.done <- final
}

// stop finalizes after a client-issued stop: the accumulated text stands as
// the message content and no error is raised.
func (o *Orchestrator) stop(ctx context.Context, st pullState, partial string) {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if err := o.sessions.ApplyChunk(fctx, st.sessionID, "", true); err != nil {
		log.Printf("[completion] close session failed session=%s err=%v", st.sessionID, err)
	}
	if err := o.repo.SetMessageContent(fctx, st.messageID, partial); err != nil {
		log.Printf("[completion] finalize stopped message failed message=%s err=%v", st.messageID, err)
	}
	st.done <- partial
}

// fail records the error into the target message so the conversation never
// shows a silent gap, terminates the stream record, and re-raises.
func (o *Orchestrator) fail(ctx context.Context, st pullState, cause error) {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	o.failFinalize(fctx, st, cause)
}

func (o *Orchestrator) failFinalize(ctx context.Context, st pullState, cause error) {
	if err := o.repo.SetMessageContent(ctx, st.messageID, "Error: "+cause.Error()); err != nil {
		log.Printf("[completion] record error failed message=%s err=%v", st.messageID, err)
	}
	if err := o.sessions.ApplyChunk(ctx, st.sessionID, "", true); err != nil {
		log.Printf("[completion] close session failed session=%s err=%v", st.sessionID, err)
	}
	if err := o.streams.Complete(ctx, st.streamID); err != nil {
		log.Printf("[completion] terminate stream failed stream=%s err=%v", st.streamID, err)
	}
	st.errs <- fmt.Errorf("completion failed: %w", cause)
}

// progressEstimate maps the token count onto a monotonic [0,99] estimate;
// 100 is reserved for true completion.
func progressEstimate(tokens int) int {
	p := tokens * 100 / (tokens + 40)
	if p > 99 {
		p = 99
	}
	return p
}
