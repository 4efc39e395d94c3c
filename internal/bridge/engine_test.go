package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/entrepeneur4lyf/threadbridge/internal/chat"
	"github.com/entrepeneur4lyf/threadbridge/internal/clock"
	"github.com/entrepeneur4lyf/threadbridge/internal/llm"
	"github.com/entrepeneur4lyf/threadbridge/internal/render"
	"github.com/entrepeneur4lyf/threadbridge/internal/storage"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const botID = "bot"

var (
	alice = chat.User{ID: "alice", Name: "alice"}
	bot   = chat.User{ID: botID, Name: "bridge", Bot: true}
)

// fakePlatform is an in-memory chat platform. Messages it writes get
// increasing numeric ids above any id a test seeds.
type fakePlatform struct {
	mu       sync.Mutex
	next     int
	history  map[string][]chat.Message
	pinned   map[string][]chat.Message
	replies  []chat.Message
	replyTo  map[string]chat.MessageRef
	deleted  []string
	renamed  map[string]string
	threads  []string
	typing   int
	replyErr error
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{
		next:    9000,
		history: map[string][]chat.Message{},
		pinned:  map[string][]chat.Message{},
		replyTo: map[string]chat.MessageRef{},
		renamed: map[string]string{},
	}
}

func (p *fakePlatform) seed(msgs ...chat.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range msgs {
		p.history[m.ChannelID] = append(p.history[m.ChannelID], m)
	}
}

func (p *fakePlatform) write(channelID, content string) chat.Message {
	p.next++
	m := chat.Message{ID: fmt.Sprint(p.next), ChannelID: channelID, Author: bot, Content: content}
	p.history[channelID] = append(p.history[channelID], m)
	p.replies = append(p.replies, m)
	return m
}

func (p *fakePlatform) BotUserID() string { return botID }

func (p *fakePlatform) Reply(_ context.Context, to chat.MessageRef, content string, _ ...chat.Embed) (chat.Message, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.replyErr != nil {
		return chat.Message{}, p.replyErr
	}
	m := p.write(to.ChannelID, content)
	p.replyTo[m.ID] = to
	return m, nil
}

func (p *fakePlatform) Send(_ context.Context, channelID, content string, _ ...chat.Embed) (chat.Message, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.write(channelID, content), nil
}

func (p *fakePlatform) Edit(_ context.Context, ref chat.MessageRef, content string, _ ...chat.Embed) (chat.Message, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	update := func(msgs []chat.Message) {
		for i := range msgs {
			if msgs[i].ID == ref.MessageID {
				msgs[i].Content = content
			}
		}
	}
	update(p.history[ref.ChannelID])
	update(p.replies)
	return chat.Message{ID: ref.MessageID, ChannelID: ref.ChannelID, Author: bot, Content: content}, nil
}

func (p *fakePlatform) React(context.Context, chat.MessageRef, string) error { return nil }

func (p *fakePlatform) Delete(_ context.Context, ref chat.MessageRef) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deleted = append(p.deleted, ref.MessageID)
	msgs := p.history[ref.ChannelID]
	for i := range msgs {
		if msgs[i].ID == ref.MessageID {
			p.history[ref.ChannelID] = append(msgs[:i:i], msgs[i+1:]...)
			break
		}
	}
	return nil
}

func (p *fakePlatform) Pin(context.Context, chat.MessageRef) error { return nil }

func (p *fakePlatform) CreateThread(_ context.Context, from chat.MessageRef, name string) (chat.Channel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.threads = append(p.threads, from.MessageID)
	p.renamed[from.MessageID] = name
	return chat.Channel{ID: from.MessageID, ParentID: from.ChannelID, Name: name, IsThread: true}, nil
}

func (p *fakePlatform) RenameThread(_ context.Context, threadID, name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.renamed[threadID] = name
	return nil
}

func (p *fakePlatform) FetchHistory(_ context.Context, channelID string, limit int) ([]chat.Message, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	msgs := p.history[channelID]
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return append([]chat.Message(nil), msgs...), nil
}

func (p *fakePlatform) FetchPinned(_ context.Context, channelID string) ([]chat.Message, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]chat.Message(nil), p.pinned[channelID]...), nil
}

func (p *fakePlatform) Channel(_ context.Context, channelID string) (chat.Channel, error) {
	return chat.Channel{ID: channelID}, nil
}

func (p *fakePlatform) Typing(context.Context, string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.typing++
	return nil
}

func (p *fakePlatform) repliesSnapshot() []chat.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]chat.Message(nil), p.replies...)
}

type appendCall struct {
	SessionID string
	Message   llm.Message
	Policy    llm.RetryPolicy
}

// fakeProvider keeps sessions in memory and answers every run with "answer"
type fakeProvider struct {
	mu              sync.Mutex
	next            int
	sessions        map[string][]llm.Message
	appends         []appendCall
	runs            []string
	deletedSessions []string
	appendErr       error
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{sessions: map[string][]llm.Message{}}
}

func (p *fakeProvider) id(prefix string) string {
	p.next++
	return fmt.Sprintf("%s-%d", prefix, p.next)
}

func (p *fakeProvider) seedSession(id string, msgs ...llm.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range msgs {
		if msgs[i].ID == "" {
			msgs[i].ID = p.id("pm")
		}
	}
	p.sessions[id] = msgs
}

func (p *fakeProvider) CreateSession(_ context.Context, seed []llm.Message) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.id("sess")
	msgs := make([]llm.Message, 0, len(seed))
	for _, m := range seed {
		m.ID = p.id("pm")
		msgs = append(msgs, m)
	}
	p.sessions[id] = msgs
	return id, nil
}

func (p *fakeProvider) AppendMessage(_ context.Context, sessionID string, msg llm.Message, policy llm.RetryPolicy) (llm.Message, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.appendErr != nil {
		return llm.Message{}, p.appendErr
	}
	msg.ID = p.id("pm")
	p.appends = append(p.appends, appendCall{SessionID: sessionID, Message: msg, Policy: policy})
	p.sessions[sessionID] = append(p.sessions[sessionID], msg)
	return msg, nil
}

func (p *fakeProvider) CreateRun(_ context.Context, sessionID string) (llm.RunStream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	runID := p.id("run")
	p.runs = append(p.runs, sessionID)

	stream := make(chan llm.RunEvent, 3)
	stream <- llm.RunStartedEvent{RunID: runID}
	stream <- llm.MessageDeltaEvent{Text: "answer"}
	stream <- llm.RunCompletedEvent{RunID: runID}
	close(stream)
	return stream, nil
}

func (p *fakeProvider) ListMessages(_ context.Context, sessionID string, _ llm.ListFilter) ([]llm.Message, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]llm.Message(nil), p.sessions[sessionID]...), nil
}

func (p *fakeProvider) DeleteMessage(_ context.Context, sessionID, messageID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	msgs := p.sessions[sessionID]
	for i := range msgs {
		if msgs[i].ID == messageID {
			p.sessions[sessionID] = append(msgs[:i:i], msgs[i+1:]...)
			break
		}
	}
	return nil
}

func (p *fakeProvider) DeleteSession(_ context.Context, sessionID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.sessions, sessionID)
	p.deletedSessions = append(p.deletedSessions, sessionID)
	return nil
}

type fakeCompleter struct {
	mu       sync.Mutex
	requests [][]llm.Message
	answer   string
}

func (c *fakeCompleter) Complete(_ context.Context, messages []llm.Message) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, messages)
	return c.answer, nil
}

// fakeUploader hands out file ids derived from the attachment name and fails
// for the names in fail
type fakeUploader struct {
	mu       sync.Mutex
	fail     map[string]bool
	uploaded []string
}

func (u *fakeUploader) Upload(_ context.Context, url, name string) (llm.FileRef, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.fail[name] {
		return llm.FileRef{}, fmt.Errorf("download %s: 403 Forbidden", url)
	}
	u.uploaded = append(u.uploaded, name)
	return llm.FileRef{ID: "file-" + name, Name: name, IsImage: strings.HasSuffix(name, ".png")}, nil
}

func (u *fakeUploader) uploads() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]string(nil), u.uploaded...)
}

type harness struct {
	engine    *Engine
	platform  *fakePlatform
	provider  *fakeProvider
	completer *fakeCompleter
	uploader  *fakeUploader
	relations *storage.MemoryRelationStore
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	logger := log.New(io.Discard)
	h := &harness{
		platform:  newFakePlatform(),
		provider:  newFakeProvider(),
		completer: &fakeCompleter{answer: "one-shot answer"},
		uploader:  &fakeUploader{fail: map[string]bool{}},
		relations: storage.NewMemoryRelationStore(),
	}
	renderer := render.NewRenderer(h.platform, h.provider, clock.Real(),
		render.Options{FlushInterval: 5 * time.Millisecond}, logger)

	engine, err := NewEngine(Deps{
		Platform:  h.platform,
		Relations: h.relations,
		Provider:  h.provider,
		Completer: h.completer,
		Uploader:  h.uploader,
		Renderer:  renderer,
		Logger:    logger,
	}, opts)
	require.NoError(t, err)
	h.engine = engine
	return h
}

func (h *harness) handle(ev chat.Event) {
	h.engine.Handle(context.Background(), ev.ThreadKey(), ev)
}

func (h *harness) relate(t *testing.T, threadID, sessionID string) {
	t.Helper()
	require.NoError(t, h.relations.Upsert(context.Background(), threadID, sessionID))
}

func threadMessage(id, threadID, content string, mentions ...string) chat.Message {
	return chat.Message{
		ID:         id,
		ChannelID:  threadID,
		Author:     alice,
		Content:    content,
		MentionIDs: mentions,
		InThread:   true,
	}
}

func sessionMessage(role, text, originID, threadID string) llm.Message {
	return llm.Message{
		Role:    role,
		Content: []llm.ContentBlock{llm.TextBlock{Text: text}},
		Origin:  llm.Origin{MessageID: originID, ThreadID: threadID},
	}
}

func texts(msgs []llm.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Text()
	}
	return out
}

func TestNewEngine_RequiresCollaborators(t *testing.T) {
	_, err := NewEngine(Deps{}, DefaultOptions())
	assert.Error(t, err)
}

func TestEngine_MentionInChannelStartsThread(t *testing.T) {
	h := newHarness(t, DefaultOptions())
	ctx := context.Background()

	h.handle(chat.MessageCreated{Message: chat.Message{
		ID:         "100",
		ChannelID:  "general",
		Author:     alice,
		Content:    "How do I bake bread?\nDetails follow.",
		MentionIDs: []string{botID},
	}})
	h.engine.Wait()

	assert.Equal(t, []string{"100"}, h.platform.threads)
	assert.Equal(t, "How do I bake bread?", h.platform.renamed["100"])

	rel, found, err := h.relations.Get(ctx, "100")
	require.NoError(t, err)
	require.True(t, found)
	require.True(t, rel.HasSession())

	require.Len(t, h.provider.appends, 1)
	assert.Equal(t, rel.AssistantSessionID, h.provider.appends[0].SessionID)
	assert.Equal(t, llm.Origin{MessageID: "100", ThreadID: "100"}, h.provider.appends[0].Message.Origin)
	assert.Equal(t, []string{rel.AssistantSessionID}, h.provider.runs)

	replies := h.platform.repliesSnapshot()
	require.Len(t, replies, 1)
	assert.Equal(t, "100", replies[0].ChannelID)
	assert.Equal(t, "answer", replies[0].Content)
}

func TestEngine_PlainChannelMessageIgnored(t *testing.T) {
	h := newHarness(t, DefaultOptions())

	h.handle(chat.MessageCreated{Message: chat.Message{ID: "100", ChannelID: "general", Author: alice, Content: "hi"}})
	h.handle(chat.MessageCreated{Message: chat.Message{
		ID: "101", ChannelID: "general", Author: alice, Content: "@everyone", MentionIDs: []string{botID}, MentionsEveryone: true,
	}})
	h.engine.Wait()

	assert.Empty(t, h.platform.threads)
	assert.Empty(t, h.provider.appends)
	assert.Empty(t, h.provider.runs)
}

func TestEngine_BotMessagesNeverMirrored(t *testing.T) {
	h := newHarness(t, DefaultOptions())
	h.relate(t, "50", "sess-a")
	h.provider.seedSession("sess-a")

	h.handle(chat.MessageCreated{Message: chat.Message{
		ID: "100", ChannelID: "50", Author: bot, Content: "from the bot", InThread: true,
	}})
	h.handle(chat.MessageCreated{Message: chat.Message{
		ID: "101", ChannelID: "50", Author: chat.User{ID: "other-bot", Bot: true}, Content: "hi", MentionIDs: []string{botID}, InThread: true,
	}})
	h.engine.Wait()

	assert.Empty(t, h.provider.appends)
	assert.Empty(t, h.provider.runs)
}

func TestEngine_PlainMessagesAppendedOneRunOnMention(t *testing.T) {
	h := newHarness(t, DefaultOptions())
	h.relate(t, "50", "sess-a")
	h.provider.seedSession("sess-a")

	h.handle(chat.MessageCreated{Message: threadMessage("101", "50", "first")})
	h.handle(chat.MessageCreated{Message: threadMessage("102", "50", "second")})
	h.handle(chat.MessageCreated{Message: threadMessage("103", "50", "third")})
	h.handle(chat.MessageCreated{Message: threadMessage("104", "50", "question?", botID)})
	h.engine.Wait()

	require.Len(t, h.provider.appends, 4)
	for _, call := range h.provider.appends {
		assert.Equal(t, "sess-a", call.SessionID)
		assert.Equal(t, 10, call.Policy.MaxRetries)
	}
	assert.Equal(t, []string{"first", "second", "third", "question?"}, texts(h.provider.sessions["sess-a"]))
	assert.Equal(t, []string{"sess-a"}, h.provider.runs)

	replies := h.platform.repliesSnapshot()
	require.Len(t, replies, 1)
	assert.Equal(t, chat.MessageRef{ChannelID: "50", MessageID: "104"}, h.platform.replyTo[replies[0].ID])
	assert.Equal(t, "answer", replies[0].Content)
}

func TestEngine_RelationWithoutSessionIsRecreated(t *testing.T) {
	h := newHarness(t, DefaultOptions())
	h.relate(t, "50", "")

	h.handle(chat.MessageCreated{Message: threadMessage("101", "50", "hello again")})
	h.engine.Wait()

	rel, found, err := h.relations.Get(context.Background(), "50")
	require.NoError(t, err)
	require.True(t, found)
	require.True(t, rel.HasSession())
	require.Len(t, h.provider.appends, 1)
	assert.Equal(t, rel.AssistantSessionID, h.provider.appends[0].SessionID)
}

func TestEngine_UntrackedThreadUsesOneShot(t *testing.T) {
	opts := DefaultOptions()
	opts.TokenBudget = 400
	h := newHarness(t, opts)

	long := strings.Repeat("lorem ipsum ", 40)
	for i := 0; i < 60; i++ {
		h.platform.seed(threadMessage(fmt.Sprint(1000+i), "60", fmt.Sprintf("%d %s", i, long)))
	}
	mention := threadMessage("1060", "60", "summarize please", botID)
	h.platform.seed(mention)

	h.handle(chat.MessageCreated{Message: mention})
	h.engine.Wait()

	_, found, err := h.relations.Get(context.Background(), "60")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Empty(t, h.provider.sessions)
	assert.Empty(t, h.provider.runs)

	require.Len(t, h.completer.requests, 1)
	prompt := h.completer.requests[0]
	assert.Less(t, len(prompt), 63)
	require.GreaterOrEqual(t, len(prompt), 3)
	assert.Equal(t, llm.RoleSystem, prompt[0].Role)
	assert.Equal(t, llm.RoleSystem, prompt[1].Role)
	assert.Equal(t, "summarize please", prompt[len(prompt)-1].Text())

	replies := h.platform.repliesSnapshot()
	require.Len(t, replies, 1)
	assert.Equal(t, "one-shot answer", replies[0].Content)
	assert.Equal(t, mention.Ref(), h.platform.replyTo[replies[0].ID])
}

func TestEngine_UntrackedThreadWithoutMentionIgnored(t *testing.T) {
	h := newHarness(t, DefaultOptions())

	h.handle(chat.MessageCreated{Message: threadMessage("101", "60", "just chatting")})
	h.engine.Wait()

	assert.Empty(t, h.completer.requests)
	assert.Empty(t, h.platform.repliesSnapshot())
}

func TestCompletionMessage(t *testing.T) {
	starter := chat.Message{ID: "1", ChannelID: "60", Author: alice, Referenced: &chat.Message{Content: "original question"}}
	got, ok := completionMessage(starter, botID)
	require.True(t, ok)
	assert.Equal(t, llm.RoleUser, got.Role)
	assert.Equal(t, "original question", got.Text())

	reply := chat.Message{ID: "2", ChannelID: "60", Author: bot, Content: "earlier answer",
		Attachments: []chat.Attachment{{URL: "https://cdn/x.png", Filename: "x.png", ContentType: "image/png"}}}
	got, ok = completionMessage(reply, botID)
	require.True(t, ok)
	assert.Equal(t, llm.RoleAssistant, got.Role)
	assert.Len(t, got.Content, 1)

	_, ok = completionMessage(chat.Message{ID: "3", Author: alice}, botID)
	assert.False(t, ok)
}

func TestEngine_EditRebuildsSession(t *testing.T) {
	h := newHarness(t, DefaultOptions())
	h.relate(t, "50", "sess-a")
	h.provider.seedSession("sess-a",
		sessionMessage(llm.RoleUser, "what is go?", "101", "50"),
		sessionMessage(llm.RoleAssistant, "a language", "", ""),
		sessionMessage(llm.RoleUser, "who made it?", "103", "50"),
		sessionMessage(llm.RoleAssistant, "google", "", ""),
	)
	h.platform.seed(
		threadMessage("101", "50", "what is go?", botID),
		chat.Message{ID: "102", ChannelID: "50", Author: bot, Content: "a language"},
		threadMessage("103", "50", "who made it?", botID),
		chat.Message{ID: "104", ChannelID: "50", Author: bot, Content: "google"},
	)

	h.handle(chat.MessageUpdated{Message: threadMessage("103", "50", "when was it released?", botID)})
	h.engine.Wait()

	rel, found, err := h.relations.Get(context.Background(), "50")
	require.NoError(t, err)
	require.True(t, found)
	require.NotEqual(t, "sess-a", rel.AssistantSessionID)

	want := []string{"what is go?", "a language", "when was it released?"}
	if diff := cmp.Diff(want, texts(h.provider.sessions[rel.AssistantSessionID])); diff != "" {
		t.Errorf("rebuilt session mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, []string{"sess-a"}, h.provider.deletedSessions)
	assert.Equal(t, []string{"104"}, h.platform.deleted)
	assert.Equal(t, []string{rel.AssistantSessionID}, h.provider.runs)

	replies := h.platform.repliesSnapshot()
	require.Len(t, replies, 1)
	assert.Equal(t, chat.MessageRef{ChannelID: "50", MessageID: "103"}, h.platform.replyTo[replies[0].ID])
}

func TestEngine_UpdateWithUnchangedContentIsNoop(t *testing.T) {
	h := newHarness(t, DefaultOptions())
	h.relate(t, "50", "sess-a")
	h.provider.seedSession("sess-a",
		sessionMessage(llm.RoleUser, "read https://go.dev", "101", "50"),
		sessionMessage(llm.RoleAssistant, "done", "", ""),
	)
	h.platform.seed(
		threadMessage("101", "50", "read https://go.dev", botID),
		chat.Message{ID: "102", ChannelID: "50", Author: bot, Content: "done"},
	)

	// A link preview resolving re-delivers the message untouched.
	h.handle(chat.MessageUpdated{Message: threadMessage("101", "50", "read https://go.dev", botID)})
	h.engine.Wait()

	rel, _, err := h.relations.Get(context.Background(), "50")
	require.NoError(t, err)
	assert.Equal(t, "sess-a", rel.AssistantSessionID)
	assert.Len(t, h.provider.sessions, 1)
	assert.Empty(t, h.provider.deletedSessions)
	assert.Empty(t, h.platform.deleted)
	assert.Empty(t, h.provider.runs)
	assert.Empty(t, h.platform.repliesSnapshot())
}

func TestEngine_EditWithChangedAttachmentReuploads(t *testing.T) {
	h := newHarness(t, DefaultOptions())
	h.relate(t, "50", "sess-a")
	stored := sessionMessage(llm.RoleUser, "review this", "101", "50")
	stored.Origin.AttachmentIDs = []string{"a1"}
	stored.Attachments = []llm.FileRef{{ID: "file-v1.pdf", Name: "v1.pdf"}}
	h.provider.seedSession("sess-a", stored)

	edited := threadMessage("101", "50", "review this", botID)
	edited.Attachments = []chat.Attachment{{ID: "a2", URL: "https://cdn/v2.pdf", Filename: "v2.pdf"}}
	h.handle(chat.MessageUpdated{Message: edited})
	h.engine.Wait()

	assert.Equal(t, []string{"v2.pdf"}, h.uploader.uploads())

	rel, _, err := h.relations.Get(context.Background(), "50")
	require.NoError(t, err)
	require.NotEqual(t, "sess-a", rel.AssistantSessionID)
	rebuilt := h.provider.sessions[rel.AssistantSessionID]
	require.Len(t, rebuilt, 1)
	assert.Equal(t, []llm.FileRef{{ID: "file-v2.pdf", Name: "v2.pdf"}}, rebuilt[0].Attachments)
	assert.Equal(t, []string{"a2"}, rebuilt[0].Origin.AttachmentIDs)
	assert.Equal(t, []string{"sess-a"}, h.provider.deletedSessions)
	assert.Equal(t, []string{rel.AssistantSessionID}, h.provider.runs)
}

func TestEngine_AttachmentsMirrored(t *testing.T) {
	h := newHarness(t, DefaultOptions())
	h.relate(t, "50", "sess-a")
	h.provider.seedSession("sess-a")

	msg := threadMessage("101", "50", "see attached")
	msg.Attachments = []chat.Attachment{
		{ID: "a1", URL: "https://cdn/chart.png", Filename: "chart.png", ContentType: "image/png"},
		{ID: "a2", URL: "https://cdn/notes.pdf", Filename: "notes.pdf", ContentType: "application/pdf"},
	}
	h.handle(chat.MessageCreated{Message: msg})
	h.engine.Wait()

	require.Len(t, h.provider.appends, 1)
	got := h.provider.appends[0].Message
	wantContent := []llm.ContentBlock{
		llm.TextBlock{Text: "see attached"},
		llm.ImageFileBlock{FileID: "file-chart.png"},
	}
	if diff := cmp.Diff(wantContent, got.Content); diff != "" {
		t.Errorf("content mismatch (-want +got):\n%s", diff)
	}
	wantFiles := []llm.FileRef{
		{ID: "file-chart.png", Name: "chart.png", IsImage: true},
		{ID: "file-notes.pdf", Name: "notes.pdf"},
	}
	if diff := cmp.Diff(wantFiles, got.Attachments); diff != "" {
		t.Errorf("attachments mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, []string{"a1", "a2"}, got.Origin.AttachmentIDs)
	assert.ElementsMatch(t, []string{"chart.png", "notes.pdf"}, h.uploader.uploads())
	assert.Empty(t, h.provider.runs)
}

func TestEngine_AttachmentUploadFailureAbortsAppend(t *testing.T) {
	h := newHarness(t, DefaultOptions())
	h.relate(t, "50", "sess-a")
	h.provider.seedSession("sess-a")
	h.uploader.fail["broken.pdf"] = true

	msg := threadMessage("101", "50", "three files", botID)
	msg.Attachments = []chat.Attachment{
		{ID: "a1", URL: "https://cdn/ok.pdf", Filename: "ok.pdf"},
		{ID: "a2", URL: "https://cdn/broken.pdf", Filename: "broken.pdf"},
		{ID: "a3", URL: "https://cdn/ok.png", Filename: "ok.png"},
	}
	h.handle(chat.MessageCreated{Message: msg})
	h.engine.Wait()

	assert.Empty(t, h.provider.appends)
	assert.Empty(t, h.provider.runs)

	replies := h.platform.repliesSnapshot()
	require.Len(t, replies, 1)
	assert.Equal(t, msg.Ref(), h.platform.replyTo[replies[0].ID])

	var body errorReply
	require.NoError(t, json.Unmarshal([]byte(replies[0].Content), &body))
	assert.Equal(t, string(llm.AttachmentUploadFailed), body.Name)
	assert.Contains(t, body.Message, "broken.pdf")
}

func TestEngine_RootEditRenamesThread(t *testing.T) {
	h := newHarness(t, DefaultOptions())
	h.relate(t, "100", "sess-a")
	h.provider.seedSession("sess-a", sessionMessage(llm.RoleUser, "old title", "100", "100"))

	h.handle(chat.MessageUpdated{Message: chat.Message{
		ID: "100", ChannelID: "general", Author: alice, Content: "new title", MentionIDs: []string{botID},
	}})
	h.engine.Wait()

	assert.Equal(t, "new title", h.platform.renamed["100"])
	replies := h.platform.repliesSnapshot()
	require.Len(t, replies, 1)
	assert.Equal(t, "100", replies[0].ChannelID)
}

func TestEngine_EditCorrelationMissIsNoop(t *testing.T) {
	h := newHarness(t, DefaultOptions())
	h.relate(t, "50", "sess-a")
	h.provider.seedSession("sess-a", sessionMessage(llm.RoleUser, "tracked", "101", "50"))

	h.handle(chat.MessageUpdated{Message: threadMessage("999", "50", "never mirrored")})
	h.engine.Wait()

	assert.Len(t, h.provider.sessions, 1)
	assert.Empty(t, h.provider.deletedSessions)
	assert.Empty(t, h.provider.runs)
	assert.Empty(t, h.platform.repliesSnapshot())
}

func TestEngine_EditInUntrackedThreadIsNoop(t *testing.T) {
	h := newHarness(t, DefaultOptions())

	h.handle(chat.MessageUpdated{Message: threadMessage("101", "60", "edited")})
	h.engine.Wait()

	assert.Empty(t, h.provider.runs)
	assert.Empty(t, h.platform.repliesSnapshot())
}

func TestEngine_RootDeleteRemovesConversation(t *testing.T) {
	h := newHarness(t, DefaultOptions())
	h.relate(t, "200", "sess-x")
	h.provider.seedSession("sess-x", sessionMessage(llm.RoleUser, "root", "200", "200"))

	h.handle(chat.MessageDeleted{ID: "200", ChannelID: "general"})

	_, found, err := h.relations.Get(context.Background(), "200")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, []string{"sess-x"}, h.provider.deletedSessions)
}

func TestEngine_ThreadDeleteRemovesSessionMessage(t *testing.T) {
	t.Run("matching message", func(t *testing.T) {
		h := newHarness(t, DefaultOptions())
		h.relate(t, "50", "sess-a")
		h.provider.seedSession("sess-a",
			sessionMessage(llm.RoleUser, "keep", "101", "50"),
			sessionMessage(llm.RoleUser, "drop", "102", "50"),
		)

		h.handle(chat.MessageDeleted{ID: "102", ChannelID: "50", InThread: true})
		h.handle(chat.MessageDeleted{ID: "555", ChannelID: "50", InThread: true})

		assert.Equal(t, []string{"keep"}, texts(h.provider.sessions["sess-a"]))
		_, found, err := h.relations.Get(context.Background(), "50")
		require.NoError(t, err)
		assert.True(t, found)
		assert.Empty(t, h.provider.deletedSessions)
	})

	t.Run("only the oldest of duplicate origins", func(t *testing.T) {
		h := newHarness(t, DefaultOptions())
		h.relate(t, "50", "sess-a")
		h.provider.seedSession("sess-a",
			sessionMessage(llm.RoleUser, "keep", "101", "50"),
			sessionMessage(llm.RoleUser, "first copy", "102", "50"),
			sessionMessage(llm.RoleUser, "second copy", "102", "50"),
		)

		h.handle(chat.MessageDeleted{ID: "102", ChannelID: "50", InThread: true})

		assert.Equal(t, []string{"keep", "second copy"}, texts(h.provider.sessions["sess-a"]))
	})
}

func TestEngine_FailureRepliesWithJSONError(t *testing.T) {
	h := newHarness(t, DefaultOptions())
	h.relate(t, "50", "sess-a")
	h.provider.seedSession("sess-a")
	h.provider.appendErr = &llm.ProviderError{Kind: llm.ProviderTerminal, Message: "boom"}

	msg := threadMessage("101", "50", "hello", botID)
	h.handle(chat.MessageCreated{Message: msg})
	h.engine.Wait()

	assert.Empty(t, h.provider.runs)
	replies := h.platform.repliesSnapshot()
	require.Len(t, replies, 1)
	assert.Equal(t, msg.Ref(), h.platform.replyTo[replies[0].ID])

	var body errorReply
	require.NoError(t, json.Unmarshal([]byte(replies[0].Content), &body))
	assert.Equal(t, string(llm.ProviderTerminal), body.Name)
	assert.Contains(t, body.Message, "boom")
}

func TestEngine_HandleRecoversPanics(t *testing.T) {
	h := newHarness(t, DefaultOptions())
	h.engine.relations = panickingStore{h.relations}

	msg := threadMessage("101", "50", "hello", botID)
	assert.NotPanics(t, func() { h.handle(chat.MessageCreated{Message: msg}) })

	replies := h.platform.repliesSnapshot()
	require.Len(t, replies, 1)
	var body errorReply
	require.NoError(t, json.Unmarshal([]byte(replies[0].Content), &body))
	assert.Equal(t, "Panic", body.Name)
}

type panickingStore struct {
	storage.RelationStore
}

func (panickingStore) Get(context.Context, string) (storage.Relation, bool, error) {
	panic("store exploded")
}
