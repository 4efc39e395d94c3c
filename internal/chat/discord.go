package chat

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/bwmarrin/discordgo"
	"github.com/charmbracelet/log"
	"github.com/entrepeneur4lyf/threadbridge/internal/events"
)

// ErrNotFound is returned when the addressed message or channel is gone
var ErrNotFound = errors.New("chat: not found")

const historyPageSize = 100

// DiscordOptions configures the Discord adapter
type DiscordOptions struct {
	Token string
	// Status is shown as the bot's custom status once connected.
	Status string
	Logger *log.Logger
}

// Discord implements Platform over the Discord gateway and REST API and
// publishes gateway message events as Event values
type Discord struct {
	session   *discordgo.Session
	publisher events.Publisher[Event]
	logger    *log.Logger
	status    string

	// threads caches whether a channel id is a thread.
	threads sync.Map
	ready   atomic.Bool
}

var _ Platform = (*Discord)(nil)

// NewDiscord creates the adapter. Call Open to connect.
func NewDiscord(opts DiscordOptions, publisher events.Publisher[Event]) (*Discord, error) {
	if opts.Token == "" {
		return nil, fmt.Errorf("discord token is required")
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}

	session, err := discordgo.New("Bot " + opts.Token)
	if err != nil {
		return nil, fmt.Errorf("failed to create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentMessageContent

	d := &Discord{
		session:   session,
		publisher: publisher,
		logger:    opts.Logger.With("component", "discord"),
		status:    opts.Status,
	}

	session.AddHandler(d.onReady)
	session.AddHandler(d.onDisconnect)
	session.AddHandler(d.onMessageCreate)
	session.AddHandler(d.onMessageUpdate)
	session.AddHandler(d.onMessageDelete)
	session.AddHandler(d.onThreadCreate)

	return d, nil
}

// Open connects to the gateway
func (d *Discord) Open() error {
	if err := d.session.Open(); err != nil {
		return fmt.Errorf("failed to open discord gateway: %w", err)
	}
	return nil
}

// Close disconnects from the gateway
func (d *Discord) Close() error {
	d.ready.Store(false)
	return d.session.Close()
}

// Ready reports whether the gateway session is established
func (d *Discord) Ready() bool {
	return d.ready.Load()
}

func (d *Discord) BotUserID() string {
	if d.session.State == nil || d.session.State.User == nil {
		return ""
	}
	return d.session.State.User.ID
}

func (d *Discord) onReady(s *discordgo.Session, r *discordgo.Ready) {
	d.ready.Store(true)
	d.logger.Info("connected to discord", "user", r.User.Username, "guilds", len(r.Guilds))

	if d.status != "" {
		if err := s.UpdateCustomStatus(d.status); err != nil {
			d.logger.Warn("failed to set status", "err", err)
		}
	}
}

func (d *Discord) onDisconnect(_ *discordgo.Session, _ *discordgo.Disconnect) {
	d.ready.Store(false)
	d.logger.Warn("disconnected from discord")
}

func (d *Discord) onThreadCreate(_ *discordgo.Session, t *discordgo.ThreadCreate) {
	if t.Channel != nil {
		d.threads.Store(t.ID, true)
	}
}

func (d *Discord) onMessageCreate(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Message == nil {
		return
	}
	d.publish(events.ChatMessageCreated, MessageCreated{Message: convertMessage(m.Message, d.isThread(m.ChannelID))})
}

func (d *Discord) onMessageUpdate(_ *discordgo.Session, m *discordgo.MessageUpdate) {
	if m.Message == nil {
		return
	}
	// Embed unfurls and pin changes also arrive as updates; only author
	// edits carry an edit timestamp.
	if m.EditedTimestamp == nil {
		d.logger.Debug("ignoring non-edit message update", "message", m.ID)
		return
	}
	d.publish(events.ChatMessageUpdated, MessageUpdated{Message: convertMessage(m.Message, d.isThread(m.ChannelID))})
}

func (d *Discord) onMessageDelete(_ *discordgo.Session, m *discordgo.MessageDelete) {
	if m.Message == nil {
		return
	}
	d.publish(events.ChatMessageDeleted, MessageDeleted{
		ID:        m.ID,
		ChannelID: m.ChannelID,
		GuildID:   m.GuildID,
		InThread:  d.isThread(m.ChannelID),
	})
}

func (d *Discord) publish(eventType events.EventType, ev Event) {
	if err := ev.Validate(); err != nil {
		// Partial updates may omit the author.
		d.logger.Debug("ignoring gateway event", "kind", ev.Kind(), "err", err)
		return
	}
	d.publisher.Publish(eventType, ev, events.WithKey(ev.ThreadKey()))
}

// isThread resolves a channel's kind from the state cache, falling back to
// the REST API
func (d *Discord) isThread(channelID string) bool {
	if v, ok := d.threads.Load(channelID); ok {
		return v.(bool)
	}

	ch, err := d.session.State.Channel(channelID)
	if err != nil {
		ch, err = d.session.Channel(channelID)
	}
	if err != nil {
		d.logger.Warn("failed to resolve channel", "channel", channelID, "err", err)
		return false
	}

	d.threads.Store(channelID, ch.IsThread())
	return ch.IsThread()
}

func (d *Discord) Reply(ctx context.Context, to MessageRef, content string, embeds ...Embed) (Message, error) {
	failIfNotExists := false
	msg, err := d.session.ChannelMessageSendComplex(to.ChannelID, &discordgo.MessageSend{
		Content: content,
		Embeds:  toDiscordEmbeds(embeds),
		Reference: &discordgo.MessageReference{
			MessageID:       to.MessageID,
			ChannelID:       to.ChannelID,
			FailIfNotExists: &failIfNotExists,
		},
		AllowedMentions: &discordgo.MessageAllowedMentions{},
	}, discordgo.WithContext(ctx))
	if err != nil {
		return Message{}, wrapRESTError("failed to send reply", err)
	}
	return convertMessage(msg, d.isThread(to.ChannelID)), nil
}

func (d *Discord) Send(ctx context.Context, channelID, content string, embeds ...Embed) (Message, error) {
	msg, err := d.session.ChannelMessageSendComplex(channelID, &discordgo.MessageSend{
		Content:         content,
		Embeds:          toDiscordEmbeds(embeds),
		AllowedMentions: &discordgo.MessageAllowedMentions{},
	}, discordgo.WithContext(ctx))
	if err != nil {
		return Message{}, wrapRESTError("failed to send message", err)
	}
	return convertMessage(msg, d.isThread(channelID)), nil
}

func (d *Discord) Edit(ctx context.Context, ref MessageRef, content string, embeds ...Embed) (Message, error) {
	edit := discordgo.NewMessageEdit(ref.ChannelID, ref.MessageID).SetContent(content)
	if len(embeds) > 0 {
		out := toDiscordEmbeds(embeds)
		edit.Embeds = &out
	}

	msg, err := d.session.ChannelMessageEditComplex(edit, discordgo.WithContext(ctx))
	if err != nil {
		return Message{}, wrapRESTError("failed to edit message", err)
	}
	return convertMessage(msg, d.isThread(ref.ChannelID)), nil
}

func (d *Discord) React(ctx context.Context, ref MessageRef, emoji string) error {
	if err := d.session.MessageReactionAdd(ref.ChannelID, ref.MessageID, emoji, discordgo.WithContext(ctx)); err != nil {
		return wrapRESTError("failed to add reaction", err)
	}
	return nil
}

func (d *Discord) Delete(ctx context.Context, ref MessageRef) error {
	if err := d.session.ChannelMessageDelete(ref.ChannelID, ref.MessageID, discordgo.WithContext(ctx)); err != nil {
		return wrapRESTError("failed to delete message", err)
	}
	return nil
}

func (d *Discord) Pin(ctx context.Context, ref MessageRef) error {
	if err := d.session.ChannelMessagePin(ref.ChannelID, ref.MessageID, discordgo.WithContext(ctx)); err != nil {
		return wrapRESTError("failed to pin message", err)
	}
	return nil
}

func (d *Discord) CreateThread(ctx context.Context, from MessageRef, name string) (Channel, error) {
	ch, err := d.session.MessageThreadStartComplex(from.ChannelID, from.MessageID, &discordgo.ThreadStart{
		Name:                ThreadName(name, from.MessageID),
		AutoArchiveDuration: ThreadArchiveMins,
	}, discordgo.WithContext(ctx))
	if err != nil {
		return Channel{}, wrapRESTError("failed to create thread", err)
	}
	d.threads.Store(ch.ID, true)
	return convertChannel(ch), nil
}

func (d *Discord) RenameThread(ctx context.Context, threadID, name string) error {
	_, err := d.session.ChannelEdit(threadID, &discordgo.ChannelEdit{
		Name: ThreadName(name, threadID),
	}, discordgo.WithContext(ctx))
	if err != nil {
		return wrapRESTError("failed to rename thread", err)
	}
	return nil
}

func (d *Discord) FetchHistory(ctx context.Context, channelID string, limit int) ([]Message, error) {
	inThread := d.isThread(channelID)

	var out []Message
	before := ""
	for len(out) < limit {
		n := min(historyPageSize, limit-len(out))
		batch, err := d.session.ChannelMessages(channelID, n, before, "", "", discordgo.WithContext(ctx))
		if err != nil {
			return nil, wrapRESTError("failed to fetch history", err)
		}
		for _, m := range batch {
			out = append(out, convertMessage(m, inThread))
		}
		if len(batch) < n {
			break
		}
		before = batch[len(batch)-1].ID
	}

	// The API pages newest first.
	slices.Reverse(out)
	return out, nil
}

func (d *Discord) FetchPinned(ctx context.Context, channelID string) ([]Message, error) {
	pinned, err := d.session.ChannelMessagesPinned(channelID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, wrapRESTError("failed to fetch pinned messages", err)
	}
	inThread := d.isThread(channelID)
	out := make([]Message, 0, len(pinned))
	for _, m := range pinned {
		out = append(out, convertMessage(m, inThread))
	}
	slices.Reverse(out)
	return out, nil
}

func (d *Discord) Channel(ctx context.Context, channelID string) (Channel, error) {
	ch, err := d.session.State.Channel(channelID)
	if err != nil {
		ch, err = d.session.Channel(channelID, discordgo.WithContext(ctx))
		if err != nil {
			return Channel{}, wrapRESTError("failed to fetch channel", err)
		}
	}
	return convertChannel(ch), nil
}

func (d *Discord) Typing(ctx context.Context, channelID string) error {
	if err := d.session.ChannelTyping(channelID, discordgo.WithContext(ctx)); err != nil {
		return wrapRESTError("failed to send typing", err)
	}
	return nil
}

// convertMessage maps a gateway message to the DTO, rendering mentions as
// @names
func convertMessage(m *discordgo.Message, inThread bool) Message {
	msg := Message{
		ID:               m.ID,
		ChannelID:        m.ChannelID,
		GuildID:          m.GuildID,
		Content:          m.ContentWithMentionsReplaced(),
		Timestamp:        m.Timestamp,
		EditedAt:         m.EditedTimestamp,
		MentionsEveryone: m.MentionEveryone,
		InThread:         inThread,
	}
	if m.Author != nil {
		msg.Author = User{ID: m.Author.ID, Name: m.Author.Username, Bot: m.Author.Bot}
	}
	for _, u := range m.Mentions {
		if u != nil {
			msg.MentionIDs = append(msg.MentionIDs, u.ID)
		}
	}
	for _, a := range m.Attachments {
		if a == nil {
			continue
		}
		msg.Attachments = append(msg.Attachments, Attachment{
			ID:          a.ID,
			URL:         a.URL,
			Filename:    a.Filename,
			ContentType: a.ContentType,
			Size:        a.Size,
		})
	}
	if m.ReferencedMessage != nil {
		ref := convertMessage(m.ReferencedMessage, false)
		ref.Referenced = nil
		msg.Referenced = &ref
	}
	return msg
}

func convertChannel(ch *discordgo.Channel) Channel {
	return Channel{
		ID:       ch.ID,
		ParentID: ch.ParentID,
		Name:     ch.Name,
		OwnerID:  ch.OwnerID,
		IsThread: ch.IsThread(),
	}
}

func toDiscordEmbeds(embeds []Embed) []*discordgo.MessageEmbed {
	if len(embeds) == 0 {
		return nil
	}
	out := make([]*discordgo.MessageEmbed, 0, len(embeds))
	for _, e := range embeds {
		embed := &discordgo.MessageEmbed{Title: e.Title, Description: e.Description}
		if e.Footer != "" {
			embed.Footer = &discordgo.MessageEmbedFooter{Text: e.Footer}
		}
		out = append(out, embed)
	}
	return out
}

func wrapRESTError(action string, err error) error {
	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) && restErr.Response != nil && restErr.Response.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%s: %w: %w", action, ErrNotFound, err)
	}
	return fmt.Errorf("%s: %w", action, err)
}
