// Package agent implements provider-backed agents that converse through the
// broker.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru"

	"github.com/GoCodeAlone/courier/broker"
	"github.com/GoCodeAlone/courier/envelope"
	"github.com/GoCodeAlone/courier/provider"
	"github.com/GoCodeAlone/courier/session"
)

const (
	defaultMaxIterations = 10
	historyWindow        = 20
	sentCacheSize        = 512
)

// Sender queues messages for other agents.
type Sender interface {
	Send(ctx context.Context, req broker.SendRequest) (*envelope.Envelope, error)
}

// Directory is the registry surface an agent needs.
type Directory interface {
	IsActive(name string) bool
	Activate(ctx context.Context, name string) error
	NamesWithShortDescriptions() map[string]string
}

// Notifier pushes text to observers of an agent.
type Notifier interface {
	Notify(ctx context.Context, agent, text string) error
}

// presence is implemented by notifiers that can tell whether anybody is
// listening.
type presence interface {
	Connected(agent string) bool
}

// Config configures an Agent. Name, Provider, Broker and Directory are
// required.
type Config struct {
	Name         string
	Description  string
	SystemPrompt string
	Contacts     []string
	Provider     provider.Provider
	// Sessions opens the transcript on activation. Default: in-memory.
	Sessions  session.Factory
	Broker    Sender
	Directory Directory
	Notifier  Notifier
	Logger    *slog.Logger
	// MaxIterations bounds provider calls per message. Default: 10.
	MaxIterations int
}

// Agent answers delivered envelopes by consulting its provider, which may
// call tools to contact other agents or a human.
type Agent struct {
	name         string
	description  string
	systemPrompt string
	provider     provider.Provider
	sessions     session.Factory
	broker       Sender
	dir          Directory
	notifier     Notifier
	logger       *slog.Logger
	maxIter      int
	tools        *Toolset
	// sent maps envelope, recipient and question to the chat tool result
	// already returned for that send.
	sent *lru.Cache

	mu         sync.Mutex
	contacts   []string
	transcript session.Transcript
}

// New creates an Agent from cfg.
func New(cfg Config) (*Agent, error) {
	if cfg.Name == "" {
		return nil, errors.New("agent name is required")
	}
	if cfg.Provider == nil {
		return nil, fmt.Errorf("agent %s: provider is required", cfg.Name)
	}
	if cfg.Broker == nil || cfg.Directory == nil {
		return nil, fmt.Errorf("agent %s: broker and directory are required", cfg.Name)
	}
	if cfg.Sessions == nil {
		cfg.Sessions = session.MemoryFactory{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = defaultMaxIterations
	}
	a := &Agent{
		name:         cfg.Name,
		description:  cfg.Description,
		systemPrompt: cfg.SystemPrompt,
		provider:     cfg.Provider,
		sessions:     cfg.Sessions,
		broker:       cfg.Broker,
		dir:          cfg.Directory,
		notifier:     cfg.Notifier,
		logger:       cfg.Logger.With(slog.String("agent", cfg.Name)),
		maxIter:      cfg.MaxIterations,
		contacts:     slices.Clone(cfg.Contacts),
	}
	sent, err := lru.New(sentCacheSize)
	if err != nil {
		return nil, err
	}
	a.sent = sent
	tools, err := NewToolset(chatTool{a}, humanTool{a})
	if err != nil {
		return nil, err
	}
	a.tools = tools
	return a, nil
}

func (a *Agent) Name() string        { return a.name }
func (a *Agent) Description() string { return a.description }

// ShortDescription is the first line of the description.
func (a *Agent) ShortDescription() string {
	first, _, _ := strings.Cut(a.description, "\n")
	return strings.TrimSpace(first)
}

func (a *Agent) Contacts() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return slices.Clone(a.contacts)
}

func (a *Agent) SetContacts(names []string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.contacts = slices.Clone(names)
}

// Activate opens the agent's transcript. Later calls are no-ops.
func (a *Agent) Activate(context.Context) error {
	_, err := a.session()
	return err
}

func (a *Agent) session() (session.Transcript, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.transcript != nil {
		return a.transcript, nil
	}
	tr, err := a.sessions.Open(a.name)
	if err != nil {
		return nil, fmt.Errorf("open session for %s: %w", a.name, err)
	}
	a.transcript = tr
	return tr, nil
}

// contactable lists the agents this one may address, excluding itself. An
// empty contact list means every registered agent.
func (a *Agent) contactable() []string {
	names := a.Contacts()
	if len(names) == 0 {
		for n := range a.dir.NamesWithShortDescriptions() {
			names = append(names, n)
		}
		sort.Strings(names)
	}
	return slices.DeleteFunc(names, func(n string) bool { return n == a.name })
}

func (a *Agent) humanConnected() bool {
	p, ok := a.notifier.(presence)
	return !ok || p.Connected(a.name)
}

func (a *Agent) buildSystemPrompt() string {
	var b strings.Builder
	if a.systemPrompt != "" {
		b.WriteString(a.systemPrompt)
	} else {
		b.WriteString("You are " + a.name + ".")
		if d := a.ShortDescription(); d != "" {
			b.WriteString(" " + d)
		}
	}
	contacts := a.contactable()
	if len(contacts) == 0 {
		return b.String()
	}
	descs := a.dir.NamesWithShortDescriptions()
	b.WriteString("\n\nYou can contact the following agents with the " + toolChatWithAgent + " tool:")
	for _, n := range contacts {
		if d := descs[n]; d != "" {
			fmt.Fprintf(&b, "\n- %s: %s", n, d)
		} else {
			fmt.Fprintf(&b, "\n- %s", n)
		}
	}
	return b.String()
}

// ProcessMessage answers env. The exchange is recorded in the transcript
// only once a reply has been produced, so a failed attempt can be retried
// cleanly. Questions queued for other agents while handling env are
// remembered, and a retry of env does not queue them again.
func (a *Agent) ProcessMessage(ctx context.Context, env *envelope.Envelope) error {
	tr, err := a.session()
	if err != nil {
		return err
	}
	prompt := fmt.Sprintf("Pending messages: %s: %s", env.Sender, env.Payload)

	hist, err := tr.LastN(historyWindow)
	if err != nil {
		return fmt.Errorf("load transcript: %w", err)
	}
	messages := make([]provider.Message, 0, len(hist)+2)
	messages = append(messages, provider.Message{Role: provider.RoleSystem, Content: a.buildSystemPrompt()})
	for _, e := range hist {
		messages = append(messages, provider.Message{Role: provider.Role(e.Role), Content: e.Content})
	}
	messages = append(messages, provider.Message{Role: provider.RoleUser, Content: prompt})

	reply, err := a.converse(withEnvelope(ctx, env), messages)
	if err != nil {
		return err
	}

	if err := tr.Append(string(provider.RoleUser), prompt); err != nil {
		return fmt.Errorf("record prompt: %w", err)
	}
	if reply == "" {
		return nil
	}
	if err := tr.Append(string(provider.RoleAssistant), reply); err != nil {
		return fmt.Errorf("record reply: %w", err)
	}
	if a.notifier != nil {
		if err := a.notifier.Notify(ctx, a.name, reply); err != nil {
			a.logger.Debug("push reply", slog.Any("err", err))
		}
	}
	return nil
}

// converse runs the tool loop and returns the final assistant text.
func (a *Agent) converse(ctx context.Context, messages []provider.Message) (string, error) {
	defs := a.tools.Definitions()
	var last string
	for i := 0; i < a.maxIter; i++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		resp, err := a.provider.Chat(ctx, messages, defs)
		if err != nil {
			return "", fmt.Errorf("%s provider: %w", a.provider.Name(), err)
		}
		last = resp.Content
		if len(resp.ToolCalls) == 0 {
			return resp.Content, nil
		}

		messages = append(messages, provider.Message{
			Role:      provider.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		for _, tc := range resp.ToolCalls {
			a.logger.Debug("executing tool", slog.String("tool", tc.Name))
			messages = append(messages, provider.Message{
				Role:       provider.RoleTool,
				Content:    a.tools.Execute(ctx, tc),
				ToolCallID: tc.ID,
			})
		}
	}
	a.logger.Warn("max iterations reached", slog.Int("iterations", a.maxIter))
	return last, nil
}
