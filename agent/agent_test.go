package agent

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/GoCodeAlone/courier/broker"
	"github.com/GoCodeAlone/courier/envelope"
	"github.com/GoCodeAlone/courier/policy"
	"github.com/GoCodeAlone/courier/provider"
	"github.com/GoCodeAlone/courier/provider/mock"
	"github.com/GoCodeAlone/courier/registry"
	"github.com/GoCodeAlone/courier/session"
	"github.com/GoCodeAlone/courier/store"
	"github.com/GoCodeAlone/courier/telemetry"
)

type pushRecorder struct {
	mu        sync.Mutex
	connected bool
	pushed    []string
}

func (p *pushRecorder) Notify(_ context.Context, agent, text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pushed = append(p.pushed, agent+": "+text)
	return nil
}

func (p *pushRecorder) Connected(string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

type world struct {
	reg    *registry.Registry
	broker *broker.Broker
	push   *pushRecorder
	tr     *session.Memory
}

func (w *world) Open(string) (session.Transcript, error) { return w.tr, nil }

func newWorld(t *testing.T, policies ...policy.Policy) *world {
	t.Helper()
	engine := policy.NewEngine(policy.EngineConfig{})
	for _, p := range policies {
		if err := engine.Add(p); err != nil {
			t.Fatalf("Add(%s): %v", p.Name, err)
		}
	}
	w := &world{reg: registry.New(telemetry.Nop{}, nil), push: &pushRecorder{connected: true}, tr: session.NewMemory()}
	w.broker = broker.New(broker.Config{Store: store.NewMemoryStore(), Directory: w.reg, Policies: engine})
	return w
}

func (w *world) add(t *testing.T, cfg Config) *Agent {
	t.Helper()
	cfg.Broker = w.broker
	cfg.Directory = w.reg
	cfg.Notifier = w.push
	if cfg.Provider == nil {
		cfg.Provider = mock.New()
	}
	a, err := New(cfg)
	if err != nil {
		t.Fatalf("New(%s): %v", cfg.Name, err)
	}
	if err := w.reg.Register(context.Background(), a); err != nil {
		t.Fatalf("Register(%s): %v", cfg.Name, err)
	}
	return a
}

func incoming(from, to, payload string) *envelope.Envelope {
	return envelope.New(envelope.Options{Sender: from, Recipient: to, Payload: payload})
}

// lastToolResult returns the tool message fed back on the n-th provider call.
func lastToolResult(t *testing.T, p *mock.MockProvider, call int) string {
	t.Helper()
	calls := p.Calls()
	if len(calls) <= call {
		t.Fatalf("provider called %d times, want more than %d", len(calls), call)
	}
	msgs := calls[call]
	last := msgs[len(msgs)-1]
	if last.Role != provider.RoleTool {
		t.Fatalf("last message role = %s, want tool", last.Role)
	}
	return last.Content
}

func process(t *testing.T, a *Agent, env *envelope.Envelope) {
	t.Helper()
	if err := a.ProcessMessage(context.Background(), env); err != nil {
		t.Fatalf("ProcessMessage: %v", err)
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("New accepted an empty config")
	}
	if _, err := New(Config{Name: "a", Provider: mock.New()}); err == nil {
		t.Error("New accepted a config without broker and directory")
	}
}

func TestDescriptions(t *testing.T) {
	w := newWorld(t)
	a := w.add(t, Config{Name: "sales", Description: "Handles quotes.\nLonger detail here."})
	if got := a.ShortDescription(); got != "Handles quotes." {
		t.Errorf("ShortDescription = %q", got)
	}
	if got := a.Description(); got != "Handles quotes.\nLonger detail here." {
		t.Errorf("Description = %q", got)
	}
}

func TestContactable_ExcludesSelf(t *testing.T) {
	w := newWorld(t)
	a := w.add(t, Config{Name: "A"})
	w.add(t, Config{Name: "B"})
	w.add(t, Config{Name: "C"})
	w.reg.PopulateDefaultContactLists()

	if got := a.Contacts(); !slices.Equal(got, []string{"A", "B", "C"}) {
		t.Errorf("Contacts = %v, want [A B C]", got)
	}
	if got := a.contactable(); !slices.Equal(got, []string{"B", "C"}) {
		t.Errorf("contactable = %v, want [B C]", got)
	}
}

func TestProcessMessage_Reply(t *testing.T) {
	w := newWorld(t)
	p := mock.New("Hello Bob, the report is ready.")
	a := w.add(t, Config{Name: "A", Description: "Reporting agent", SystemPrompt: "You write reports.", Contacts: []string{"B"}, Provider: p, Sessions: w})
	w.add(t, Config{Name: "B", Description: "Billing agent"})
	if err := a.Activate(context.Background()); err != nil {
		t.Fatalf("Activate: %v", err)
	}

	process(t, a, incoming("B", "A", "is the report done?"))

	entries, _ := w.tr.LastN(0)
	if len(entries) != 2 {
		t.Fatalf("transcript entries = %d, want 2", len(entries))
	}
	if entries[0].Content != "Pending messages: B: is the report done?" {
		t.Errorf("prompt = %q", entries[0].Content)
	}
	if entries[1].Content != "Hello Bob, the report is ready." {
		t.Errorf("reply = %q", entries[1].Content)
	}
	if !slices.Equal(w.push.pushed, []string{"A: Hello Bob, the report is ready."}) {
		t.Errorf("pushed = %v", w.push.pushed)
	}

	system := p.Calls()[0][0]
	if system.Role != provider.RoleSystem {
		t.Fatalf("first message role = %s, want system", system.Role)
	}
	for _, want := range []string{"You write reports.", "- B: Billing agent"} {
		if !strings.Contains(system.Content, want) {
			t.Errorf("system prompt missing %q:\n%s", want, system.Content)
		}
	}
}

func TestProcessMessage_HistoryCarriesOver(t *testing.T) {
	w := newWorld(t)
	p := mock.New("first answer", "second answer")
	a := w.add(t, Config{Name: "A", Provider: p, Sessions: w})

	process(t, a, incoming("B", "A", "one"))
	process(t, a, incoming("B", "A", "two"))

	second := p.Calls()[1]
	if len(second) != 4 {
		t.Fatalf("second call messages = %d, want 4", len(second))
	}
	if second[2].Content != "first answer" || second[3].Content != "Pending messages: B: two" {
		t.Errorf("history = %q, %q", second[2].Content, second[3].Content)
	}
}

func TestProcessMessage_ProviderFailureLeavesTranscript(t *testing.T) {
	w := newWorld(t)
	a := w.add(t, Config{Name: "A", Provider: mock.NewScripted(mock.Fail(errors.New("overloaded"))), Sessions: w})

	err := a.ProcessMessage(context.Background(), incoming("B", "A", "hello"))
	if err == nil || !strings.Contains(err.Error(), "overloaded") {
		t.Errorf("error = %v, want the provider failure", err)
	}
	if entries, _ := w.tr.LastN(0); len(entries) != 0 {
		t.Errorf("transcript entries = %d, want 0", len(entries))
	}
	if len(w.push.pushed) != 0 {
		t.Errorf("pushed = %v, want nothing", w.push.pushed)
	}
}

func TestProcessMessage_RetryDoesNotRequeueQuestions(t *testing.T) {
	w := newWorld(t)
	ask := mock.CallTool("c1", toolChatWithAgent, map[string]any{"agent_type": "B", "question": "what is the invoice total?"})
	p := mock.NewScripted(ask, mock.Fail(errors.New("overloaded")), ask, mock.Text("asked B"))
	a := w.add(t, Config{Name: "A", Provider: p})
	w.add(t, Config{Name: "B"})
	ctx := context.Background()
	env := incoming("C", "A", "find the invoice total")

	if err := a.ProcessMessage(ctx, env); err == nil {
		t.Fatal("first attempt succeeded, want the provider failure")
	}
	process(t, a, env)

	pending, err := w.broker.Pending(ctx, "B")
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if len(pending) != 1 {
		t.Errorf("questions queued for B = %d, want 1", len(pending))
	}
	if got := lastToolResult(t, p, 3); !strings.Contains(got, "in the queue for the agent of type B") {
		t.Errorf("retried tool result = %q", got)
	}
}

func TestChatWithAgent_QueuesCorrelatedQuestion(t *testing.T) {
	w := newWorld(t)
	p := mock.NewScripted(
		mock.CallTool("c1", toolChatWithAgent, map[string]any{"agent_type": "B", "question": "what is the invoice total?"}),
		mock.Text("asked B"),
	)
	a := w.add(t, Config{Name: "A", Provider: p})
	w.add(t, Config{Name: "B"})
	ctx := context.Background()
	env := incoming("C", "A", "find the invoice total")

	process(t, a, env)

	want := "I have put the question 'what is the invoice total?' in the queue for the agent of type B. You will hear back soon."
	if got := lastToolResult(t, p, 1); got != want {
		t.Errorf("tool result = %q, want %q", got, want)
	}
	if !w.reg.IsActive("B") {
		t.Error("target was not activated on demand")
	}

	pending, err := w.broker.Pending(ctx, "B")
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("pending = %d, want 1", len(pending))
	}
	if pending[0].Sender != "A" || pending[0].CorrelationID != env.ID {
		t.Errorf("queued = (%s, %s), want (A, %s)", pending[0].Sender, pending[0].CorrelationID, env.ID)
	}
}

func TestChatWithAgent_NotAContact(t *testing.T) {
	w := newWorld(t)
	p := mock.NewScripted(
		mock.CallTool("c1", toolChatWithAgent, map[string]any{"agent_type": "B", "question": "hello there B"}),
		mock.Text("ok"),
	)
	a := w.add(t, Config{Name: "A", Provider: p, Contacts: []string{"C"}})
	w.add(t, Config{Name: "B"})
	w.add(t, Config{Name: "C"})

	process(t, a, incoming("C", "A", "go"))
	if got := lastToolResult(t, p, 1); got != "Agent B is not in your contact list." {
		t.Errorf("tool result = %q", got)
	}
}

func TestChatWithAgent_PolicyRejection(t *testing.T) {
	w := newWorld(t, policy.NewHeuristic("message_length", "", 50, policy.MessageLength(10, 4000)))
	p := mock.NewScripted(
		mock.CallTool("c1", toolChatWithAgent, map[string]any{"agent_type": "B", "question": "hi"}),
		mock.Text("ok"),
	)
	a := w.add(t, Config{Name: "A", Provider: p})
	w.add(t, Config{Name: "B"})

	process(t, a, incoming("C", "A", "go"))
	result := lastToolResult(t, p, 1)
	for _, want := range []string{"message_length", "Revise the message"} {
		if !strings.Contains(result, want) {
			t.Errorf("tool result missing %q: %q", want, result)
		}
	}
}

func TestChatWithAgent_MissingArgument(t *testing.T) {
	w := newWorld(t)
	p := mock.NewScripted(mock.CallTool("c1", toolChatWithAgent, map[string]any{"agent_type": "B"}), mock.Text("ok"))
	a := w.add(t, Config{Name: "A", Provider: p})
	w.add(t, Config{Name: "B"})

	process(t, a, incoming("C", "A", "go"))
	if got := lastToolResult(t, p, 1); !strings.Contains(got, `missing argument "question"`) {
		t.Errorf("tool result = %q", got)
	}
}

func TestContactHuman(t *testing.T) {
	w := newWorld(t)
	p := mock.NewScripted(mock.CallTool("h1", toolContactHuman, map[string]any{"message": "please approve"}), mock.Text("waiting"))
	a := w.add(t, Config{Name: "A", Provider: p})

	process(t, a, incoming("B", "A", "needs approval"))
	if got := lastToolResult(t, p, 1); got != humanNotified {
		t.Errorf("tool result = %q, want %q", got, humanNotified)
	}
	if !slices.Contains(w.push.pushed, "A: please approve") {
		t.Errorf("pushed = %v", w.push.pushed)
	}
}

func TestContactHuman_NobodyListening(t *testing.T) {
	w := newWorld(t)
	w.push.connected = false
	p := mock.NewScripted(mock.CallTool("h1", toolContactHuman, map[string]any{"message": "anyone?"}), mock.Text("waiting"))
	a := w.add(t, Config{Name: "A", Provider: p})

	process(t, a, incoming("B", "A", "needs approval"))
	if got := lastToolResult(t, p, 1); !strings.Contains(got, "No human is connected") {
		t.Errorf("tool result = %q", got)
	}
}

func TestConverse_BoundedIterations(t *testing.T) {
	w := newWorld(t)
	p := mock.NewScripted(mock.CallTool("h1", "unknown_tool", nil))
	a := w.add(t, Config{Name: "A", Provider: p, MaxIterations: 3})

	process(t, a, incoming("B", "A", "loop forever"))
	if n := len(p.Calls()); n != 3 {
		t.Errorf("provider calls = %d, want 3", n)
	}
	if got := lastToolResult(t, p, 1); !strings.Contains(got, `unknown tool "unknown_tool"`) {
		t.Errorf("tool result = %q", got)
	}
}

func TestFactory_Build(t *testing.T) {
	w := newWorld(t)
	f := &Factory{
		Providers:       map[string]provider.Provider{"default": mock.New(), "alt": mock.New()},
		DefaultProvider: "default",
		Broker:          w.broker,
		Directory:       w.reg,
	}
	a, err := f.Build(Spec{Name: "ops", Description: "Operations"})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if a.Name() != "ops" {
		t.Errorf("Name = %q, want ops", a.Name())
	}

	if _, err := f.Build(Spec{Name: "x", Provider: "missing"}); err == nil {
		t.Error("Build accepted an unknown provider")
	}
}
