package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"strings"
	"testing"

	"github.com/GoCodeAlone/courier/broker"
	"github.com/GoCodeAlone/courier/config"
	"github.com/GoCodeAlone/courier/provider"
	"github.com/GoCodeAlone/courier/store"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Store.Driver = "memory"
	cfg.Providers = map[string]provider.Config{"scripted": {Type: "mock"}}
	cfg.Agents = []config.AgentConfig{
		{Name: "sales", Description: "Sales agent", Active: true},
		{Name: "billing", Description: "Billing agent"},
	}
	cfg.Policies.ForbiddenKeywords = []string{"password"}
	return cfg
}

func startDaemon(t *testing.T) *daemon {
	t.Helper()
	d, err := newDaemon(context.Background(), testConfig(), quietLogger())
	if err != nil {
		t.Fatalf("newDaemon: %v", err)
	}
	t.Cleanup(d.close)
	return d
}

func TestNewDaemon_WiresAgentsAndPolicies(t *testing.T) {
	d := startDaemon(t)

	if !d.registry.IsActive("sales") || d.registry.IsActive("billing") {
		t.Errorf("active = (sales %v, billing %v), want (true, false)", d.registry.IsActive("sales"), d.registry.IsActive("billing"))
	}

	sales, ok := d.registry.Get("sales")
	if !ok {
		t.Fatal("sales not registered")
	}
	contacts := slices.Sorted(slices.Values(sales.Contacts()))
	if !slices.Equal(contacts, []string{"billing", "sales"}) {
		t.Errorf("contacts = %v, want [billing sales]", contacts)
	}

	for _, name := range []string{keywordPolicy, "anti_loop"} {
		if _, ok := d.engine.Get(name); !ok {
			t.Errorf("policy %s not installed", name)
		}
	}
}

func TestDaemon_DeliversHumanMessage(t *testing.T) {
	ctx := context.Background()
	d := startDaemon(t)

	if err := d.fromHuman(ctx, "sales", "Can I get a quote for ten seats?"); err != nil {
		t.Fatalf("fromHuman: %v", err)
	}
	pending, err := d.broker.Pending(ctx, "sales")
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if len(pending) != 1 || pending[0].Sender != humanSender {
		t.Fatalf("pending = %d, want one from %s", len(pending), humanSender)
	}

	d.loop.Tick(ctx)

	rec, err := d.broker.Get(ctx, pending[0].ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.State != store.StateProcessed {
		t.Errorf("state = %s, want processed", rec.State)
	}
}

func TestDaemon_HumanMessageRejectedByKeywordPolicy(t *testing.T) {
	d := startDaemon(t)

	err := d.fromHuman(context.Background(), "sales", "here is my password, please reset it")
	var pv *broker.PolicyViolationError
	if !errors.As(err, &pv) {
		t.Fatalf("error = %v, want *PolicyViolationError", err)
	}
	if pv.Violations[0].Policy != keywordPolicy {
		t.Errorf("policy = %s, want %s", pv.Violations[0].Policy, keywordPolicy)
	}
}

func TestBuildProviders(t *testing.T) {
	cfg := config.DefaultConfig()
	providers, def, err := buildProviders(cfg, quietLogger())
	if err != nil {
		t.Fatalf("buildProviders: %v", err)
	}
	if _, ok := providers["mock"]; def != "mock" || !ok {
		t.Errorf("default = %q, providers = %v, want the mock fallback", def, providers)
	}

	cfg.Providers = map[string]provider.Config{"x": {Type: "carrier-pigeon"}}
	if _, _, err = buildProviders(cfg, quietLogger()); err == nil || !strings.Contains(err.Error(), "unknown provider type") {
		t.Errorf("error = %v, want unknown provider type", err)
	}
}

func TestNewDaemon_UnknownAgentProvider(t *testing.T) {
	cfg := testConfig()
	cfg.Agents = append(cfg.Agents, config.AgentConfig{Name: "ops", Provider: "missing"})
	if _, err := newDaemon(context.Background(), cfg, quietLogger()); err == nil || !strings.Contains(err.Error(), "unknown provider") {
		t.Errorf("error = %v, want unknown provider", err)
	}
}
