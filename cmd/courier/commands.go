package main

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

var titleCase = cases.Title(language.English)

// --- login / status ---

func (c *Client) cmdLogin(args []string) error {
	if len(args) != 2 {
		return errors.New("usage: courier login <user> <password>")
	}
	var resp struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	if err := c.post("/api/auth/login", map[string]string{"username": args[0], "password": args[1]}, &resp); err != nil {
		return err
	}
	fmt.Fprintln(c.Out, resp.Token)
	return nil
}

func (c *Client) cmdStatus() error {
	var st struct {
		Status       string `json:"status"`
		Version      string `json:"version"`
		ServerID     string `json:"server_id"`
		Agents       int    `json:"agents"`
		ActiveAgents int    `json:"active_agents"`
		Uptime       int64  `json:"uptime_ns"`
	}
	if err := c.get("/api/status", &st); err != nil {
		return err
	}
	fmt.Fprintf(c.Out, "status:    %s\n", st.Status)
	fmt.Fprintf(c.Out, "version:   %s\n", st.Version)
	if st.ServerID != "" {
		fmt.Fprintf(c.Out, "server id: %s\n", st.ServerID)
	}
	fmt.Fprintf(c.Out, "agents:    %d (%d active)\n", st.Agents, st.ActiveAgents)
	fmt.Fprintf(c.Out, "uptime:    %s\n", time.Duration(st.Uptime).Round(time.Second))
	return nil
}

// --- agents ---

type agentInfo struct {
	Name             string   `json:"name"`
	Description      string   `json:"description"`
	ShortDescription string   `json:"short_description"`
	Contacts         []string `json:"contacts"`
	State            string   `json:"state"`
}

func (c *Client) cmdAgents() error {
	var agents []agentInfo
	if err := c.get("/api/agents", &agents); err != nil {
		return err
	}
	if len(agents) == 0 {
		fmt.Fprintln(c.Out, "no agents")
		return nil
	}
	fmt.Fprintf(c.Out, "%-20s %-10s %s\n", "NAME", "STATE", "DESCRIPTION")
	fmt.Fprintln(c.Out, strings.Repeat("-", 72))
	for _, a := range agents {
		fmt.Fprintf(c.Out, "%-20s %-10s %s\n", a.Name, titleCase.String(a.State), truncate(a.ShortDescription, 40))
	}
	return nil
}

func (c *Client) cmdAgent(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: courier agent <name>")
	}
	var a agentInfo
	if err := c.get("/api/agents/"+url.PathEscape(args[0]), &a); err != nil {
		return err
	}
	fmt.Fprintf(c.Out, "name:     %s\n", a.Name)
	fmt.Fprintf(c.Out, "state:    %s\n", titleCase.String(a.State))
	contacts := "(any)"
	if len(a.Contacts) > 0 {
		contacts = strings.Join(a.Contacts, ", ")
	}
	fmt.Fprintf(c.Out, "contacts: %s\n", contacts)
	if a.Description != "" {
		fmt.Fprintf(c.Out, "\n%s\n", a.Description)
	}
	return nil
}

func (c *Client) cmdSetActive(cmd string, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: courier %s <name>", cmd)
	}
	if err := c.post("/api/agents/"+url.PathEscape(args[0])+"/"+cmd, nil, nil); err != nil {
		return err
	}
	fmt.Fprintf(c.Out, "agent %s %sd\n", args[0], cmd)
	return nil
}

// --- messages ---

type message struct {
	ID            string    `json:"id"`
	Sender        string    `json:"sender"`
	Recipient     string    `json:"recipient"`
	Type          string    `json:"type"`
	Payload       string    `json:"payload"`
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlation_id"`
}

func (c *Client) cmdSend(args []string) error {
	if len(args) < 3 {
		return errors.New("usage: courier send <sender> <recipient> <payload>")
	}
	body := map[string]string{
		"sender":    args[0],
		"recipient": args[1],
		"payload":   strings.Join(args[2:], " "),
	}
	var m message
	if err := c.post("/api/messages", body, &m); err != nil {
		return err
	}
	fmt.Fprintf(c.Out, "queued message %s\n", m.ID)
	return nil
}

func windowFlags(fs *pflag.FlagSet) func(url.Values) {
	limit := fs.Int("limit", 20, "maximum number of results")
	since := fs.Duration("since", 0, "only show results newer than this, e.g. 1h")
	return func(q url.Values) {
		q.Set("limit", strconv.Itoa(*limit))
		if *since > 0 {
			q.Set("start", time.Now().Add(-*since).UTC().Format(time.RFC3339))
		}
	}
}

func (c *Client) cmdMessages(args []string) error {
	fs := pflag.NewFlagSet("messages", pflag.ContinueOnError)
	sender := fs.String("sender", "", "filter by sender")
	recipient := fs.String("recipient", "", "filter by recipient")
	window := windowFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	q := url.Values{}
	if *sender != "" {
		q.Set("sender", *sender)
	}
	if *recipient != "" {
		q.Set("recipient", *recipient)
	}
	window(q)
	var msgs []message
	if err := c.get("/api/messages?"+q.Encode(), &msgs); err != nil {
		return err
	}
	c.printMessages(msgs)
	return nil
}

func (c *Client) cmdConversation(args []string) error {
	fs := pflag.NewFlagSet("conversation", pflag.ContinueOnError)
	window := windowFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 2 {
		return errors.New("usage: courier conversation <a> <b>")
	}
	q := url.Values{"a": {fs.Arg(0)}, "b": {fs.Arg(1)}}
	window(q)
	var msgs []message
	if err := c.get("/api/conversations?"+q.Encode(), &msgs); err != nil {
		return err
	}
	c.printMessages(msgs)
	return nil
}

func (c *Client) printMessages(msgs []message) {
	if len(msgs) == 0 {
		fmt.Fprintln(c.Out, "no messages")
		return
	}
	fmt.Fprintf(c.Out, "%-20s %-15s %-15s %-10s %s\n", "TIME", "FROM", "TO", "TYPE", "PAYLOAD")
	fmt.Fprintln(c.Out, strings.Repeat("-", 90))
	for _, m := range msgs {
		fmt.Fprintf(c.Out, "%-20s %-15s %-15s %-10s %s\n",
			m.Timestamp.Local().Format("2006-01-02 15:04:05"),
			truncate(m.Sender, 14),
			truncate(m.Recipient, 14),
			titleCase.String(m.Type),
			truncate(m.Payload, 40),
		)
	}
}

// --- policies ---

func (c *Client) cmdPolicies() error {
	var ps []struct {
		Name     string `json:"name"`
		Kind     string `json:"kind"`
		Priority int    `json:"priority"`
		Enabled  bool   `json:"enabled"`
	}
	if err := c.get("/api/policies", &ps); err != nil {
		return err
	}
	if len(ps) == 0 {
		fmt.Fprintln(c.Out, "no policies")
		return nil
	}
	fmt.Fprintf(c.Out, "%-20s %-10s %-8s %s\n", "NAME", "KIND", "PRIORITY", "ENABLED")
	fmt.Fprintln(c.Out, strings.Repeat("-", 50))
	for _, p := range ps {
		fmt.Fprintf(c.Out, "%-20s %-10s %-8d %t\n", p.Name, titleCase.String(p.Kind), p.Priority, p.Enabled)
	}
	return nil
}

func (c *Client) cmdSetPolicy(cmd string, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: courier %s <policy>", cmd)
	}
	if err := c.post("/api/policies/"+url.PathEscape(args[0])+"/"+cmd, nil, nil); err != nil {
		return err
	}
	fmt.Fprintf(c.Out, "policy %s %sd\n", args[0], cmd)
	return nil
}

func (c *Client) cmdViolations(args []string) error {
	fs := pflag.NewFlagSet("violations", pflag.ContinueOnError)
	name := fs.String("policy", "", "filter by policy name")
	limit := fs.Int("limit", 20, "maximum number of results")
	if err := fs.Parse(args); err != nil {
		return err
	}
	q := url.Values{"limit": {strconv.Itoa(*limit)}}
	if *name != "" {
		q.Set("policy", *name)
	}
	var vs []struct {
		Policy    string    `json:"policy_name"`
		Reason    string    `json:"reason"`
		Sender    string    `json:"sender"`
		Recipient string    `json:"recipient"`
		Timestamp time.Time `json:"timestamp"`
	}
	if err := c.get("/api/violations?"+q.Encode(), &vs); err != nil {
		return err
	}
	if len(vs) == 0 {
		fmt.Fprintln(c.Out, "no violations")
		return nil
	}
	fmt.Fprintf(c.Out, "%-20s %-16s %-20s %s\n", "TIME", "POLICY", "ROUTE", "REASON")
	fmt.Fprintln(c.Out, strings.Repeat("-", 90))
	for _, v := range vs {
		fmt.Fprintf(c.Out, "%-20s %-16s %-20s %s\n",
			v.Timestamp.Local().Format("2006-01-02 15:04:05"),
			truncate(v.Policy, 15),
			truncate(v.Sender+"->"+v.Recipient, 19),
			truncate(v.Reason, 40),
		)
	}
	return nil
}

// --- metrics ---

func (c *Client) cmdMetrics(args []string) error {
	fs := pflag.NewFlagSet("metrics", pflag.ContinueOnError)
	agentName := fs.String("agent", "", "only show this agent")
	if err := fs.Parse(args); err != nil {
		return err
	}
	path := "/api/metrics"
	if *agentName != "" {
		path += "?agent=" + url.QueryEscape(*agentName)
	}
	var ms []struct {
		Agent string  `json:"agent"`
		Name  string  `json:"name"`
		Value float64 `json:"value"`
	}
	if err := c.get(path, &ms); err != nil {
		return err
	}
	if len(ms) == 0 {
		fmt.Fprintln(c.Out, "no metrics")
		return nil
	}
	fmt.Fprintf(c.Out, "%-20s %-22s %s\n", "AGENT", "METRIC", "VALUE")
	fmt.Fprintln(c.Out, strings.Repeat("-", 55))
	for _, m := range ms {
		fmt.Fprintf(c.Out, "%-20s %-22s %g\n", m.Agent, m.Name, m.Value)
	}
	return nil
}

// --- helpers ---

func truncate(s string, n int) string {
	r := []rune(strings.ReplaceAll(s, "\n", " "))
	if len(r) <= n {
		return string(r)
	}
	return string(r[:n-1]) + "…"
}
