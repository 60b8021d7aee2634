package equipment

import (
	"context"
	"fmt"
	"strings"
)

// Rule names the resolver rule that identified an instrument.
type Rule string

const (
	RuleNone   Rule = ""
	RuleHost   Rule = "host"
	RuleSender Rule = "sender"
)

// Query is what the engine knows about the sender of a message.
type Query struct {
	Peer        string // remote IP address
	Application string // MSH-3
	Facility    string // MSH-4
}

// ResolveOutcome is the result of resolving the sending instrument. A nil
// Instrument means unresolved.
type ResolveOutcome struct {
	Instrument *Instrument
	Rule       Rule
}

// Resolved reports whether an instrument was found.
func (o ResolveOutcome) Resolved() bool {
	return o.Instrument != nil
}

// Code returns the instrument code, or "" when unresolved.
func (o ResolveOutcome) Code() string {
	if o.Instrument == nil {
		return ""
	}
	return o.Instrument.Code
}

type rule struct {
	name  Rule
	match func(ctx context.Context, q Query) (*Instrument, error)
}

// Resolver identifies the instrument behind a message by trying its rules in
// order: exact peer address, then sender application/facility.
type Resolver struct {
	repo  Repository
	rules []rule
}

func NewResolver(repo Repository) *Resolver {
	r := &Resolver{repo: repo}
	r.rules = []rule{
		{name: RuleHost, match: r.byHost},
		{name: RuleSender, match: r.bySender},
	}
	return r
}

// Resolve returns the first instrument any rule finds. Not finding one is
// not an error.
func (r *Resolver) Resolve(ctx context.Context, q Query) (ResolveOutcome, error) {
	for _, rl := range r.rules {
		in, err := rl.match(ctx, q)
		if err != nil {
			return ResolveOutcome{}, fmt.Errorf("resolve equipment (%s): %w", rl.name, err)
		}
		if in != nil {
			return ResolveOutcome{Instrument: in, Rule: rl.name}, nil
		}
	}
	return ResolveOutcome{}, nil
}

func (r *Resolver) byHost(ctx context.Context, q Query) (*Instrument, error) {
	host := strings.TrimSpace(q.Peer)
	if host == "" {
		return nil, nil
	}
	items, err := r.repo.ListActiveByHost(ctx, host)
	if err != nil {
		return nil, err
	}
	return lowestID(items, func(*Instrument) bool { return true }), nil
}

func (r *Resolver) bySender(ctx context.Context, q Query) (*Instrument, error) {
	app := strings.TrimSpace(q.Application)
	fac := strings.TrimSpace(q.Facility)
	if app == "" && fac == "" {
		return nil, nil
	}
	items, err := r.repo.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	return lowestID(items, func(in *Instrument) bool {
		if fac != "" && !matchesAny(fac, in.Code, in.Model, in.Name) {
			return false
		}
		if app != "" && !matchesAny(app, in.Code, in.Manufacturer, in.Name) {
			return false
		}
		return true
	}), nil
}

// matchesAny reports whether s and any non-empty candidate contain one
// another, ignoring case.
func matchesAny(s string, candidates ...string) bool {
	s = strings.ToLower(s)
	for _, c := range candidates {
		c = strings.ToLower(strings.TrimSpace(c))
		if c == "" {
			continue
		}
		if strings.Contains(s, c) || strings.Contains(c, s) {
			return true
		}
	}
	return false
}

func lowestID(items []*Instrument, keep func(*Instrument) bool) *Instrument {
	var best *Instrument
	for _, in := range items {
		if !in.Active || !keep(in) {
			continue
		}
		if best == nil || in.ID < best.ID {
			best = in
		}
	}
	return best
}
