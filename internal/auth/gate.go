package auth

import (
	"log/slog"
	"time"

	"github.com/liveframe/liveframe/internal/metrics"
)

// Decision is an authorization outcome. Reason is the only user-facing
// explanation for a denial.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

func allow() Decision             { return Decision{Allowed: true} }
func deny(reason string) Decision { return Decision{Allowed: false, Reason: reason} }

// Auditor records denials for the audit trail. May be nil.
type Auditor interface {
	RecordDenial(kind, userID, subject, reason string, at time.Time)
}

// Gate evaluates declarative component rules and consults the resolving
// provider's optional authorizer capabilities.
type Gate struct {
	manager *Manager
	rules   *RuleSet
	audit   Auditor
	log     *slog.Logger
}

// NewGate creates a Gate. audit may be nil.
func NewGate(manager *Manager, rules *RuleSet, audit Auditor, log *slog.Logger) *Gate {
	if rules == nil {
		rules = NewRuleSet()
	}
	return &Gate{manager: manager, rules: rules, audit: audit, log: log}
}

// Rules exposes the rule set for registration-time configuration.
func (g *Gate) Rules() *RuleSet { return g.rules }

// AuthorizeComponent decides whether the context may mount the component.
func (g *Gate) AuthorizeComponent(ac *Context, component string) Decision {
	cr := g.rules.For(component)
	var rule *Rule
	if cr != nil {
		rule = cr.Mount
	}
	if ok, reason := rule.evaluate(ac); !ok {
		return g.denied("mount", ac, component, reason)
	}
	metrics.AuthDecisions.WithLabelValues("mount", "allowed").Inc()
	return allow()
}

// AuthorizeAction decides whether the context may invoke the action.
// After the declarative rule passes, the provider that resolved the
// context is consulted when it implements ActionAuthorizer.
func (g *Gate) AuthorizeAction(ac *Context, component, action string) Decision {
	cr := g.rules.For(component)
	var rule *Rule
	if cr != nil && cr.Actions != nil {
		rule = cr.Actions[action]
	}
	if ok, reason := rule.evaluate(ac); !ok {
		return g.denied("action", ac, component+"."+action, reason)
	}

	if p := g.resolvingProvider(ac); p != nil {
		if authorizer, ok := p.(ActionAuthorizer); ok {
			if ok, reason := authorizer.AuthorizeAction(ac, component, action); !ok {
				if reason == "" {
					reason = "denied by provider"
				}
				return g.denied("action", ac, component+"."+action, reason)
			}
		}
	}
	metrics.AuthDecisions.WithLabelValues("action", "allowed").Inc()
	return allow()
}

// AuthorizeRoom decides whether the context may join the room. A
// provider without RoomAuthorizer allows the join.
func (g *Gate) AuthorizeRoom(ac *Context, roomID string) Decision {
	if p := g.resolvingProvider(ac); p != nil {
		if authorizer, ok := p.(RoomAuthorizer); ok {
			if ok, reason := authorizer.AuthorizeRoom(ac, roomID); !ok {
				if reason == "" {
					reason = "denied by provider"
				}
				return g.denied("room", ac, roomID, reason)
			}
		}
	}
	metrics.AuthDecisions.WithLabelValues("room", "allowed").Inc()
	return allow()
}

func (g *Gate) resolvingProvider(ac *Context) Provider {
	if ac == nil || ac.Provider == "" {
		return nil
	}
	p, _ := g.manager.Provider(ac.Provider)
	return p
}

func (g *Gate) denied(surface string, ac *Context, subject, reason string) Decision {
	metrics.AuthDecisions.WithLabelValues(surface, "denied").Inc()
	userID := ""
	if ac != nil {
		userID = ac.UserID
	}
	g.log.Info("authorization denied", "surface", surface, "subject", subject, "user", userID, "reason", reason)
	if g.audit != nil {
		g.audit.RecordDenial("auth_denied", userID, subject, reason, time.Now())
	}
	return deny(reason)
}
