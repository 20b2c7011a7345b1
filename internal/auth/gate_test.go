package auth

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"
)

// fakeProvider authenticates any credentials carrying its expected key.
type fakeProvider struct {
	name       string
	ctx        *Context
	err        error
	panics     bool
	actionDeny string // when non-empty, AuthorizeAction denies with this reason
	roomDeny   string
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Authenticate(_ context.Context, creds Credentials) (*Context, error) {
	if f.panics {
		panic("provider exploded")
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.ctx, nil
}

func (f *fakeProvider) AuthorizeAction(ac *Context, component, action string) (bool, string) {
	if f.actionDeny != "" {
		return false, f.actionDeny
	}
	return true, ""
}

func (f *fakeProvider) AuthorizeRoom(ac *Context, roomID string) (bool, string) {
	if f.roomDeny != "" {
		return false, f.roomDeny
	}
	return true, ""
}

func authedCtx(user string, roles, perms []string) *Context {
	return &Context{
		Authenticated: true,
		UserID:        user,
		Roles:         roles,
		Permissions:   perms,
		IssuedAt:      time.Now(),
	}
}

func TestCapabilityPredicates(t *testing.T) {
	t.Run("anonymous fails everything", func(t *testing.T) {
		anon := Anonymous()
		if anon.HasRole("admin") || anon.HasAnyRole("admin", "user") ||
			anon.HasAllRoles() || anon.HasPermission("x") ||
			anon.HasAnyPermission("x") || anon.HasAllPermissions() {
			t.Error("anonymous context passed a capability check")
		}
	})

	t.Run("authenticated role and permission matching", func(t *testing.T) {
		ac := authedCtx("u1", []string{"user", "editor"}, []string{"read", "write"})
		if !ac.HasRole("editor") {
			t.Error("HasRole(editor) = false")
		}
		if ac.HasRole("admin") {
			t.Error("HasRole(admin) = true")
		}
		if !ac.HasAnyRole("admin", "user") {
			t.Error("HasAnyRole = false")
		}
		if ac.HasAllRoles("user", "admin") {
			t.Error("HasAllRoles = true with missing role")
		}
		if !ac.HasAllPermissions("read", "write") {
			t.Error("HasAllPermissions = false")
		}
		if ac.HasAllPermissions("read", "delete") {
			t.Error("HasAllPermissions = true with missing perm")
		}
	})
}

func TestManagerAuthenticate(t *testing.T) {
	log := slog.Default()

	t.Run("no credentials yields anonymous", func(t *testing.T) {
		m := NewManager(log)
		ac := m.Authenticate(context.Background(), nil, "")
		if ac.Authenticated {
			t.Error("expected anonymous")
		}
	})

	t.Run("default provider tried first", func(t *testing.T) {
		m := NewManager(log)
		m.Register(&fakeProvider{name: "a", ctx: authedCtx("from-a", nil, nil)})
		m.Register(&fakeProvider{name: "b", ctx: authedCtx("from-b", nil, nil)})
		ac := m.Authenticate(context.Background(), Credentials{"x": 1}, "")
		if ac.UserID != "from-a" {
			t.Errorf("UserID = %q, want from-a", ac.UserID)
		}
		if ac.Provider != "a" {
			t.Errorf("Provider = %q, want a", ac.Provider)
		}
	})

	t.Run("falls through to next provider on error", func(t *testing.T) {
		m := NewManager(log)
		m.Register(&fakeProvider{name: "a", err: errors.New("nope")})
		m.Register(&fakeProvider{name: "b", ctx: authedCtx("from-b", nil, nil)})
		ac := m.Authenticate(context.Background(), Credentials{"x": 1}, "")
		if ac.UserID != "from-b" {
			t.Errorf("UserID = %q, want from-b", ac.UserID)
		}
	})

	t.Run("named provider only", func(t *testing.T) {
		m := NewManager(log)
		m.Register(&fakeProvider{name: "a", ctx: authedCtx("from-a", nil, nil)})
		m.Register(&fakeProvider{name: "b", ctx: authedCtx("from-b", nil, nil)})
		ac := m.Authenticate(context.Background(), Credentials{"x": 1}, "b")
		if ac.UserID != "from-b" {
			t.Errorf("UserID = %q, want from-b", ac.UserID)
		}
	})

	t.Run("panicking provider yields anonymous", func(t *testing.T) {
		m := NewManager(log)
		m.Register(&fakeProvider{name: "bad", panics: true})
		ac := m.Authenticate(context.Background(), Credentials{"x": 1}, "")
		if ac.Authenticated {
			t.Error("expected anonymous after provider panic")
		}
	})
}

func TestGateAuthorizeComponent(t *testing.T) {
	log := slog.Default()

	newGate := func(rules *ComponentRules) *Gate {
		m := NewManager(log)
		rs := NewRuleSet()
		if rules != nil {
			rs.Set("Counter", rules)
		}
		return NewGate(m, rs, nil, log)
	}

	t.Run("no rules allows anonymous", func(t *testing.T) {
		g := newGate(nil)
		if d := g.AuthorizeComponent(Anonymous(), "Counter"); !d.Allowed {
			t.Errorf("denied: %s", d.Reason)
		}
	})

	t.Run("required denies anonymous", func(t *testing.T) {
		g := newGate(&ComponentRules{Mount: &Rule{Required: true}})
		d := g.AuthorizeComponent(Anonymous(), "Counter")
		if d.Allowed {
			t.Fatal("expected denial")
		}
		if !strings.Contains(d.Reason, "authentication required") {
			t.Errorf("Reason = %q", d.Reason)
		}
	})

	t.Run("roles OR-matched", func(t *testing.T) {
		g := newGate(&ComponentRules{Mount: &Rule{Required: true, Roles: []string{"admin", "ops"}}})
		if d := g.AuthorizeComponent(authedCtx("u", []string{"ops"}, nil), "Counter"); !d.Allowed {
			t.Errorf("denied with matching role: %s", d.Reason)
		}
		d := g.AuthorizeComponent(authedCtx("u", []string{"user"}, nil), "Counter")
		if d.Allowed {
			t.Fatal("expected denial for wrong role")
		}
		if !strings.Contains(d.Reason, "Insufficient roles") {
			t.Errorf("Reason = %q", d.Reason)
		}
	})

	t.Run("permissions AND-matched", func(t *testing.T) {
		g := newGate(&ComponentRules{Mount: &Rule{Permissions: []string{"a", "b"}}})
		if d := g.AuthorizeComponent(authedCtx("u", nil, []string{"a", "b"}), "Counter"); !d.Allowed {
			t.Errorf("denied with all perms: %s", d.Reason)
		}
		if d := g.AuthorizeComponent(authedCtx("u", nil, []string{"a"}), "Counter"); d.Allowed {
			t.Error("allowed with missing permission")
		}
	})
}

func TestGateAuthorizeAction(t *testing.T) {
	log := slog.Default()

	t.Run("action rule enforced", func(t *testing.T) {
		m := NewManager(log)
		rs := NewRuleSet()
		rs.Set("Counter", &ComponentRules{
			Actions: map[string]*Rule{"reset": {Roles: []string{"admin"}}},
		})
		g := NewGate(m, rs, nil, log)

		if d := g.AuthorizeAction(authedCtx("u", []string{"admin"}, nil), "Counter", "reset"); !d.Allowed {
			t.Errorf("denied admin: %s", d.Reason)
		}
		if d := g.AuthorizeAction(authedCtx("u", []string{"user"}, nil), "Counter", "reset"); d.Allowed {
			t.Error("allowed non-admin reset")
		}
		// Unlisted actions have no rule.
		if d := g.AuthorizeAction(Anonymous(), "Counter", "increment"); !d.Allowed {
			t.Errorf("denied unlisted action: %s", d.Reason)
		}
	})

	t.Run("resolving provider consulted", func(t *testing.T) {
		m := NewManager(log)
		m.Register(&fakeProvider{name: "p", actionDeny: "business hours only"})
		g := NewGate(m, NewRuleSet(), nil, log)

		ac := authedCtx("u", nil, nil)
		ac.Provider = "p"
		d := g.AuthorizeAction(ac, "Counter", "increment")
		if d.Allowed {
			t.Fatal("expected provider denial")
		}
		if d.Reason != "business hours only" {
			t.Errorf("Reason = %q", d.Reason)
		}
	})
}

func TestGateAuthorizeRoom(t *testing.T) {
	log := slog.Default()

	t.Run("absent handler allows", func(t *testing.T) {
		g := NewGate(NewManager(log), NewRuleSet(), nil, log)
		if d := g.AuthorizeRoom(Anonymous(), "chat:7"); !d.Allowed {
			t.Errorf("denied: %s", d.Reason)
		}
	})

	t.Run("provider room denial", func(t *testing.T) {
		m := NewManager(log)
		m.Register(&fakeProvider{name: "p", roomDeny: "room is private"})
		g := NewGate(m, NewRuleSet(), nil, log)

		ac := authedCtx("u", nil, nil)
		ac.Provider = "p"
		if d := g.AuthorizeRoom(ac, "chat:7"); d.Allowed {
			t.Error("expected denial")
		}
	})
}

func TestJWTProvider(t *testing.T) {
	p := NewJWTProvider("test-secret")

	t.Run("round trip", func(t *testing.T) {
		token, err := p.IssueToken("u-42", []string{"admin"}, []string{"counter.reset"}, time.Hour)
		if err != nil {
			t.Fatalf("IssueToken: %v", err)
		}
		ac, err := p.Authenticate(context.Background(), Credentials{"token": token})
		if err != nil {
			t.Fatalf("Authenticate: %v", err)
		}
		if !ac.Authenticated || ac.UserID != "u-42" {
			t.Errorf("context = %+v", ac)
		}
		if !ac.HasRole("admin") || !ac.HasPermission("counter.reset") {
			t.Error("claims not mapped")
		}
	})

	t.Run("expired token rejected", func(t *testing.T) {
		token, err := p.IssueToken("u-42", nil, nil, -time.Minute)
		if err != nil {
			t.Fatalf("IssueToken: %v", err)
		}
		if _, err := p.Authenticate(context.Background(), Credentials{"token": token}); err == nil {
			t.Fatal("expected error for expired token")
		}
	})

	t.Run("wrong secret rejected", func(t *testing.T) {
		other := NewJWTProvider("different")
		token, err := other.IssueToken("u-42", nil, nil, time.Hour)
		if err != nil {
			t.Fatalf("IssueToken: %v", err)
		}
		if _, err := p.Authenticate(context.Background(), Credentials{"token": token}); err == nil {
			t.Fatal("expected error for wrong secret")
		}
	})

	t.Run("missing token is not ours", func(t *testing.T) {
		ac, err := p.Authenticate(context.Background(), Credentials{"username": "x"})
		if ac != nil || err != nil {
			t.Errorf("got (%v, %v), want (nil, nil)", ac, err)
		}
	})
}

func TestStaticProvider(t *testing.T) {
	p := NewStaticProvider()
	if err := p.AddUser("alice", "s3cret-pw1", []string{"user"}, []string{"read"}); err != nil {
		t.Fatalf("AddUser: %v", err)
	}

	t.Run("correct password", func(t *testing.T) {
		ac, err := p.Authenticate(context.Background(), Credentials{"username": "alice", "password": "s3cret-pw1"})
		if err != nil {
			t.Fatalf("Authenticate: %v", err)
		}
		if !ac.Authenticated || ac.UserID != "alice" || !ac.HasRole("user") {
			t.Errorf("context = %+v", ac)
		}
	})

	t.Run("wrong password", func(t *testing.T) {
		if _, err := p.Authenticate(context.Background(), Credentials{"username": "alice", "password": "wrong"}); err == nil {
			t.Fatal("expected error")
		}
	})
}
