package server

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/odin-rt/gateway/internal/auth"
	"github.com/odin-rt/gateway/internal/monitoring"
	"github.com/odin-rt/gateway/internal/protocol"
)

func (g *Gateway) handleAuth(c *Conn, req *protocol.Request) (any, *protocol.Error) {
	p := req.Payload

	switch req.Type {
	case "auth.login":
		return g.authLogin(c, p)

	case "auth.logout":
		if c.session == nil {
			return map[string]any{"loggedOut": false}, nil
		}
		g.audit.Record(monitoring.AuditEntry{
			Event: "logout", Actor: c.session.UserID, Operation: "auth.logout",
		})
		c.setSession(nil)
		return map[string]any{"loggedOut": true}, nil

	case "auth.whoami":
		if c.session == nil {
			return map[string]any{"authenticated": false}, nil
		}
		out := map[string]any{
			"authenticated": true,
			"userId":        c.session.UserID,
			"roles":         c.session.Roles,
		}
		if !c.session.ExpiresAt.IsZero() {
			out["expiresAt"] = c.session.ExpiresAt.UnixMilli()
		}
		return out, nil
	}

	return nil, protocol.Ef(protocol.CodeUnknownOperation, "unknown operation %q", req.Type)
}

// authLogin resolves a session from the configured source and switches
// the connection's rate-limit key before the response goes out.
func (g *Gateway) authLogin(c *Conn, p map[string]json.RawMessage) (any, *protocol.Error) {
	token := pString(p, "token")
	username := pString(p, "username")

	var (
		session *auth.Session
		perr    *protocol.Error
	)
	switch {
	case token != "" && g.opts.Auth.Validate != nil:
		s, err := g.opts.Auth.Validate(context.Background(), token)
		if err != nil {
			g.logger.Error().Err(err).Msg("Token validation failed")
			return nil, protocol.E(protocol.CodeInternal, "internal server error")
		}
		if s == nil {
			perr = protocol.E(protocol.CodeUnauthorized, "invalid token")
		}
		session = s

	case username != "" && g.opts.Auth.Users != nil:
		s, err := g.opts.Auth.Users.Authenticate(username, pString(p, "password"))
		if errors.Is(err, auth.ErrInvalidCredentials) {
			perr = protocol.E(protocol.CodeUnauthorized, "invalid credentials")
		} else if err != nil {
			g.logger.Error().Err(err).Msg("Credential check failed")
			return nil, protocol.E(protocol.CodeInternal, "internal server error")
		}
		session = s

	default:
		return nil, protocol.E(protocol.CodeValidationError, "token or username/password is required")
	}

	if perr != nil {
		g.audit.Record(monitoring.AuditEntry{
			Event: "login_failed", Actor: username, Operation: "auth.login",
		})
		return nil, perr
	}

	c.setSession(session)
	g.audit.Record(monitoring.AuditEntry{
		Event: "login", Actor: session.UserID, Operation: "auth.login",
	})

	out := map[string]any{"userId": session.UserID, "roles": session.Roles}
	if !session.ExpiresAt.IsZero() {
		out["expiresAt"] = session.ExpiresAt.UnixMilli()
	}
	return out, nil
}
