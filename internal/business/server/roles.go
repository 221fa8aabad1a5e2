package server

import (
	"net/http"

	slogctx "github.com/veqryn/slog-context"

	"github.com/openkcm/smart-session/internal/access"
	"github.com/openkcm/smart-session/internal/middleware/tab"
	"github.com/openkcm/smart-session/internal/session"
)

// sessionRoles feeds the access gate from the session of the request's tab.
type sessionRoles struct {
	manager *session.Manager
}

var _ = access.RoleSource(sessionRoles{})

func (s sessionRoles) RolesFor(r *http.Request) ([]access.Role, bool) {
	ctx := r.Context()

	tabID, err := tab.FromContext(ctx)
	if err != nil {
		return nil, false
	}

	sess, err := s.manager.Session(ctx, tabID)
	if err != nil {
		slogctx.Error(ctx, "Could not load session for an access decision", "error", err)
		return nil, false
	}
	if sess == nil {
		return nil, false
	}

	return sess.User.Roles, true
}
