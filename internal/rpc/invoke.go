package rpc

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

type providerRequest struct {
	Provider string `json:"provider"`
}

type completeRequest struct {
	CallbackURL string `json:"callbackUrl"`
}

type refreshRequest struct {
	AccountID string `json:"accountId" validate:"required"`
}

type closeWindowRequest struct {
	WindowLabel string `json:"windowLabel"`
}

type navigationRequest struct {
	Label string `json:"label" validate:"required"`
	URL   string `json:"url" validate:"required"`
}

type navigationResponse struct {
	Action string `json:"action"`
}

type windowClosedRequest struct {
	Label string `json:"label" validate:"required"`
}

// command decodes its own arguments and returns the value to encode as the result.
type command func(ctx context.Context, r *http.Request) (any, error)

func (s *Server) commands() map[string]command {
	return map[string]command{
		"web_oauth_initiate": func(ctx context.Context, r *http.Request) (any, error) {
			var req providerRequest
			if err := decodeJSON(r, &req); err != nil {
				return nil, err
			}
			return s.core.Initiate(ctx, req.Provider)
		},
		"web_oauth_login": func(ctx context.Context, r *http.Request) (any, error) {
			var req providerRequest
			if err := decodeJSON(r, &req); err != nil {
				return nil, err
			}
			return s.core.LoginWithWindow(ctx, req.Provider)
		},
		"web_oauth_complete": func(ctx context.Context, r *http.Request) (any, error) {
			var req completeRequest
			if err := decodeJSON(r, &req); err != nil {
				return nil, err
			}
			return s.core.Complete(ctx, req.CallbackURL)
		},
		"web_oauth_refresh": func(ctx context.Context, r *http.Request) (any, error) {
			var req refreshRequest
			if err := decodeJSON(r, &req); err != nil {
				return nil, err
			}
			return s.core.Refresh(ctx, req.AccountID)
		},
		"web_oauth_close_window": func(ctx context.Context, r *http.Request) (any, error) {
			var req closeWindowRequest
			if err := decodeJSON(r, &req); err != nil {
				return nil, err
			}
			s.core.CloseWindow(ctx, req.WindowLabel)
			return nil, nil
		},
		"kiro_login": func(ctx context.Context, r *http.Request) (any, error) {
			var req providerRequest
			if err := decodeJSON(r, &req); err != nil {
				return nil, err
			}
			return nil, s.core.LegacyLogin(ctx, req.Provider)
		},
	}
}

// handleInvoke dispatches POST /invoke/{command}. Results are encoded as the bare JSON
// value the command returns; commands without a result answer null.
func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	name := r.PathValue("command")

	cmd, ok := s.commands()[name]
	if !ok {
		writeJSONError(ctx, w, fmt.Sprintf("unknown command %q", name), kindNotFound, http.StatusNotFound)
		return
	}

	result, err := cmd(ctx, r)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(ctx, w, result, http.StatusOK)
}

func (s *Server) handleNavigation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req navigationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(ctx, w, err)
		return
	}
	verdict := s.nav.Navigate(ctx, req.Label, req.URL)
	writeJSON(ctx, w, navigationResponse{Action: string(verdict)}, http.StatusOK)
}

func (s *Server) handleWindowClosed(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req windowClosedRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(ctx, w, err)
		return
	}
	s.nav.WindowClosed(ctx, req.Label)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAccounts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	accounts, err := s.core.Accounts(ctx)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(ctx, w, accounts, http.StatusOK)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := s.core.Logout(ctx, r.PathValue("id")); err != nil {
		writeError(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(r.Context(), w, s.core.Sessions(), http.StatusOK)
}
