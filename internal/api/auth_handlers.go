package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/lnmt-project/lnmt/internal/domain"
)

type loginRequest struct {
	Username   string `json:"username"`
	Password   string `json:"password"`
	RememberMe bool   `json:"remember_me"`
}

type userView struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
	Role     string `json:"role"`
}

type loginResponse struct {
	Token     string   `json:"token"`
	ExpiresIn int64    `json:"expires_in"`
	User      userView `json:"user"`
}

func viewUser(u *domain.User) userView {
	return userView{ID: u.ID, Username: u.Username, Email: u.Email, Role: string(u.Role)}
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	if req.Username == "" || req.Password == "" {
		writeErr(w, http.StatusBadRequest, "bad_request", "username and password are required")
		return
	}

	sess, u, err := s.auth.Login(r.Context(), req.Username, req.Password, req.RememberMe)
	if err != nil {
		writeDomainErr(w, err)
		return
	}
	writeData(w, http.StatusOK, loginResponse{
		Token:     sess.Token,
		ExpiresIn: int64(time.Until(sess.ExpiresAt).Seconds()),
		User:      viewUser(u),
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := s.auth.Logout(r.Context(), requestToken(r)); err != nil {
		writeDomainErr(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]bool{"logged_out": true})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	sess, err := s.auth.Refresh(r.Context(), requestToken(r))
	if err != nil {
		writeDomainErr(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{
		"token":      sess.Token,
		"expires_in": int64(time.Until(sess.ExpiresAt).Seconds()),
	})
}
