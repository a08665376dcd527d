package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/John-Robertt/boxpilot/internal/auth"
)

// guard rejects /api requests without a valid bearer token when auth is
// configured. Browsers cannot set headers on websocket upgrades, so the
// token may also travel as ?access_token=.
func (a *api) guard(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.deps.Auth == nil {
			next(w, r)
			return
		}
		tok, ok := auth.BearerToken(r)
		if !ok {
			tok = strings.TrimSpace(r.URL.Query().Get("access_token"))
		}
		if tok == "" {
			writeErrorFromErr(w, unauthorized("缺少访问令牌"))
			return
		}
		if _, err := a.deps.Auth.Verify(tok); err != nil {
			writeErrorFromErr(w, unauthorized("访问令牌无效或已过期"))
			return
		}
		next(w, r)
	})
}

type tokenRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type tokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (a *api) handleToken(w http.ResponseWriter, r *http.Request) {
	if a.deps.Auth == nil {
		writeErrorFromErr(w, notFound("AUTH_DISABLED", "未启用鉴权"))
		return
	}
	var req tokenRequest
	if err := decodeJSON(w, r, a.opt.MaxBodyBytes, &req, false); err != nil {
		writeErrorFromErr(w, err)
		return
	}
	// bcrypt runs even for an unknown username.
	okPass := auth.CheckPassword(a.deps.AdminHash, req.Password)
	if req.Username == "" || req.Username != a.deps.AdminUser || !okPass {
		a.log.WithField("username", req.Username).Warn("token request rejected")
		writeErrorFromErr(w, unauthorized("用户名或密码错误"))
		return
	}
	tok, exp, err := a.deps.Auth.Issue(req.Username)
	if err != nil {
		writeErrorFromErr(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, tokenResponse{Token: tok, ExpiresAt: exp})
}
