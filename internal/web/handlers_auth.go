package web

import (
	"encoding/json"
	"fmt"
	"mime"
	"net/http"

	"github.com/JonMunkholm/fileparse/internal/core"
)

// maxCredentialsBody caps the JSON body of signup and login.
const maxCredentialsBody = 4 << 10

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// readCredentials accepts a JSON body, or query or form parameters for
// clients of the older API.
func readCredentials(w http.ResponseWriter, r *http.Request) (credentials, error) {
	var c credentials
	mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mt == "application/json" {
		r.Body = http.MaxBytesReader(w, r.Body, maxCredentialsBody)
		if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
			return c, fmt.Errorf("%w: invalid JSON body", core.ErrValidation)
		}
		return c, nil
	}
	c.Email = r.FormValue("email")
	c.Password = r.FormValue("password")
	return c, nil
}

func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	c, err := readCredentials(w, r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	id, err := s.deps.Accounts.Signup(r.Context(), c.Email, c.Password)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"msg": "created", "user_id": id})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	c, err := readCredentials(w, r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	tok, err := s.deps.Accounts.Login(r.Context(), c.Email, c.Password)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tok)
}
