package tokenauth

import (
	"encoding/json"
	"errors"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"runtime/debug"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/mjl-/mailet/metrics"
	"github.com/mjl-/mailet/mlog"
)

type request struct {
	Username      string `json:"username"`
	ClientName    string `json:"clientName"`
	ClientVersion string `json:"clientVersion"`
	DeviceName    string `json:"deviceName"`

	Token    string `json:"token"`
	Method   string `json:"method"`
	Password string `json:"password"`
}

type continuationResponse struct {
	ContinuationToken string   `json:"continuationToken"`
	Methods           []string `json:"methods"`
	Prompt            string   `json:"prompt"`
}

type accessResponse struct {
	AccessToken string `json:"accessToken"`
}

type usernameResponse struct {
	Username string `json:"username"`
}

// Handler returns an HTTP handler for /authentication:
//
//   - POST with a username starts authentication, 200 with a continuation token.
//   - POST with a continuation token, method and password finishes, 201 with an
//     access token, or 401.
//   - GET with an access token in the Authorization header returns the
//     username, or 401.
//   - DELETE with an access token in the Authorization header revokes it, 204.
//
// Requests must have a JSON content-type (in UTF-8) and accept JSON responses,
// otherwise they fail with 400.
func Handler(a *Authenticator) http.Handler {
	h := handler{a, mlog.New("tokenauth", a.Log)}
	r := chi.NewRouter()
	r.Use(h.recoverPanic)
	r.Post("/authentication", h.post)
	r.Get("/authentication", h.get)
	r.Delete("/authentication", h.delete)
	return r
}

type handler struct {
	a   *Authenticator
	log mlog.Log
}

func (h handler) recoverPanic(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			x := recover()
			if x == nil {
				return
			}
			h.log.Error("unhandled panic in http handler", slog.Any("err", x), slog.String("path", r.URL.Path))
			debug.PrintStack()
			metrics.PanicInc(metrics.Tokenauth)
			http.Error(w, "500 - internal server error", http.StatusInternalServerError)
		}()
		next.ServeHTTP(w, r)
	})
}

func badRequest(w http.ResponseWriter, msg string) {
	http.Error(w, "400 - bad request - "+msg, http.StatusBadRequest)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// checkJSON checks the request has a JSON body and accepts a JSON response.
func checkJSON(r *http.Request) string {
	ct, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || ct != "application/json" {
		return "content-type must be application/json"
	} else if cs, ok := params["charset"]; ok && !strings.EqualFold(cs, "utf-8") {
		return "charset must be utf-8"
	}
	if !strings.Contains(r.Header.Get("Accept"), "application/json") {
		return "must accept application/json"
	}
	return ""
}

func remoteIP(r *http.Request) net.IP {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return net.ParseIP(host)
}

func (h handler) post(w http.ResponseWriter, r *http.Request) {
	if msg := checkJSON(r); msg != "" {
		badRequest(w, msg)
		return
	}

	var req request
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64*1024))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		badRequest(w, "bad json body")
		return
	}

	ctx := r.Context()
	switch {
	case req.Username != "" && req.Token == "":
		t, methods, err := h.a.Start(ctx, req.Username)
		if err != nil {
			badRequest(w, "bad username")
			return
		}
		writeJSON(w, http.StatusOK, continuationResponse{t.String(), methods, "Password"})

	case req.Token != "" && req.Method != "" && req.Username == "":
		access, err := h.a.Finish(ctx, remoteIP(r), req.Token, req.Method, req.Password)
		if errors.Is(err, ErrTooManyAttempts) {
			http.Error(w, "429 - too many authentication attempts", http.StatusTooManyRequests)
			return
		} else if err != nil {
			http.Error(w, "401 - unauthorized", http.StatusUnauthorized)
			return
		}
		writeJSON(w, http.StatusCreated, accessResponse{access})

	default:
		badRequest(w, "need either username, or token with method")
	}
}

func (h handler) get(w http.ResponseWriter, r *http.Request) {
	token := r.Header.Get("Authorization")
	if token == "" {
		http.Error(w, "401 - unauthorized", http.StatusUnauthorized)
		return
	}
	username, err := h.a.Access.Username(r.Context(), token)
	if errors.Is(err, ErrInvalidToken) {
		http.Error(w, "401 - unauthorized", http.StatusUnauthorized)
		return
	} else if err != nil {
		h.log.Errorx("looking up access token", err)
		http.Error(w, "500 - internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, usernameResponse{username})
}

func (h handler) delete(w http.ResponseWriter, r *http.Request) {
	token := r.Header.Get("Authorization")
	if token == "" {
		http.Error(w, "401 - unauthorized", http.StatusUnauthorized)
		return
	}
	if err := h.a.Access.Revoke(r.Context(), token); err != nil {
		h.log.Errorx("revoking access token", err)
		http.Error(w, "500 - internal server error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
