// Package oauth runs the Twitch authorization-code flow that produces the
// relay's first user token: a login redirect with a one-time state, the
// callback exchange, persistence through a credentials.Store and a validate
// call that reports which account was authorized.
package oauth

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/twitch"

	"github.com/onnwee/chat-relay/chat"
	"github.com/onnwee/chat-relay/credentials"
	"github.com/onnwee/chat-relay/twitchapi"
)

var (
	// ErrInvalidState means the callback state was unknown, reused or expired.
	ErrInvalidState = errors.New("invalid or expired oauth state")
	// ErrTooManyStates means too many logins are pending.
	ErrTooManyStates = errors.New("too many pending oauth logins")
)

// Validator identifies the account behind a token; *twitchapi.Client implements it.
type Validator interface {
	ValidateToken(ctx context.Context, token string) (*twitchapi.ValidateResult, error)
}

// Options configures a Flow.
type Options struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string
	Store        credentials.Store
	Validator    Validator
	// OnSaved runs after a new credential was persisted.
	OnSaved func(ctx context.Context, c credentials.Credential)
	// Endpoint defaults to Twitch.
	Endpoint   oauth2.Endpoint
	HTTPClient *http.Client
	Now        func() time.Time
}

// Result describes a completed authorization.
type Result struct {
	Login     string
	UserID    string
	Scopes    []string
	ExpiresAt time.Time
}

// Flow is the authorization-code flow.
type Flow struct {
	conf   *oauth2.Config
	opts   Options
	states *stateStore
}

// NewFlow returns a Flow.
func NewFlow(opts Options) *Flow {
	if opts.Endpoint.TokenURL == "" {
		opts.Endpoint = twitch.Endpoint
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	f := &Flow{
		conf: &oauth2.Config{
			ClientID:     opts.ClientID,
			ClientSecret: opts.ClientSecret,
			RedirectURL:  opts.RedirectURL,
			Scopes:       opts.Scopes,
			Endpoint:     opts.Endpoint,
		},
		opts:   opts,
		states: newStateStore(opts.Now),
	}
	return f
}

// AuthURL returns the Twitch consent URL with a fresh state. force_verify
// makes Twitch show the consent screen even for an already authorized app.
func (f *Flow) AuthURL() (string, error) {
	st, err := f.states.issue()
	if err != nil {
		return "", fmt.Errorf("generate state: %w", err)
	}
	if st == "" {
		return "", ErrTooManyStates
	}
	return f.conf.AuthCodeURL(st, oauth2.SetAuthURLParam("force_verify", "true")), nil
}

// Exchange completes the flow for a callback carrying code and state.
func (f *Flow) Exchange(ctx context.Context, code, state string) (*Result, error) {
	if code == "" || state == "" {
		return nil, chat.E(chat.KindPermanentReject, "oauth callback", errors.New("missing code or state"))
	}
	if !f.states.consume(state) {
		return nil, chat.E(chat.KindPermanentReject, "oauth callback", ErrInvalidState)
	}
	xctx := ctx
	if f.opts.HTTPClient != nil {
		xctx = context.WithValue(ctx, oauth2.HTTPClient, f.opts.HTTPClient)
	}
	tok, err := f.conf.Exchange(xctx, code)
	if err != nil {
		return nil, fmt.Errorf("exchange code: %w", err)
	}
	if tok.AccessToken == "" {
		return nil, errors.New("exchange code: empty access token")
	}
	cred := credentials.Credential{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
	}
	if cred.ExpiresAt.IsZero() {
		cred.ExpiresAt = f.opts.Now().Add(time.Hour)
	}
	res := &Result{ExpiresAt: cred.ExpiresAt, Scopes: tokenScopes(tok)}

	if f.opts.Store != nil {
		if err := f.opts.Store.Save(ctx, cred); err != nil {
			return nil, fmt.Errorf("save credential: %w", err)
		}
	}
	slog.Info("twitch authorization stored", slog.String("component", "oauth"), slog.Time("expires_at", cred.ExpiresAt), slog.Bool("has_refresh", cred.RefreshToken != ""))
	if f.opts.OnSaved != nil {
		f.opts.OnSaved(ctx, cred)
	}

	if f.opts.Validator != nil {
		v, err := f.opts.Validator.ValidateToken(ctx, cred.AccessToken)
		if err != nil {
			slog.Warn("could not validate new token", slog.String("component", "oauth"), slog.Any("err", err))
		} else {
			res.Login, res.UserID = v.Login, v.UserID
			if len(v.Scopes) > 0 {
				res.Scopes = v.Scopes
			}
		}
	}
	return res, nil
}

// tokenScopes reads Twitch's "scope" array from the token response.
func tokenScopes(tok *oauth2.Token) []string {
	switch v := tok.Extra("scope").(type) {
	case []any:
		out := make([]string, 0, len(v))
		for _, s := range v {
			if str, ok := s.(string); ok {
				out = append(out, str)
			}
		}
		return out
	case string:
		return strings.Fields(v)
	}
	return nil
}

var resultPage = template.Must(template.New("result").Parse(`<!doctype html>
<html><body>
<h1>Twitch authorization complete</h1>
{{if .Login}}<p>Authorized as <b>{{.Login}}</b> (user id {{.UserID}}).</p>{{end}}
<p>Scopes: {{range .Scopes}}<code>{{.}}</code> {{end}}</p>
<p>Token expires at {{.ExpiresAt.Format "2006-01-02 15:04:05 MST"}}. The relay will refresh it on its own.</p>
</body></html>
`))

// Register mounts "<prefix>/login" and "<prefix>/callback" on mux.
func (f *Flow) Register(mux *http.ServeMux, prefix string) {
	prefix = strings.TrimRight(prefix, "/")
	mux.HandleFunc(prefix+"/login", f.HandleLogin)
	mux.HandleFunc(prefix+"/callback", f.HandleCallback)
}

// HandleLogin redirects the browser to Twitch.
func (f *Flow) HandleLogin(w http.ResponseWriter, r *http.Request) {
	u, err := f.AuthURL()
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, ErrTooManyStates) {
			status = http.StatusServiceUnavailable
		}
		http.Error(w, err.Error(), status)
		return
	}
	http.Redirect(w, r, u, http.StatusFound)
}

// HandleCallback finishes the flow and renders the authorized account.
func (f *Flow) HandleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if e := q.Get("error"); e != "" {
		http.Error(w, "authorization denied: "+e+" "+q.Get("error_description"), http.StatusBadRequest)
		return
	}
	res, err := f.Exchange(r.Context(), q.Get("code"), q.Get("state"))
	if err != nil {
		status := http.StatusBadGateway
		if chat.Classify(err) == chat.KindPermanentReject {
			status = http.StatusBadRequest
		}
		slog.Warn("oauth callback failed", slog.String("component", "oauth"), slog.Any("err", err))
		http.Error(w, err.Error(), status)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := resultPage.Execute(w, res); err != nil {
		slog.Warn("failed to render oauth result", slog.String("component", "oauth"), slog.Any("err", err))
	}
}
