// Package oauthcred provides the shared OAuth credential plumbing used by
// the geminicli and qwencli provider plugins: a persisting token source
// per credential file, coalesced force-refresh on 401, and hot-reload
// when the credential file changes on disk.
package oauthcred

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	"gcli2api/internal/auth"
)

// Store tracks one oauth2.TokenSource per credential path, generalizing
// the teacher's single-provider auth.go to any OAuth-backed provider.
type Store struct {
	cfg  oauth2.Config
	skew time.Duration // force a refresh this long before recorded expiry

	mu      sync.Mutex
	clients map[string]*client

	watcher *fsnotify.Watcher
}

type client struct {
	mu     sync.Mutex // serializes refreshes; see ForceRefresh
	ts     oauth2.TokenSource
	path   string
	raw    auth.RawToken
	refreshing bool
}

// New builds a Store for OAuth config cfg. skew is the configured
// refresh-skew window (spec.md §4.D point 2): Token forces a refresh once
// the cached token is within skew of its recorded expiry, rather than
// relying solely on the oauth2 library's own ~10s internal buffer. It
// starts a best-effort fsnotify watch so externally-updated credential
// files (e.g. refreshed by another process) are picked up without a
// restart.
func New(cfg oauth2.Config, skew time.Duration) *Store {
	s := &Store{cfg: cfg, skew: skew, clients: make(map[string]*client)}
	if w, err := fsnotify.NewWatcher(); err == nil {
		s.watcher = w
		go s.watchLoop()
	} else {
		logrus.Warnf("[oauthcred] fsnotify unavailable, credential hot-reload disabled: %v", err)
	}
	return s
}

func (s *Store) watchLoop() {
	for {
		select {
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			s.reloadPath(ev.Name)
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			logrus.Warnf("[oauthcred] watcher error: %v", err)
		}
	}
}

func (s *Store) reloadPath(path string) {
	s.mu.Lock()
	c, ok := s.clients[path]
	s.mu.Unlock()
	if !ok {
		return
	}
	raw, _, err := auth.LoadRawTokenFromFile(path)
	if err != nil {
		logrus.Warnf("[oauthcred] reload %s failed: %v", path, err)
		return
	}
	c.mu.Lock()
	c.raw = raw
	c.ts = auth.NewPersistingTokenSource(s.cfg.TokenSource(context.Background(), raw.ToOAuth2Token()), raw, path, true)
	c.mu.Unlock()
	logrus.Infof("[oauthcred] reloaded credential file %s", path)
}

// Register loads the credential at path (idempotent) and returns its
// identifier (the path itself, used as the credential string throughout
// the ledger/dispatcher).
func (s *Store) Register(path string, persist bool) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[path]; ok {
		return path, nil
	}
	raw, expanded, err := auth.LoadRawTokenFromFile(path)
	if err != nil {
		return "", fmt.Errorf("load credential %s: %w", path, err)
	}
	baseTS := s.cfg.TokenSource(context.Background(), raw.ToOAuth2Token())
	c := &client{
		ts:   auth.NewPersistingTokenSource(baseTS, raw, expanded, persist),
		path: expanded,
		raw:  raw,
	}
	s.clients[path] = c
	if s.watcher != nil {
		if err := s.watcher.Add(expanded); err != nil {
			logrus.Warnf("[oauthcred] could not watch %s: %v", expanded, err)
		}
	}
	return path, nil
}

// Token returns a valid access token for credential. Beyond the oauth2
// library's own near-expiry refresh, it proactively force-refreshes once
// the cached token is within the configured skew of its recorded expiry,
// so a token with e.g. 60s left doesn't get used unrefreshed just because
// it's outside the library's smaller internal buffer.
func (s *Store) Token(credential string) (*oauth2.Token, error) {
	c, err := s.get(credential)
	if err != nil {
		return nil, err
	}
	if s.skew > 0 && s.nearExpiry(c) {
		if err := s.ForceRefresh(context.Background(), credential); err != nil {
			logrus.Warnf("[oauthcred] proactive skew refresh for %s failed, falling back to library refresh: %v", credential, err)
		} else if c, err = s.get(credential); err != nil {
			return nil, err
		}
	}
	tok, err := c.ts.Token()
	if err != nil {
		return nil, err
	}
	s.recordExpiry(c, tok)
	return tok, nil
}

// nearExpiry reports whether c's last-recorded expiry is within the
// configured skew of now.
func (s *Store) nearExpiry(c *client) bool {
	c.mu.Lock()
	expiry := c.raw.ToOAuth2Token().Expiry
	c.mu.Unlock()
	return !expiry.IsZero() && !time.Now().Add(s.skew).Before(expiry)
}

// recordExpiry keeps c.raw's expiry in step with whatever token was last
// actually issued (by the oauth2 library's own refresh or ours), so the
// next nearExpiry check reflects reality instead of the expiry the
// credential file had at load time.
func (s *Store) recordExpiry(c *client, tok *oauth2.Token) {
	if tok.Expiry.IsZero() {
		return
	}
	c.mu.Lock()
	c.raw.ExpiryDateMS = tok.Expiry.UnixMilli()
	c.mu.Unlock()
}

// TokenSource returns an oauth2.TokenSource bound to credential, suitable
// for wrapping an *http.Client (e.g. via httpx.NewOAuthHTTPClient). The
// returned source always defers to the Store's current token source, so
// it keeps working across a ForceRefresh swap.
func (s *Store) TokenSource(credential string) (oauth2.TokenSource, error) {
	if _, err := s.get(credential); err != nil {
		return nil, err
	}
	return &storeTokenSource{store: s, credential: credential}, nil
}

type storeTokenSource struct {
	store      *Store
	credential string
}

func (t *storeTokenSource) Token() (*oauth2.Token, error) {
	return t.store.Token(t.credential)
}

// ForceRefresh discards any cached token and fetches a fresh one. Per
// spec.md §4.D, on an observed 401 a plugin force-refreshes once and
// retries; concurrent ForceRefresh calls for the same credential are
// serialized by the client's own mutex (each still performs its own
// upstream round-trip — this bounds corruption of shared state, not the
// number of refreshes).
func (s *Store) ForceRefresh(ctx context.Context, credential string) error {
	c, err := s.get(credential)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	// oauth2.ReuseTokenSource always refreshes once the cached token's
	// Expiry has passed; build a fresh one seeded from the refresh token
	// to force an upstream round-trip regardless of cached expiry.
	baseTS := s.cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: c.raw.RefreshToken})
	tok, err := baseTS.Token()
	if err != nil {
		return fmt.Errorf("force refresh: %w", err)
	}
	c.ts = auth.NewPersistingTokenSource(oauth2.StaticTokenSource(tok), c.raw, c.path, true)
	return nil
}

func (s *Store) get(credential string) (*client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clients[credential]
	if !ok {
		return nil, fmt.Errorf("credential %q not registered", credential)
	}
	return c, nil
}

// Close stops the file watcher.
func (s *Store) Close() error {
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}
