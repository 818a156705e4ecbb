// Package server wires configuration, storage, the OAuth core, and the
// upstream token managers into a runnable gateway.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"golang.org/x/crypto/bcrypt"

	"github.com/toolgate/toolgate/pkg/database/migrate"
	"github.com/toolgate/toolgate/pkg/gateway"
	"github.com/toolgate/toolgate/pkg/health"
	gatewayhttp "github.com/toolgate/toolgate/pkg/http"
	"github.com/toolgate/toolgate/pkg/oauth"
	"github.com/toolgate/toolgate/pkg/oauth/postgres"
	"github.com/toolgate/toolgate/pkg/tokenmgr"
)

// Version is set at build time.
var Version = "dev"

const cleanupInterval = 5 * time.Minute

// Server is the assembled gateway process.
type Server struct {
	cfg      *gateway.Config
	oauth    *oauth.Server
	handler  http.Handler
	managers map[string]*tokenmgr.Manager
	db       *sql.DB
	httpSrv  *http.Server
	checker  *health.Checker
	logger   *slog.Logger
}

// New builds a Server from configuration. The users authenticator backs
// the authorize and consent endpoints; pass nil to reject all interactive
// flows.
func New(cfg *gateway.Config, users oauth.UserAuthenticator, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	storage, db, err := buildStorage(cfg, logger)
	if err != nil {
		return nil, err
	}

	issueRefresh := cfg.OAuth.IssueRefreshTokens == nil || *cfg.OAuth.IssueRefreshTokens
	oauthServer, err := oauth.NewServer(oauth.ServerConfig{
		Issuer:               cfg.OAuth.Issuer,
		AccessTokenTTL:       cfg.OAuth.AccessTokenDuration(),
		AuthCodeTTL:          cfg.OAuth.AuthCodeDuration(),
		RefreshTokenTTL:      cfg.OAuth.RefreshTokenDuration(),
		ConsentTTL:           cfg.OAuth.ConsentDuration(),
		SupportedScopes:      cfg.OAuth.SupportedScopes,
		RequirePKCE:          cfg.OAuth.RequirePKCE,
		IssueRefreshTokens:   issueRefresh,
		RequireTokenRotation: cfg.OAuth.RequireTokenRotation,
		Registration: oauth.RegistrationConfig{
			Enabled:                 cfg.OAuth.Registration.Enabled,
			AllowedRedirectPatterns: cfg.OAuth.Registration.AllowedRedirectPatterns,
			SecretExpiry:            time.Duration(cfg.OAuth.Registration.SecretExpiryDays) * 24 * time.Hour,
			RequirePKCE:             cfg.OAuth.RequirePKCE,
		},
		Logger: logger,
	}, storage, oauth.NewMemoryConsentStore())
	if err != nil {
		if db != nil {
			_ = db.Close()
		}
		return nil, fmt.Errorf("creating oauth server: %w", err)
	}

	if err := seedStaticClients(context.Background(), storage, cfg.OAuth.Clients); err != nil {
		if db != nil {
			_ = db.Close()
		}
		return nil, err
	}

	managers, err := buildManagers(cfg, logger)
	if err != nil {
		if db != nil {
			_ = db.Close()
		}
		return nil, err
	}

	var pinger health.Pinger
	if db != nil {
		pinger = db
	}
	s := &Server{
		cfg:      cfg,
		oauth:    oauthServer,
		managers: managers,
		db:       db,
		checker:  health.NewChecker(pinger),
		logger:   logger,
	}
	s.handler = s.buildMux(users)
	return s, nil
}

// OAuthServer exposes the embedded authorization server.
func (s *Server) OAuthServer() *oauth.Server {
	return s.oauth
}

// Manager returns the token manager for the named upstream.
func (s *Server) Manager(name string) (*tokenmgr.Manager, bool) {
	m, ok := s.managers[name]
	return m, ok
}

// Handler returns the gateway's root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start serves HTTP until the context is cancelled, then shuts down
// gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.oauth.StartCleanupRoutine(ctx, cleanupInterval)

	s.httpSrv = &http.Server{
		Addr:              s.cfg.Server.Address,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if s.cfg.Server.TLS.Enabled {
			err = s.httpSrv.ListenAndServeTLS(s.cfg.Server.TLS.CertFile, s.cfg.Server.TLS.KeyFile)
		} else {
			err = s.httpSrv.ListenAndServe()
		}
		if !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	s.checker.SetReady()
	s.logger.Info("gateway listening", "address", s.cfg.Server.Address, "tls", s.cfg.Server.TLS.Enabled)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.checker.SetDraining()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	}
}

// Close releases resources held by the server.
func (s *Server) Close() error {
	for _, m := range s.managers {
		m.Destroy()
	}
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *Server) buildMux(users oauth.UserAuthenticator) http.Handler {
	mux := http.NewServeMux()
	oauthHandler := oauth.NewHandler(s.oauth, users)
	mux.Handle("/oauth/", oauthHandler)
	mux.Handle("/.well-known/", oauthHandler)
	for _, alias := range []string{"/authorize", "/token", "/register", "/revoke"} {
		mux.Handle(alias, oauthHandler)
	}
	mux.HandleFunc("/healthz", s.checker.LivenessHandler())
	mux.HandleFunc("/readyz", s.checker.ReadinessHandler())

	requireBearer := gatewayhttp.RequireBearer(s.oauth, s.cfg.OAuth.Issuer)
	for name, up := range s.cfg.Upstreams {
		target, err := url.Parse(up.URL)
		if err != nil || target.Host == "" {
			s.logger.Warn("skipping upstream with unusable url", "upstream", name, "url", up.URL)
			continue
		}
		prefix := "/upstreams/" + name + "/"
		mux.Handle(prefix, requireBearer(s.upstreamProxy(name, prefix, target)))
	}
	return mux
}

type upstreamTokenKey struct{}

// upstreamProxy forwards requests to the upstream, replacing the caller's
// credentials with the gateway's own token for that upstream. When the
// token cannot be acquired the caller gets a 502 instead of the
// upstream's rejection.
func (s *Server) upstreamProxy(name, prefix string, target *url.URL) http.Handler {
	proxy := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.Out.URL.Path = singleJoin(target.Path, strings.TrimPrefix(pr.In.URL.Path, prefix))
			pr.Out.Header.Del("Authorization")
			if token, ok := pr.In.Context().Value(upstreamTokenKey{}).(*tokenmgr.TokenData); ok {
				pr.Out.Header.Set("Authorization", token.TokenType+" "+token.AccessToken)
			}
		},
	}

	manager := s.managers[name]
	if manager == nil {
		return proxy
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := manager.EnsureValidToken(r.Context())
		if err != nil {
			s.logger.Warn("upstream token unavailable", "upstream", name, "error", err)
			http.Error(w, "upstream credentials unavailable", http.StatusBadGateway)
			return
		}
		ctx := context.WithValue(r.Context(), upstreamTokenKey{}, token)
		proxy.ServeHTTP(w, r.WithContext(ctx))
	})
}

func singleJoin(a, b string) string {
	switch {
	case strings.HasSuffix(a, "/") && strings.HasPrefix(b, "/"):
		return a + b[1:]
	case !strings.HasSuffix(a, "/") && !strings.HasPrefix(b, "/"):
		return a + "/" + b
	}
	return a + b
}

func buildStorage(cfg *gateway.Config, logger *slog.Logger) (oauth.Storage, *sql.DB, error) {
	if cfg.Database.DSN == "" {
		logger.Info("using in-memory storage")
		return oauth.NewMemoryStorage(), nil, nil
	}

	db, err := sql.Open("postgres", cfg.Database.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)

	if err := migrate.Run(db); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("running migrations: %w", err)
	}

	return postgres.New(db), db, nil
}

// seedStaticClients registers configured clients at startup. Existing
// rows are left alone so restarts do not clobber rotated secrets.
func seedStaticClients(ctx context.Context, storage oauth.Storage, clients []gateway.StaticClientConfig) error {
	for _, c := range clients {
		client := &oauth.Client{
			ID:            uuid.NewString(),
			ClientID:      c.ID,
			Name:          c.Name,
			RedirectURIs:  c.RedirectURIs,
			GrantTypes:    c.GrantTypes,
			ResponseTypes: []string{"code"},
			Scope:         c.Scope,
			Public:        c.Public,
			RequirePKCE:   c.Public,
			IssuedAt:      time.Now(),
			Active:        true,
		}
		if len(client.GrantTypes) == 0 {
			client.GrantTypes = []string{oauth.GrantTypeAuthorizationCode, oauth.GrantTypeRefreshToken}
		}
		if !c.Public {
			hash, err := bcrypt.GenerateFromPassword([]byte(c.Secret), bcrypt.DefaultCost)
			if err != nil {
				return fmt.Errorf("hashing secret for client %s: %w", c.ID, err)
			}
			client.ClientSecret = string(hash)
		}

		err := storage.CreateClient(ctx, client)
		if errors.Is(err, oauth.ErrClientExists) {
			continue
		}
		if err != nil {
			return fmt.Errorf("seeding client %s: %w", c.ID, err)
		}
	}
	return nil
}

func buildManagers(cfg *gateway.Config, logger *slog.Logger) (map[string]*tokenmgr.Manager, error) {
	managers := make(map[string]*tokenmgr.Manager, len(cfg.Upstreams))
	for name, up := range cfg.Upstreams {
		acquirer, err := buildAcquirer(up.Auth)
		if err != nil {
			return nil, fmt.Errorf("upstream %s: %w", name, err)
		}
		if acquirer == nil {
			continue
		}
		managers[name] = tokenmgr.NewManager(tokenmgr.ManagerConfig{
			Name:          name,
			RenewalBuffer: time.Duration(up.RenewalBuffer) * time.Second,
			Logger:        logger,
		}, acquirer, tokenmgr.NewMemoryStore())
	}
	return managers, nil
}

// buildAcquirer dispatches the configured auth variant. A nil acquirer
// with nil error means the upstream needs no credentials.
func buildAcquirer(auth gateway.UpstreamAuthConfig) (tokenmgr.Acquirer, error) {
	switch auth.Type {
	case gateway.AuthNone:
		return nil, nil
	case gateway.AuthBearer:
		return &tokenmgr.StaticAcquirer{Token: auth.Token}, nil
	case gateway.AuthOAuth2Client:
		return tokenmgr.NewClientCredentialsAcquirer(auth.TokenURL, auth.ClientID, auth.ClientSecret, auth.Scopes), nil
	case gateway.AuthOAuth2Code:
		return tokenmgr.NewAuthorizationCodeAcquirer(tokenmgr.AuthorizationCodeConfig{
			AuthURL:      auth.AuthURL,
			TokenURL:     auth.TokenURL,
			ClientID:     auth.ClientID,
			ClientSecret: auth.ClientSecret,
			RedirectURL:  auth.RedirectURL,
			Scopes:       auth.Scopes,
			Code:         auth.Code,
			CodeVerifier: auth.CodeVerifier,
		}), nil
	default:
		return nil, fmt.Errorf("unknown auth type %q", auth.Type)
	}
}
