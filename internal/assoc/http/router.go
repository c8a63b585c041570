package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/clubworks/assoc/internal/assoc/service"
	"github.com/clubworks/assoc/internal/assoc/store"
	"github.com/clubworks/assoc/pkg/httpx"
	"github.com/clubworks/assoc/pkg/jwtx"
	"github.com/clubworks/assoc/pkg/slogx"

	_ "github.com/clubworks/assoc/api/assoc" // Swagger docs
	httpSwagger "github.com/swaggo/http-swagger"
)

// Router holds shared dependencies for HTTP handlers.
type Router struct {
	Mux         *http.ServeMux
	middlewares []httpx.Middleware

	keys         *jwtx.KeySet
	verifier     *jwtx.Verifier
	issuer       string
	buildVersion string
	startTime    time.Time
	logger       *slog.Logger

	store            store.Store
	LoginService     *service.LoginService
	TwoFactorService *service.TwoFactorService
}

func NewRouter(
	keys *jwtx.KeySet,
	verifier *jwtx.Verifier,
	issuer, buildVersion string,
	st store.Store,
	logger *slog.Logger,
) *Router {
	r := &Router{
		Mux:          http.NewServeMux(),
		keys:         keys,
		verifier:     verifier,
		issuer:       issuer,
		buildVersion: buildVersion,
		startTime:    time.Now(),
		store:        st,
		logger:       logger,
	}

	// Set default middleware chain
	r.middlewares = []httpx.Middleware{
		slogx.HTTPMiddleware(r.logger),
	}

	return r
}

func (r *Router) ApplyRoutes() {
	r.registerAuth()
	r.registerTwoFactor()
	r.registerAdmin()
	r.registerSystem()

	r.Mux.Handle("/swagger/", httpSwagger.Handler())
}

// ServeHTTP implements http.Handler for Router and applies the global middleware chain.
//
//	@title			ClubWorks Association API
//	@version		0.1.0
//	@description	Membership and authentication service for association committees, providing
//	@description	password plus two-factor login with JWT-based access tokens.
//	@description
//	@description				Access tokens are signed with EdDSA (Ed25519) and carry an `amr` claim
//	@description				listing the authentication methods that produced the token.
//
//	@contact.name				ClubWorks Team
//	@contact.url				https://github.com/clubworks/assoc
//
//	@license.name				MIT
//	@license.url				https://opensource.org/licenses/MIT
//
//	@host						localhost:8080
//	@BasePath					/
//
//	@schemes					http https
//
//	@securityDefinitions.apikey	BearerAuth
//	@in							header
//	@name						Authorization
//	@description				JWT access token. Format: "Bearer {token}".
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	httpx.Chain(r.Mux, r.middlewares...).ServeHTTP(w, req)
}

func (r *Router) registerAuth() {
	h := &LoginHandler{LoginService: r.LoginService}

	// POST /auth/login - strict rate limit by IP (password guessing surface)
	r.Mux.Handle("POST /v1/auth/login",
		httpx.Chain(http.HandlerFunc(h.HandleLogin),
			httpx.RateLimitByIP(httpx.StrictLimit),
		),
	)

	// POST /auth/2fa/complete - strict rate limit by IP. The temp token is
	// the only credential here, so this cannot be limited per user.
	r.Mux.Handle("POST /v1/auth/2fa/complete",
		httpx.Chain(http.HandlerFunc(h.HandleComplete),
			httpx.RateLimitByIP(httpx.StrictLimit),
		),
	)
}

func (r *Router) registerTwoFactor() {
	h := &TwoFactorHandler{TwoFactor: r.TwoFactorService}

	// GET /2fa/status - lenient rate limit by user (read-only, polled by UIs)
	securedStatus := httpx.Chain(http.HandlerFunc(h.HandleStatus),
		httpx.AuthnMiddleware(r.verifier),
		httpx.RateLimitByUser(httpx.LenientLimit),
	)

	// POST /2fa/setup - moderate rate limit by user
	securedSetup := httpx.Chain(http.HandlerFunc(h.HandleSetup),
		httpx.AuthnMiddleware(r.verifier),
		httpx.RateLimitByUser(httpx.ModerateLimit),
	)

	// POST /2fa/enable - strict rate limit by user (code guessing surface)
	securedEnable := httpx.Chain(http.HandlerFunc(h.HandleEnable),
		httpx.AuthnMiddleware(r.verifier),
		httpx.RateLimitByUser(httpx.StrictLimit),
	)

	// POST /2fa/verify - strict rate limit by user (code guessing surface)
	securedVerify := httpx.Chain(http.HandlerFunc(h.HandleVerify),
		httpx.AuthnMiddleware(r.verifier),
		httpx.RateLimitByUser(httpx.StrictLimit),
	)

	// POST /2fa/sms/send - strict rate limit by user on top of the
	// service-level hourly cap
	securedSendSms := httpx.Chain(http.HandlerFunc(h.HandleSendSms),
		httpx.AuthnMiddleware(r.verifier),
		httpx.RateLimitByUser(httpx.StrictLimit),
	)

	// POST /2fa/backup-codes - requires a fully two-factor authenticated
	// session, moderate rate limit by user
	securedRegenerate := httpx.Chain(http.HandlerFunc(h.HandleRegenerateBackupCodes),
		httpx.AuthnMiddleware(r.verifier),
		httpx.RequireMFA(),
		httpx.RateLimitByUser(httpx.ModerateLimit),
	)

	// DELETE /2fa - requires a fully two-factor authenticated session,
	// moderate rate limit by user
	securedDisable := httpx.Chain(http.HandlerFunc(h.HandleDisable),
		httpx.AuthnMiddleware(r.verifier),
		httpx.RequireMFA(),
		httpx.RateLimitByUser(httpx.ModerateLimit),
	)

	r.Mux.Handle("GET /v1/2fa/status", securedStatus)
	r.Mux.Handle("POST /v1/2fa/setup", securedSetup)
	r.Mux.Handle("POST /v1/2fa/enable", securedEnable)
	r.Mux.Handle("POST /v1/2fa/verify", securedVerify)
	r.Mux.Handle("POST /v1/2fa/sms/send", securedSendSms)
	r.Mux.Handle("POST /v1/2fa/backup-codes", securedRegenerate)
	r.Mux.Handle("DELETE /v1/2fa", securedDisable)
}

func (r *Router) registerAdmin() {
	h := &AdminHandler{
		TwoFactor: r.TwoFactorService,
		Store:     r.store,
	}

	// POST /admin/users/{id}/2fa/force-disable - moderate rate limit by user.
	// The handler additionally checks the admin flag and recent reverification.
	secured := httpx.Chain(http.HandlerFunc(h.HandleForceDisable),
		httpx.AuthnMiddleware(r.verifier),
		httpx.RequireMFA(),
		httpx.RateLimitByUser(httpx.ModerateLimit),
	)

	r.Mux.Handle("POST /v1/admin/users/{id}/2fa/force-disable", secured)
}

func (r *Router) registerSystem() {
	// Health check endpoints - lenient rate limits (monitoring systems may poll frequently)
	r.Mux.Handle("GET /livez",
		httpx.Chain(LivezHandler(r.startTime, r.buildVersion),
			httpx.RateLimitByIP(httpx.LenientLimit),
		),
	)
	r.Mux.Handle("GET /readyz",
		httpx.Chain(ReadyzHandler(r.startTime, r.buildVersion, r.store, r.keys),
			httpx.RateLimitByIP(httpx.LenientLimit),
		),
	)
}
