package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/clubworks/assoc/internal/assoc/domain"
	"github.com/clubworks/assoc/internal/assoc/store"
	"github.com/clubworks/assoc/pkg/cryptox"
	"github.com/clubworks/assoc/pkg/idx"
	"github.com/clubworks/assoc/pkg/jwtx"
)

var ErrInvalidCredentials = errors.New("invalid username or password")

// dummyHash equalises password verification timing when the username is
// unknown. It is computed lazily so importing the package never touches
// the pepper file.
var dummyHash = sync.OnceValues(func() (string, error) {
	return cryptox.HashPassword("timing-equaliser")
})

// LoginService authenticates members. When two-factor is enabled the
// password step yields a short-lived challenge instead of a token; the
// token is only issued once the second factor verifies.
type LoginService struct {
	Store     store.Store
	TwoFactor *TwoFactorService
	Signer    *jwtx.Signer
	Issuer    string
	AccessTTL time.Duration
	Clock     Clock
	Audit     AuditSink
}

// LoginResult carries either an access token or a two-factor challenge,
// never both.
type LoginResult struct {
	AccessToken string                    `json:"access_token,omitempty"`
	TokenType   string                    `json:"token_type,omitempty"`
	ExpiresIn   int                       `json:"expires_in,omitempty"`
	Challenge   *domain.ChallengeResponse `json:"challenge,omitempty"`
}

func (s *LoginService) now() time.Time {
	if s.Clock != nil {
		return s.Clock.Now()
	}
	return time.Now()
}

func (s *LoginService) audit(ctx context.Context, e AuditEvent) {
	if s.Audit != nil {
		s.Audit.Record(ctx, e)
	}
}

func (s *LoginService) accessTTL() time.Duration {
	if s.AccessTTL > 0 {
		return s.AccessTTL
	}
	return jwtx.DefaultAccessTokenTTL
}

// Login verifies the password. Members without two-factor get a token
// immediately (AMR records password only); members with two-factor get a
// challenge referencing a temp session.
func (s *LoginService) Login(ctx context.Context, username, password string, meta domain.RequestMeta) (*LoginResult, error) {
	user, err := s.Store.Users().GetUserByUsername(ctx, username)
	if errors.Is(err, store.ErrNotFound) {
		// Burn a comparison anyway so unknown usernames cost the same.
		if hash, hashErr := dummyHash(); hashErr == nil {
			_ = cryptox.VerifyPassword(password, hash)
		}
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, domain.Dependency("failed to load user", err)
	}

	if err := cryptox.VerifyPassword(password, user.PasswordHash); err != nil {
		s.audit(ctx, AuditEvent{Action: "login.password", UserID: user.ID, Success: false})
		return nil, ErrInvalidCredentials
	}

	settings, err := s.Store.TwoFactorSettings().Get(ctx, user.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, domain.Dependency("failed to load two-factor settings", err)
	}
	if err != nil || !settings.Enabled {
		s.audit(ctx, AuditEvent{Action: "login.password", UserID: user.ID, Success: true, Detail: "no second factor"})
		return s.issueToken(user, idx.New().String(), []string{jwtx.AMRPassword})
	}

	challenge, err := s.createChallenge(ctx, user, settings.Method, meta)
	if err != nil {
		return nil, err
	}

	if settings.Method == domain.MethodSms {
		if err := s.TwoFactor.SendSmsCode(ctx, user.ID, meta); err != nil {
			var secErr *domain.SecurityError
			if !errors.As(err, &secErr) {
				return nil, err
			}
			// Rate limited: the previously sent code is still valid for
			// this member, so the challenge goes out regardless.
		}
	}

	s.audit(ctx, AuditEvent{Action: "login.password", UserID: user.ID, Success: true, Detail: "challenge issued"})
	return &LoginResult{Challenge: challenge}, nil
}

// CompleteTwoFactor redeems a challenge with a verification code and
// issues the access token.
func (s *LoginService) CompleteTwoFactor(ctx context.Context, tempToken, code string, channel domain.Channel, meta domain.RequestMeta) (*LoginResult, error) {
	now := s.now()

	session, err := s.Store.TempSessions().GetTempSessionByTokenHash(ctx, cryptox.FingerprintToken(tempToken))
	if errors.Is(err, store.ErrNotFound) {
		return nil, domain.ErrSessionInvalid
	}
	if err != nil {
		return nil, domain.Dependency("failed to load challenge session", err)
	}
	if !session.Usable(now) {
		return nil, domain.ErrSessionInvalid
	}

	if err := s.TwoFactor.Verify(ctx, session.UserID, code, channel, meta); err != nil {
		// Wrong sms codes are already counted against this session inside
		// the sms check; counting them here again would double-bill.
		effective := channel
		if effective == "" {
			effective = session.Method.DefaultChannel()
		}
		if errors.Is(err, domain.ErrInvalidCode) && effective != domain.ChannelSms {
			if _, incErr := s.Store.TempSessions().IncrementTempSessionAttempts(ctx, session.ID); incErr != nil {
				return nil, domain.Dependency("failed to count challenge attempt", incErr)
			}
		}
		return nil, err
	}

	if err := s.Store.TempSessions().CompleteTempSession(ctx, session.ID, now); err != nil {
		return nil, domain.Dependency("failed to complete challenge session", err)
	}

	user, err := s.Store.Users().GetUserByID(ctx, session.UserID)
	if err != nil {
		return nil, domain.Dependency("failed to load user", err)
	}

	s.audit(ctx, AuditEvent{Action: "login.two_factor", UserID: user.ID, Success: true})
	return s.issueToken(user, session.ID, []string{jwtx.AMRPassword, jwtx.AMROTP, jwtx.AMRMFA})
}

func (s *LoginService) createChallenge(ctx context.Context, user domain.User, method domain.Method, meta domain.RequestMeta) (*domain.ChallengeResponse, error) {
	token, err := cryptox.GenerateToken(cryptox.TokenSize256)
	if err != nil {
		return nil, domain.Dependency("failed to generate challenge token", err)
	}

	now := s.now()
	ttl := s.TwoFactor.sessionTTL()
	session := domain.TempSession{
		ID:        idx.New().String(),
		UserID:    user.ID,
		TokenHash: cryptox.FingerprintToken(token),
		Method:    method,
		Data: domain.LoginData{
			Username:  user.Username,
			IPAddress: meta.IPAddress,
			UserAgent: meta.UserAgent,
		},
		MaxAttempts: s.TwoFactor.sessionMaxAttempts(),
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}
	if err := s.Store.TempSessions().CreateTempSession(ctx, session); err != nil {
		return nil, domain.Dependency("failed to store challenge session", err)
	}

	return &domain.ChallengeResponse{
		TwoFactorRequired: true,
		TempToken:         token,
		Method:            method,
		ExpiresIn:         int(ttl.Seconds()),
	}, nil
}

func (s *LoginService) issueToken(user domain.User, sid string, amr []string) (*LoginResult, error) {
	ttl := s.accessTTL()
	claims := jwtx.NewAccessClaims(user.ID, sid, amr, ttl, s.Issuer, user.Username, s.now())

	token, err := s.Signer.Sign(claims)
	if err != nil {
		return nil, fmt.Errorf("failed to sign access token: %w", err)
	}

	return &LoginResult{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresIn:   int(ttl.Seconds()),
	}, nil
}
