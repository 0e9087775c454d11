package tokencache

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/tyemirov/backerauth/pkg/hosting"
	"github.com/tyemirov/backerauth/pkg/tokencodec"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultSafetyMargin refreshes tokens this long before they expire.
	DefaultSafetyMargin = time.Minute
	// DefaultRefreshInterval is the background access refresh period.
	DefaultRefreshInterval = 15 * time.Minute
	// DefaultMaxRetries bounds retries of upstream failures.
	DefaultMaxRetries = 3
	// DefaultRetryBase is the first backoff delay.
	DefaultRetryBase = 200 * time.Millisecond
)

var (
	// ErrSignedOut indicates there is no usable session, or the user signed out
	// while the call was in flight.
	ErrSignedOut = errors.New("tokencache.signed_out")
	// ErrSessionExpired is reported by a SessionRefresher when the refresh token expired.
	ErrSessionExpired = errors.New("tokencache.session_expired")
	// ErrSessionInvalid is reported by a SessionRefresher when the refresh token is
	// missing, malformed, or revoked.
	ErrSessionInvalid = errors.New("tokencache.session_invalid")
	// ErrUpstreamUnavailable marks failures worth retrying. Cached tokens survive it.
	ErrUpstreamUnavailable = hosting.ErrUpstreamUnavailable
	// ErrReauthorizeProvider indicates the provider link was dropped and the user
	// must connect the provider again. The session stays valid.
	ErrReauthorizeProvider = errors.New("tokencache.reauthorize_provider")
	// ErrUnknownProvider indicates no client is configured for the provider id.
	ErrUnknownProvider = errors.New("tokencache.unknown_provider")
	// ErrMissingSessionRefresher indicates a Config without Session.
	ErrMissingSessionRefresher = errors.New("tokencache.missing_session_refresher")

	errNotConnected = errors.New("tokencache.not_connected")
)

// SessionRefresher talks to the auth server. The refresh token itself stays in
// the refresher's cookie storage.
type SessionRefresher interface {
	RefreshAccess(ctx context.Context) (string, error)
	RefreshRefresh(ctx context.Context) (string, error)
}

// SessionTerminator is optionally implemented by a SessionRefresher to revoke
// the session on sign-out.
type SessionTerminator interface {
	Logout(ctx context.Context) error
}

// ProviderClient is the delegated token chain for one hosting provider.
type ProviderClient interface {
	ExchangeAuthorizationCode(ctx context.Context, code string) (hosting.LinkTokens, error)
	RefreshProviderAccessToken(ctx context.Context, refreshToken string) (hosting.LinkTokens, error)
	ExchangeForEntitlementToken(ctx context.Context, accessToken string, seriesID string) (hosting.Entitlement, error)
}

// Config wires an Orchestrator.
type Config struct {
	State           *TokenCacheState
	Session         SessionRefresher
	Providers       map[string]ProviderClient
	Links           LinkStore
	SafetyMargin    time.Duration
	RefreshInterval time.Duration
	MaxRetries      uint64
	RetryBase       time.Duration
	Now             func() time.Time
	Logger          *zap.Logger
}

// Orchestrator checks token expiry before use and walks the refresh chains.
// Concurrent refreshes of the same token class share one network call.
type Orchestrator struct {
	state           *TokenCacheState
	session         SessionRefresher
	providers       map[string]ProviderClient
	links           LinkStore
	safetyMargin    time.Duration
	refreshInterval time.Duration
	maxRetries      uint64
	retryBase       time.Duration
	now             func() time.Time
	logger          *zap.Logger

	group        singleflight.Group
	sessionMutex sync.Mutex

	pendingMutex sync.Mutex
	pending      map[string]string
}

// NewOrchestrator applies defaults and loads persisted provider links.
func NewOrchestrator(ctx context.Context, config Config) (*Orchestrator, error) {
	if config.Session == nil {
		return nil, ErrMissingSessionRefresher
	}
	orchestrator := &Orchestrator{
		state:           config.State,
		session:         config.Session,
		providers:       config.Providers,
		links:           config.Links,
		safetyMargin:    config.SafetyMargin,
		refreshInterval: config.RefreshInterval,
		maxRetries:      config.MaxRetries,
		retryBase:       config.RetryBase,
		now:             config.Now,
		logger:          config.Logger,
		pending:         make(map[string]string),
	}
	if orchestrator.state == nil {
		orchestrator.state = NewTokenCacheState()
	}
	if orchestrator.providers == nil {
		orchestrator.providers = make(map[string]ProviderClient)
	}
	if orchestrator.links == nil {
		orchestrator.links = NewMemoryLinkStore()
	}
	if orchestrator.safetyMargin <= 0 {
		orchestrator.safetyMargin = DefaultSafetyMargin
	}
	if orchestrator.refreshInterval <= 0 {
		orchestrator.refreshInterval = DefaultRefreshInterval
	}
	if orchestrator.maxRetries == 0 {
		orchestrator.maxRetries = DefaultMaxRetries
	}
	if orchestrator.retryBase <= 0 {
		orchestrator.retryBase = DefaultRetryBase
	}
	if orchestrator.now == nil {
		orchestrator.now = func() time.Time { return time.Now().UTC() }
	}
	if orchestrator.logger == nil {
		orchestrator.logger = zap.NewNop()
	}

	persisted, err := orchestrator.links.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("tokencache.new_orchestrator: %w", err)
	}
	orchestrator.state.loadLinks(persisted)
	return orchestrator, nil
}

// State exposes the cache the orchestrator writes to.
func (orchestrator *Orchestrator) State() *TokenCacheState {
	return orchestrator.state
}

// SignIn stores the access token returned by a sign-in endpoint.
func (orchestrator *Orchestrator) SignIn(accessToken string) {
	orchestrator.state.SetAccessToken(accessToken)
}

// SignOut clears every cached token and persisted link. Access refreshes and
// rotations still in flight finish before the session is terminated, so a
// refresh cookie written by a late rotation is the one revoked.
func (orchestrator *Orchestrator) SignOut(ctx context.Context) error {
	orchestrator.state.Reset()

	orchestrator.sessionMutex.Lock()
	defer orchestrator.sessionMutex.Unlock()
	// A refresh that started between the first reset and the lock committed
	// under the newer generation.
	orchestrator.state.Reset()
	orchestrator.pendingMutex.Lock()
	clear(orchestrator.pending)
	orchestrator.pendingMutex.Unlock()

	if terminator, ok := orchestrator.session.(SessionTerminator); ok {
		if err := terminator.Logout(ctx); err != nil {
			orchestrator.logger.Warn("session logout failed", zap.String("code", "tokencache.signout.logout_failed"), zap.Error(err))
		}
	}
	if err := orchestrator.links.Clear(ctx); err != nil {
		return fmt.Errorf("tokencache.signout: %w", err)
	}
	return nil
}

// AccessToken returns a session access token valid for at least the safety
// margin, refreshing it first when needed.
func (orchestrator *Orchestrator) AccessToken(ctx context.Context) (string, error) {
	token := orchestrator.state.AccessToken()
	if token != "" && !orchestrator.isStale(token) {
		return token, nil
	}
	return orchestrator.refreshAccess(ctx)
}

// RotateRefreshToken replaces the refresh cookie with a new value.
func (orchestrator *Orchestrator) RotateRefreshToken(ctx context.Context) error {
	_, err := orchestrator.coalesce(ctx, "session:rotate", func(ctx context.Context) (any, error) {
		orchestrator.sessionMutex.Lock()
		defer orchestrator.sessionMutex.Unlock()

		generation := orchestrator.state.Generation()
		err := orchestrator.retry(ctx, func(ctx context.Context) error {
			_, refreshErr := orchestrator.session.RefreshRefresh(ctx)
			return refreshErr
		})
		if err != nil {
			return nil, orchestrator.sessionFailure(generation, "rotate", err)
		}
		if orchestrator.state.Generation() != generation {
			return nil, ErrSignedOut
		}
		return nil, nil
	})
	return err
}

// Start refreshes the access token every RefreshInterval until ctx ends or the
// returned stop function is called.
func (orchestrator *Orchestrator) Start(ctx context.Context) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(orchestrator.refreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				orchestrator.tick(ctx)
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func (orchestrator *Orchestrator) tick(ctx context.Context) {
	if orchestrator.state.AccessToken() == "" {
		return
	}
	if _, err := orchestrator.refreshAccess(ctx); err != nil && ctx.Err() == nil {
		orchestrator.logger.Warn("background access refresh failed", zap.String("code", "tokencache.session.tick_failed"), zap.Error(err))
	}
}

func (orchestrator *Orchestrator) refreshAccess(ctx context.Context) (string, error) {
	value, err := orchestrator.coalesce(ctx, "session", func(ctx context.Context) (any, error) {
		orchestrator.sessionMutex.Lock()
		defer orchestrator.sessionMutex.Unlock()

		generation := orchestrator.state.Generation()
		var token string
		err := orchestrator.retry(ctx, func(ctx context.Context) error {
			var refreshErr error
			token, refreshErr = orchestrator.session.RefreshAccess(ctx)
			return refreshErr
		})
		if err != nil {
			return nil, orchestrator.sessionFailure(generation, "refresh", err)
		}
		if !orchestrator.state.commitAccess(generation, token) {
			return nil, ErrSignedOut
		}
		return token, nil
	})
	if err != nil {
		return "", err
	}
	return value.(string), nil
}

// sessionFailure clears the access token when the refresh token is unusable.
// Transient failures keep the cache intact.
func (orchestrator *Orchestrator) sessionFailure(generation uint64, operation string, err error) error {
	if errors.Is(err, ErrSessionExpired) || errors.Is(err, ErrSessionInvalid) {
		orchestrator.state.clearAccess(generation)
		orchestrator.logger.Info("session ended", zap.String("code", "tokencache.session."+operation+".terminal"), zap.Error(err))
		return fmt.Errorf("tokencache.session.%s: %w: %w", operation, ErrSignedOut, err)
	}
	return fmt.Errorf("tokencache.session.%s: %w", operation, err)
}

func (orchestrator *Orchestrator) isStale(token string) bool {
	claims, err := tokencodec.Decode(token)
	if err != nil {
		return true
	}
	return claims.ExpiresWithin(orchestrator.now(), orchestrator.safetyMargin)
}

// ExpectAuthorization records the nonce the server minted for a consent
// redirect. The callback for providerID must carry it in its state.
func (orchestrator *Orchestrator) ExpectAuthorization(providerID string, nonce string) error {
	if _, err := orchestrator.provider(providerID); err != nil {
		return err
	}
	if nonce == "" {
		return fmt.Errorf("tokencache.connect.%s: %w", providerID, hosting.ErrInvalidState)
	}
	orchestrator.pendingMutex.Lock()
	defer orchestrator.pendingMutex.Unlock()
	orchestrator.pending[providerID] = nonce
	return nil
}

// ConnectProvider completes delegated authorization by checking the callback
// state against the expected nonce, exchanging the callback code and storing
// the resulting link. A matching nonce is consumed.
func (orchestrator *Orchestrator) ConnectProvider(ctx context.Context, providerID string, state string, code string) error {
	client, err := orchestrator.provider(providerID)
	if err != nil {
		return err
	}
	if err := orchestrator.consumeState(providerID, state); err != nil {
		orchestrator.logger.Warn("authorization callback state rejected", zap.String("code", "tokencache.provider.invalid_state"), zap.String("provider", providerID))
		return fmt.Errorf("tokencache.connect.%s: %w", providerID, err)
	}
	generation := orchestrator.state.Generation()
	var tokens hosting.LinkTokens
	err = orchestrator.retry(ctx, func(ctx context.Context) error {
		var exchangeErr error
		tokens, exchangeErr = client.ExchangeAuthorizationCode(ctx, code)
		return exchangeErr
	})
	if err != nil {
		return fmt.Errorf("tokencache.connect.%s: %w", providerID, err)
	}
	orchestrator.state.dropLink(providerID)
	if !orchestrator.state.commitLink(generation, providerID, tokens) {
		return ErrSignedOut
	}
	if err := orchestrator.links.Put(ctx, providerID, tokens); err != nil {
		return fmt.Errorf("tokencache.connect.%s: %w", providerID, err)
	}
	orchestrator.logger.Info("provider connected", zap.String("code", "tokencache.provider.connected"), zap.String("provider", providerID))
	return nil
}

func (orchestrator *Orchestrator) consumeState(providerID string, state string) error {
	_, nonce, err := hosting.ParseState(state)
	if err != nil {
		return err
	}
	orchestrator.pendingMutex.Lock()
	defer orchestrator.pendingMutex.Unlock()
	expected, ok := orchestrator.pending[providerID]
	if !ok || subtle.ConstantTimeCompare([]byte(expected), []byte(nonce)) != 1 {
		return hosting.ErrInvalidState
	}
	delete(orchestrator.pending, providerID)
	return nil
}

// DisconnectProvider destroys the provider link and its entitlements.
func (orchestrator *Orchestrator) DisconnectProvider(ctx context.Context, providerID string) error {
	orchestrator.state.dropLink(providerID)
	if err := orchestrator.links.Delete(ctx, providerID); err != nil {
		return fmt.Errorf("tokencache.disconnect.%s: %w", providerID, err)
	}
	return nil
}

// Entitlement resolves access to a content series. A cached entitlement is
// returned without network calls; otherwise the provider access token is
// ensured and exchanged for a fresh entitlement.
func (orchestrator *Orchestrator) Entitlement(ctx context.Context, providerID string, seriesID string) (Access, error) {
	client, err := orchestrator.provider(providerID)
	if err != nil {
		return nil, err
	}
	if granted, ok := orchestrator.cachedEntitlement(providerID, seriesID); ok {
		return granted, nil
	}
	if _, ok := orchestrator.state.link(providerID); !ok {
		return AccessNotConnected{ProviderID: providerID}, nil
	}

	value, err := orchestrator.coalesce(ctx, "entitlement:"+providerID+":"+seriesID, func(ctx context.Context) (any, error) {
		return orchestrator.fetchEntitlement(ctx, client, providerID, seriesID)
	})
	if errors.Is(err, errNotConnected) {
		return AccessNotConnected{ProviderID: providerID}, nil
	}
	if err != nil {
		return nil, err
	}
	return value.(Access), nil
}

func (orchestrator *Orchestrator) fetchEntitlement(ctx context.Context, client ProviderClient, providerID string, seriesID string) (Access, error) {
	if granted, ok := orchestrator.cachedEntitlement(providerID, seriesID); ok {
		return granted, nil
	}
	generation := orchestrator.state.Generation()

	accessToken, err := orchestrator.providerAccessToken(ctx, client, providerID, "")
	if err != nil {
		return nil, err
	}
	result, err := orchestrator.exchange(ctx, client, accessToken, seriesID)
	if errors.Is(err, hosting.ErrAccessTokenRejected) {
		orchestrator.logger.Info("provider access token rejected", zap.String("code", "tokencache.provider.access_rejected"), zap.String("provider", providerID))
		accessToken, err = orchestrator.providerAccessToken(ctx, client, providerID, accessToken)
		if err != nil {
			return nil, err
		}
		result, err = orchestrator.exchange(ctx, client, accessToken, seriesID)
		if errors.Is(err, hosting.ErrAccessTokenRejected) {
			orchestrator.unlink(ctx, providerID)
			return nil, fmt.Errorf("tokencache.entitlement.%s: %w: %w", providerID, ErrReauthorizeProvider, err)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("tokencache.entitlement.%s: %w", providerID, err)
	}

	switch entitlement := result.(type) {
	case hosting.Entitled:
		if !orchestrator.state.commitEntitlement(generation, providerID, seriesID, entitlement) {
			return nil, ErrSignedOut
		}
		return granted(providerID, seriesID, entitlement), nil
	default:
		orchestrator.state.dropEntitlement(providerID, seriesID)
		return AccessNotEntitled{ProviderID: providerID, SeriesID: seriesID}, nil
	}
}

// providerAccessToken returns a usable provider access token, refreshing the
// link when the cached token is absent, stale, or equal to rejected. A refused
// refresh token drops the link.
func (orchestrator *Orchestrator) providerAccessToken(ctx context.Context, client ProviderClient, providerID string, rejected string) (string, error) {
	link, ok := orchestrator.state.link(providerID)
	if !ok {
		return "", errNotConnected
	}
	if orchestrator.usable(link, rejected) {
		return link.AccessToken, nil
	}

	value, err := orchestrator.coalesce(ctx, "provider:"+providerID, func(ctx context.Context) (any, error) {
		link, ok := orchestrator.state.link(providerID)
		if !ok {
			return nil, errNotConnected
		}
		if orchestrator.usable(link, rejected) {
			return link.AccessToken, nil
		}
		generation := orchestrator.state.Generation()
		var tokens hosting.LinkTokens
		err := orchestrator.retry(ctx, func(ctx context.Context) error {
			var refreshErr error
			tokens, refreshErr = client.RefreshProviderAccessToken(ctx, link.RefreshToken)
			return refreshErr
		})
		if errors.Is(err, hosting.ErrLinkExpired) {
			orchestrator.unlink(ctx, providerID)
			return nil, fmt.Errorf("tokencache.provider.%s: %w: %w", providerID, ErrReauthorizeProvider, err)
		}
		if err != nil {
			return nil, fmt.Errorf("tokencache.provider.%s: %w", providerID, err)
		}
		if !orchestrator.state.commitLink(generation, providerID, tokens) {
			return nil, ErrSignedOut
		}
		if err := orchestrator.links.Put(ctx, providerID, tokens); err != nil {
			orchestrator.logger.Warn("provider link not persisted", zap.String("code", "tokencache.link_store.put_failed"), zap.String("provider", providerID), zap.Error(err))
		}
		return tokens.AccessToken, nil
	})
	if err != nil {
		return "", err
	}
	return value.(string), nil
}

func (orchestrator *Orchestrator) exchange(ctx context.Context, client ProviderClient, accessToken string, seriesID string) (hosting.Entitlement, error) {
	var result hosting.Entitlement
	err := orchestrator.retry(ctx, func(ctx context.Context) error {
		var exchangeErr error
		result, exchangeErr = client.ExchangeForEntitlementToken(ctx, accessToken, seriesID)
		return exchangeErr
	})
	return result, err
}

func (orchestrator *Orchestrator) unlink(ctx context.Context, providerID string) {
	orchestrator.state.dropLink(providerID)
	orchestrator.logger.Warn("provider link dropped", zap.String("code", "tokencache.provider.unlinked"), zap.String("provider", providerID))
	if err := orchestrator.links.Delete(ctx, providerID); err != nil {
		orchestrator.logger.Warn("provider link not deleted", zap.String("code", "tokencache.link_store.delete_failed"), zap.String("provider", providerID), zap.Error(err))
	}
}

func (orchestrator *Orchestrator) usable(link hosting.LinkTokens, rejected string) bool {
	if link.AccessToken == "" || link.AccessToken == rejected {
		return false
	}
	return orchestrator.now().Add(orchestrator.safetyMargin).Before(link.AccessExpiresAt)
}

func (orchestrator *Orchestrator) cachedEntitlement(providerID string, seriesID string) (AccessGranted, bool) {
	entitled, ok := orchestrator.state.entitlement(providerID, seriesID)
	if !ok || entitled.ExpiresWithin(orchestrator.now(), orchestrator.safetyMargin) {
		return AccessGranted{}, false
	}
	return granted(providerID, seriesID, entitled), true
}

func (orchestrator *Orchestrator) provider(providerID string) (ProviderClient, error) {
	client, ok := orchestrator.providers[providerID]
	if !ok {
		return nil, fmt.Errorf("tokencache.provider.%s: %w", providerID, ErrUnknownProvider)
	}
	return client, nil
}

// retry repeats fn with exponential backoff while it reports ErrUpstreamUnavailable.
func (orchestrator *Orchestrator) retry(ctx context.Context, fn func(context.Context) error) error {
	backoff := retry.WithMaxRetries(orchestrator.maxRetries, retry.NewExponential(orchestrator.retryBase))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn(ctx)
		if errors.Is(err, ErrUpstreamUnavailable) {
			return retry.RetryableError(err)
		}
		return err
	})
}

// coalesce runs fn once per key across concurrent callers. The shared call is
// detached from the first caller's cancellation; each caller still stops
// waiting when its own ctx ends.
func (orchestrator *Orchestrator) coalesce(ctx context.Context, key string, fn func(context.Context) (any, error)) (any, error) {
	results := orchestrator.group.DoChan(key, func() (any, error) {
		return fn(context.WithoutCancel(ctx))
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case result := <-results:
		return result.Val, result.Err
	}
}

func granted(providerID string, seriesID string, entitled hosting.Entitled) AccessGranted {
	return AccessGranted{
		ProviderID: providerID,
		SeriesID:   seriesID,
		Token:      entitled.Token,
		Items:      entitled.Items,
		ExpiresAt:  entitled.ExpiresAt,
	}
}
