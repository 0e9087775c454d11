// Package tokencache holds client-side tokens and orchestrates their refresh:
// the session access token, hosting-provider links, and per-series
// entitlement tokens.
package tokencache

import (
	"strings"
	"sync"

	"github.com/tyemirov/backerauth/pkg/hosting"
)

type entitlementKey struct {
	providerID string
	seriesID   string
}

// TokenCacheState is the volatile token cache owned by the application root.
// Every sign-out bumps the generation; writes carrying an older generation are
// discarded so an in-flight refresh cannot repopulate a cleared cache.
type TokenCacheState struct {
	mutex        sync.Mutex
	generation   uint64
	accessToken  string
	links        map[string]hosting.LinkTokens
	entitlements map[entitlementKey]hosting.Entitled
}

// NewTokenCacheState returns an empty cache.
func NewTokenCacheState() *TokenCacheState {
	return &TokenCacheState{
		links:        make(map[string]hosting.LinkTokens),
		entitlements: make(map[entitlementKey]hosting.Entitled),
	}
}

// Reset clears every token and starts a new generation.
func (state *TokenCacheState) Reset() {
	state.mutex.Lock()
	defer state.mutex.Unlock()
	state.generation++
	state.accessToken = ""
	state.links = make(map[string]hosting.LinkTokens)
	state.entitlements = make(map[entitlementKey]hosting.Entitled)
}

// Generation returns the current auth generation.
func (state *TokenCacheState) Generation() uint64 {
	state.mutex.Lock()
	defer state.mutex.Unlock()
	return state.generation
}

// AccessToken returns the cached session access token, possibly empty.
func (state *TokenCacheState) AccessToken() string {
	state.mutex.Lock()
	defer state.mutex.Unlock()
	return state.accessToken
}

// SetAccessToken stores the access token returned by a sign-in.
func (state *TokenCacheState) SetAccessToken(token string) {
	state.mutex.Lock()
	defer state.mutex.Unlock()
	state.accessToken = token
}

func (state *TokenCacheState) commitAccess(generation uint64, token string) bool {
	state.mutex.Lock()
	defer state.mutex.Unlock()
	if generation != state.generation {
		return false
	}
	state.accessToken = token
	return true
}

func (state *TokenCacheState) clearAccess(generation uint64) {
	state.mutex.Lock()
	defer state.mutex.Unlock()
	if generation == state.generation {
		state.accessToken = ""
	}
}

func (state *TokenCacheState) link(providerID string) (hosting.LinkTokens, bool) {
	state.mutex.Lock()
	defer state.mutex.Unlock()
	tokens, ok := state.links[providerID]
	return tokens, ok
}

func (state *TokenCacheState) commitLink(generation uint64, providerID string, tokens hosting.LinkTokens) bool {
	state.mutex.Lock()
	defer state.mutex.Unlock()
	if generation != state.generation {
		return false
	}
	state.links[providerID] = tokens
	return true
}

func (state *TokenCacheState) loadLinks(links map[string]hosting.LinkTokens) {
	state.mutex.Lock()
	defer state.mutex.Unlock()
	for providerID, tokens := range links {
		state.links[providerID] = tokens
	}
}

// dropLink removes a provider link and every entitlement derived from it.
func (state *TokenCacheState) dropLink(providerID string) {
	state.mutex.Lock()
	defer state.mutex.Unlock()
	delete(state.links, providerID)
	state.dropEntitlementsLocked(providerID)
}

func (state *TokenCacheState) entitlement(providerID string, seriesID string) (hosting.Entitled, bool) {
	state.mutex.Lock()
	defer state.mutex.Unlock()
	entitled, ok := state.entitlements[entitlementKey{providerID: providerID, seriesID: seriesID}]
	return entitled, ok
}

func (state *TokenCacheState) commitEntitlement(generation uint64, providerID string, seriesID string, entitled hosting.Entitled) bool {
	state.mutex.Lock()
	defer state.mutex.Unlock()
	if generation != state.generation {
		return false
	}
	state.entitlements[entitlementKey{providerID: providerID, seriesID: seriesID}] = entitled
	return true
}

func (state *TokenCacheState) dropEntitlement(providerID string, seriesID string) {
	state.mutex.Lock()
	defer state.mutex.Unlock()
	delete(state.entitlements, entitlementKey{providerID: providerID, seriesID: seriesID})
}

func (state *TokenCacheState) dropEntitlementsLocked(providerID string) {
	for key := range state.entitlements {
		if strings.EqualFold(key.providerID, providerID) {
			delete(state.entitlements, key)
		}
	}
}
