// ABOUTME: URL pin matching for windows restricted to a page
// ABOUTME: Supports exact URLs and glob patterns compiled with gobwas/glob

package window

import (
	"strings"
	"sync"

	"github.com/gobwas/glob"
)

const (
	globMeta = "*?[{"
	// maxPinCache bounds the compiled pattern cache; it is reset when full.
	maxPinCache = 256
)

var (
	pinMu    sync.Mutex
	pinCache = map[string]glob.Glob{}
)

// MatchesPin reports whether pageURL satisfies pin. An empty pin matches every URL.
// Pins without glob metacharacters compare exactly; an invalid pattern never matches.
func MatchesPin(pin, pageURL string) bool {
	if pin == "" {
		return true
	}
	if !strings.ContainsAny(pin, globMeta) {
		return pin == pageURL
	}
	g, ok := compilePin(pin)
	if !ok {
		return false
	}
	return g.Match(pageURL)
}

func compilePin(pin string) (glob.Glob, bool) {
	pinMu.Lock()
	defer pinMu.Unlock()

	if g, ok := pinCache[pin]; ok {
		return g, g != nil
	}
	if len(pinCache) >= maxPinCache {
		clear(pinCache)
	}
	g, err := glob.Compile(pin)
	if err != nil {
		pinCache[pin] = nil
		return nil, false
	}
	pinCache[pin] = g
	return g, true
}
