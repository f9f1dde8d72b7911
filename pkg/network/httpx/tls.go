package httpx

import "golang.org/x/crypto/acme/autocert"

const certCacheDir = "assets/cache"

// NewCertManager makes a Let's Encrypt certificate manager for the host,
// an empty host accepts any.
func NewCertManager(host string, cacheDir string) *autocert.Manager {
	if cacheDir == "" {
		cacheDir = certCacheDir
	}
	m := &autocert.Manager{Prompt: autocert.AcceptTOS, Cache: autocert.DirCache(cacheDir)}
	if host != "" {
		m.HostPolicy = autocert.HostWhitelist(host)
	}
	return m
}
