package controller

import "sync"

// Redirect is a pending navigation target.
type Redirect struct {
	URL       string `json:"url"`
	Permanent bool   `json:"permanent"`
}

// Navigation is the request-scoped side-channel through which hooks signal
// not-found and redirects.
type Navigation struct {
	mu        sync.Mutex
	url       string
	userAgent string
	referer   string
	notFound  bool
	redirects []Redirect
}

// Reset clears all signals and records the current request.
func (n *Navigation) Reset(url, userAgent, referer string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.url = url
	n.userAgent = userAgent
	n.referer = referer
	n.notFound = false
	n.redirects = nil
}

// NotFound marks the request as not found.
func (n *Navigation) NotFound() {
	n.mu.Lock()
	n.notFound = true
	n.mu.Unlock()
}

// Redirect queues a redirect. The last queued redirect wins.
func (n *Navigation) Redirect(url string, permanent bool) {
	n.mu.Lock()
	n.redirects = append(n.redirects, Redirect{URL: url, Permanent: permanent})
	n.mu.Unlock()
}

// IsNotFound reports whether NotFound was called since the last Reset.
func (n *Navigation) IsNotFound() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.notFound
}

// PendingRedirects returns the queued redirects in call order.
func (n *Navigation) PendingRedirects() []Redirect {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]Redirect, len(n.redirects))
	copy(out, n.redirects)
	return out
}

// URL returns the URL recorded by the last Reset.
func (n *Navigation) URL() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.url
}

// UserAgent returns the user agent recorded by the last Reset.
func (n *Navigation) UserAgent() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.userAgent
}

// Referer returns the referer recorded by the last Reset.
func (n *Navigation) Referer() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.referer
}
