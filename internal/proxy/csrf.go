package proxy

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/conneroisu/treeline/internal/errors"
)

// TokenHeader carries the CSRF token on unsafe proxy requests.
const TokenHeader = "X-CSRF-Token"

// CookieName returns the name of the cookie holding the CSRF token of a proxy.
func CookieName(proxy string) string {
	return "csrf_" + proxy
}

// tokens issues and verifies signed double-submit tokens. A token is a random
// nonce and the HMAC-SHA256 of proxy name and nonce.
type tokens struct {
	secret []byte
}

func (t tokens) sign(proxy, nonce string) string {
	mac := hmac.New(sha256.New, t.secret)
	mac.Write([]byte(proxy))
	mac.Write([]byte{0})
	mac.Write([]byte(nonce))
	return hex.EncodeToString(mac.Sum(nil))
}

func (t tokens) generate(proxy string) string {
	nonce := strings.ReplaceAll(uuid.NewString(), "-", "")
	return nonce + "." + t.sign(proxy, nonce)
}

func (t tokens) valid(proxy, token string) bool {
	nonce, sig, ok := strings.Cut(token, ".")
	if !ok || nonce == "" {
		return false
	}
	return hmac.Equal([]byte(sig), []byte(t.sign(proxy, nonce)))
}

// issue returns the request's valid token for proxy, setting a fresh cookie
// when the request has none.
func (t tokens) issue(w http.ResponseWriter, r *http.Request, proxy string) string {
	if c, err := r.Cookie(CookieName(proxy)); err == nil && t.valid(proxy, c.Value) {
		return c.Value
	}
	token := t.generate(proxy)
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName(proxy),
		Value:    token,
		Path:     "/",
		SameSite: http.SameSiteStrictMode,
		Secure:   r.TLS != nil,
	})
	return token
}

// verify checks the token header of r against its cookie.
func (t tokens) verify(r *http.Request, proxy string) error {
	c, err := r.Cookie(CookieName(proxy))
	if err != nil {
		return csrfError(proxy, "missing CSRF cookie")
	}
	header := r.Header.Get(TokenHeader)
	if header == "" {
		return csrfError(proxy, "missing "+TokenHeader+" header")
	}
	if subtle.ConstantTimeCompare([]byte(header), []byte(c.Value)) != 1 {
		return csrfError(proxy, "CSRF token does not match cookie")
	}
	if !t.valid(proxy, c.Value) {
		return csrfError(proxy, "CSRF token signature is invalid")
	}
	return nil
}

func csrfError(proxy, message string) error {
	return &errors.TreelineError{
		Type:     errors.ErrorTypeProxy,
		Code:     errors.ErrCodeCSRF,
		Message:  message,
		Resource: proxy,
	}
}

// safeMethod reports whether method cannot change server state.
func safeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
		return true
	default:
		return false
	}
}
