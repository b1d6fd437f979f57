// Package auth draws the role boundary between wallet users and the admin.
//
// Wallet users identify themselves with a personal_sign signature over
// LoginMessage; the admin presents a shared secret. Neither carries session
// state.
package auth

import (
	"crypto/subtle"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
)

const (
	// ContextKeyWallet is the key for storing the authenticated wallet address
	ContextKeyWallet = "authWalletAddr"
	// ContextKeyRole is the key for storing the caller role
	ContextKeyRole = "authRole"

	RoleUser  = "user"
	RoleAdmin = "admin"

	HeaderAdminSecret     = "X-Admin-Secret"
	HeaderWalletAddress   = "X-Wallet-Address"
	HeaderWalletSignature = "X-Wallet-Signature"
	HeaderWalletTimestamp = "X-Wallet-Timestamp"

	// DefaultMaxSkew bounds how old a signed timestamp may be.
	DefaultMaxSkew = 5 * time.Minute
)

// Verifier resolves the wallet address behind a request.
type Verifier interface {
	Verify(r *http.Request) (string, error)
}

// SignatureVerifier checks the wallet headers against an EIP-191 signature
// of LoginMessage(address, timestamp).
type SignatureVerifier struct {
	MaxSkew time.Duration
	now     func() time.Time
}

// NewSignatureVerifier creates a verifier. maxSkew <= 0 selects DefaultMaxSkew.
func NewSignatureVerifier(maxSkew time.Duration) *SignatureVerifier {
	if maxSkew <= 0 {
		maxSkew = DefaultMaxSkew
	}
	return &SignatureVerifier{MaxSkew: maxSkew, now: time.Now}
}

func (v *SignatureVerifier) Verify(r *http.Request) (string, error) {
	addr := r.Header.Get(HeaderWalletAddress)
	if !common.IsHexAddress(addr) {
		return "", ErrBadSignature
	}
	ts, err := strconv.ParseInt(r.Header.Get(HeaderWalletTimestamp), 10, 64)
	if err != nil {
		return "", ErrStale
	}
	age := v.now().Sub(time.Unix(ts, 0))
	if age < -v.MaxSkew || age > v.MaxSkew {
		return "", ErrStale
	}
	if err := VerifySignature(LoginMessage(addr, ts), r.Header.Get(HeaderWalletSignature), addr); err != nil {
		return "", err
	}
	return strings.ToLower(addr), nil
}

// HeaderVerifier trusts X-Wallet-Address as-is. Development only.
type HeaderVerifier struct{}

func (HeaderVerifier) Verify(r *http.Request) (string, error) {
	addr := r.Header.Get(HeaderWalletAddress)
	if !common.IsHexAddress(addr) {
		return "", ErrBadSignature
	}
	return strings.ToLower(addr), nil
}

// WalletIdentity resolves the caller wallet when wallet headers are present.
// Requests without them pass through unauthenticated.
func WalletIdentity(v Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetHeader(HeaderWalletAddress) != "" {
			if addr, err := v.Verify(c.Request); err == nil {
				c.Set(ContextKeyWallet, addr)
				c.Set(ContextKeyRole, RoleUser)
			}
		}
		c.Next()
	}
}

// RequireWallet rejects requests without a verified wallet.
func RequireWallet() gin.HandlerFunc {
	return func(c *gin.Context) {
		if GetWallet(c) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "UNAUTHORIZED",
				"message": "Wallet signature required. Include X-Wallet-Address, X-Wallet-Signature and X-Wallet-Timestamp headers.",
			})
			return
		}
		c.Next()
	}
}

// RequireAdmin rejects requests whose X-Admin-Secret does not match secret.
// An empty secret locks the admin surface entirely.
func RequireAdmin(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		got := c.GetHeader(HeaderAdminSecret)
		if got == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "UNAUTHORIZED",
				"message": "Admin secret required.",
			})
			return
		}
		if secret == "" || subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "FORBIDDEN",
				"message": "Invalid admin secret.",
			})
			return
		}
		c.Set(ContextKeyRole, RoleAdmin)
		c.Next()
	}
}

// GetWallet returns the authenticated wallet address, or "".
func GetWallet(c *gin.Context) string {
	addr, exists := c.Get(ContextKeyWallet)
	if !exists {
		return ""
	}
	s, _ := addr.(string)
	return s
}

// IsAdmin reports whether RequireAdmin accepted the request.
func IsAdmin(c *gin.Context) bool {
	return c.GetString(ContextKeyRole) == RoleAdmin
}
