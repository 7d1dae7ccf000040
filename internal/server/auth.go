package server

import (
	"errors"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"brokerd/internal/broker"
	"brokerd/internal/ledger"
)

var (
	ErrInvalidToken = errors.New("invalid witness token")
)

const authContextKey = "brokerd:auth"

// WitnessClaims is the payload of one witness token: a signed
// statement by the settlement layer that Address authorized this
// request. Multi-party operations carry one token per signer.
type WitnessClaims struct {
	Address string `json:"address"`
	jwt.RegisteredClaims
}

// witnessAuth verifies every witness token on the request and stores
// the resulting signer set. Requests without tokens still pass; the
// engine rejects missing witnesses itself, operation by operation.
func (s *Server) witnessAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		var tokens []string
		if h := c.GetHeader("Authorization"); h != "" {
			tokens = append(tokens, strings.TrimPrefix(h, "Bearer "))
		}
		tokens = append(tokens, c.Request.Header.Values("X-Witness-Token")...)

		signers := make([]ledger.Address, 0, len(tokens))
		for _, raw := range tokens {
			addr, err := s.verifyWitness(raw)
			if err != nil {
				c.AbortWithStatusJSON(401, gin.H{"error": err.Error()})
				return
			}
			signers = append(signers, addr)
		}

		c.Set(authContextKey, broker.NewAuthContext(signers...))
		c.Next()
	}
}

func (s *Server) verifyWitness(raw string) (ledger.Address, error) {
	var claims WitnessClaims
	token, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.jwtSecret, nil
	})
	if err != nil || !token.Valid {
		return "", ErrInvalidToken
	}

	addr := ledger.Address(claims.Address)
	if addr == "" {
		addr = ledger.Address(claims.Subject)
	}
	if !addr.Valid() {
		return "", ErrInvalidToken
	}
	return addr, nil
}

// auth retrieves the verified signer set stored by witnessAuth.
func auth(c *gin.Context) broker.AuthContext {
	v, ok := c.Get(authContextKey)
	if !ok {
		return broker.NewAuthContext()
	}
	return v.(broker.AuthContext)
}

// SignWitness mints a witness token for an address. Exported for
// tooling and tests; production tokens come from the settlement layer.
func SignWitness(secret []byte, address ledger.Address) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, WitnessClaims{Address: string(address)})
	return token.SignedString(secret)
}
