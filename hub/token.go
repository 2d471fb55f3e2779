package hub

import (
	"errors"
	"fmt"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/drawsync/drawsync/collab"
)

// share tokens are opaque capability strings handed out when a board is
// shared. The hub verifies one on join; it carries no user identity.

type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
}

func NewTokenIssuer(secret []byte, ttl time.Duration) *TokenIssuer {
	return &TokenIssuer{
		secret: secret,
		ttl:    ttl,
	}
}

func (self *TokenIssuer) MintShareToken(boardId collab.Id) (string, error) {
	now := time.Now()
	claims := gojwt.MapClaims{
		"sub": boardId.String(),
		"jti": uuid.NewString(),
		"iat": now.Unix(),
	}
	if 0 < self.ttl {
		claims["exp"] = now.Add(self.ttl).Unix()
	}
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims)
	return token.SignedString(self.secret)
}

func (self *TokenIssuer) VerifyShareToken(shareToken string, boardId collab.Id) error {
	if shareToken == "" {
		return errors.New("missing share token")
	}
	token, err := gojwt.Parse(
		shareToken,
		func(token *gojwt.Token) (any, error) {
			return self.secret, nil
		},
		gojwt.WithValidMethods([]string{gojwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		return err
	}
	sub, err := token.Claims.GetSubject()
	if err != nil {
		return err
	}
	if sub != boardId.String() {
		return fmt.Errorf("token is for another board")
	}
	return nil
}

// NewGuestSessionId mints the opaque guest identity attached to elements
// created by unauthenticated participants.
func NewGuestSessionId() string {
	return "guest-" + uuid.NewString()
}
