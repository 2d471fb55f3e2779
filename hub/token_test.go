package hub

import (
	"strings"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"github.com/drawsync/drawsync/collab"
)

func TestShareTokenMintVerify(t *testing.T) {
	issuer := NewTokenIssuer([]byte("test-secret"), time.Hour)
	boardId := collab.NewId()

	shareToken, err := issuer.MintShareToken(boardId)
	assert.Equal(t, nil, err)
	assert.NotEqual(t, "", shareToken)

	assert.Equal(t, nil, issuer.VerifyShareToken(shareToken, boardId))
}

func TestShareTokenWrongBoard(t *testing.T) {
	issuer := NewTokenIssuer([]byte("test-secret"), time.Hour)

	shareToken, err := issuer.MintShareToken(collab.NewId())
	assert.Equal(t, nil, err)

	err = issuer.VerifyShareToken(shareToken, collab.NewId())
	assert.NotEqual(t, err, nil)
}

func TestShareTokenWrongSecret(t *testing.T) {
	boardId := collab.NewId()
	shareToken, err := NewTokenIssuer([]byte("secret-a"), time.Hour).MintShareToken(boardId)
	assert.Equal(t, nil, err)

	err = NewTokenIssuer([]byte("secret-b"), time.Hour).VerifyShareToken(shareToken, boardId)
	assert.NotEqual(t, err, nil)
}

func TestShareTokenExpired(t *testing.T) {
	issuer := NewTokenIssuer([]byte("test-secret"), -time.Minute)
	boardId := collab.NewId()

	shareToken, err := issuer.MintShareToken(boardId)
	assert.Equal(t, nil, err)

	err = issuer.VerifyShareToken(shareToken, boardId)
	assert.NotEqual(t, err, nil)
}

func TestShareTokenMissing(t *testing.T) {
	issuer := NewTokenIssuer([]byte("test-secret"), time.Hour)
	err := issuer.VerifyShareToken("", collab.NewId())
	assert.NotEqual(t, err, nil)
}

func TestShareTokenNoExpiry(t *testing.T) {
	issuer := NewTokenIssuer([]byte("test-secret"), 0)
	boardId := collab.NewId()

	shareToken, err := issuer.MintShareToken(boardId)
	assert.Equal(t, nil, err)
	assert.Equal(t, nil, issuer.VerifyShareToken(shareToken, boardId))
}

func TestGuestSessionId(t *testing.T) {
	a := NewGuestSessionId()
	b := NewGuestSessionId()
	assert.Equal(t, true, strings.HasPrefix(a, "guest-"))
	assert.NotEqual(t, a, b)
}
