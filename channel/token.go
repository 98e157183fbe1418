package channel

import "context"

// Token is a node's belief that it holds the circulating ring token.
type Token struct {
	held bool
}

func NewToken(held bool) *Token { return &Token{held: held} }

func (t *Token) Held() bool { return t.held }
func (t *Token) Hold()      { t.held = true }
func (t *Token) Release()   { t.held = false }

// TokenGate grants the channel only while the token is held. It never
// senses the carrier: mutual exclusion comes from token circulation.
type TokenGate struct {
	Token *Token
}

func (TokenGate) Name() string { return KindToken }

func (g TokenGate) MayTransmit(context.Context) bool { return g.Token.Held() }
