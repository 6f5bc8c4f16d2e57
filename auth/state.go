package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/hupe1980/agentbridge/core"
)

// State errors
var (
	ErrInvalidState = errors.New("invalid sign-in state")
	ErrExpiredState = errors.New("sign-in state expired")
)

// SignInState is what the sign-in URL carries through the identity
// provider round trip.
type SignInState struct {
	ConversationID string
	UserID         string
	Resource       string
	Nonce          string
	ExpiresAt      time.Time
}

type stateClaims struct {
	Conversation string `json:"conv"`
	Resource     string `json:"res"`
	jwt.RegisteredClaims
}

// SignerOptions configures a StateSigner.
type SignerOptions struct {
	Now func() time.Time
}

// StateSigner signs and verifies sign-in state with HS256.
type StateSigner struct {
	secret []byte
	now    func() time.Time
}

// NewStateSigner creates a signer. The secret must not be empty.
func NewStateSigner(secret []byte, optFns ...func(o *SignerOptions)) (*StateSigner, error) {
	if len(secret) == 0 {
		return nil, errors.New("sign-in state secret must not be empty")
	}
	opts := SignerOptions{Now: time.Now}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &StateSigner{secret: secret, now: opts.Now}, nil
}

// Sign encodes st as a compact JWT. A missing nonce is generated.
func (s *StateSigner) Sign(st SignInState) (string, error) {
	if st.Nonce == "" {
		st.Nonce = core.NewID()
	}
	claims := stateClaims{
		Conversation: st.ConversationID,
		Resource:     st.Resource,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   st.UserID,
			ID:        st.Nonce,
			IssuedAt:  jwt.NewNumericDate(s.now()),
			ExpiresAt: jwt.NewNumericDate(st.ExpiresAt),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// Verify checks the signature and expiry of raw and returns the state.
func (s *StateSigner) Verify(raw string) (*SignInState, error) {
	var claims stateClaims
	token, err := jwt.ParseWithClaims(raw, &claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredState
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	if !token.Valid || claims.Subject == "" || claims.Conversation == "" {
		return nil, ErrInvalidState
	}

	st := &SignInState{
		ConversationID: claims.Conversation,
		UserID:         claims.Subject,
		Resource:       claims.Resource,
		Nonce:          claims.ID,
	}
	if claims.ExpiresAt != nil {
		st.ExpiresAt = claims.ExpiresAt.Time
	}
	return st, nil
}

// TokenExpiry extracts the exp claim of a JWT access token without
// verifying it. The bridge only relays the token; the downstream service
// verifies it. ok is false when raw is not a JWT or has no exp.
func TokenExpiry(raw string) (time.Time, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}
