package handoff

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// LinkService mints and resolves resumable links. A link embeds a signed
// token addressing the internal conversation, so resolving it later opens
// the second-phase surface with full history. Tokens are deterministic in
// effect: regenerating one for the same conversation yields another valid
// token for the same id.
type LinkService struct {
	secretKey []byte
	baseURL   string
}

const linkIssuer = "hustler-funnel"

func NewLinkService(secret, baseURL string) *LinkService {
	return &LinkService{
		secretKey: []byte(secret),
		baseURL:   strings.TrimSuffix(baseURL, "/"),
	}
}

// Generate returns the full resumable URL for a conversation.
func (ls *LinkService) Generate(conversationID string, issuedAt time.Time) (string, error) {
	claims := jwt.RegisteredClaims{
		Subject:  conversationID,
		Issuer:   linkIssuer,
		IssuedAt: jwt.NewNumericDate(issuedAt),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(ls.secretKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign resume token: %w", err)
	}
	return ls.baseURL + "/resume/" + signed, nil
}

// Resolve validates a resume token and returns the conversation id it
// addresses.
func (ls *LinkService) Resolve(tokenString string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &jwt.RegisteredClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return ls.secretKey, nil
	}, jwt.WithIssuer(linkIssuer))
	if err != nil {
		return "", fmt.Errorf("invalid resume token: %w", err)
	}
	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject == "" {
		return "", fmt.Errorf("resume token has no subject")
	}
	return claims.Subject, nil
}
