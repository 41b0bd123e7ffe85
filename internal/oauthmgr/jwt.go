package oauthmgr

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// Claims is the subset of an OAuth id_token's JWT payload this manager
// cares about for metadata extraction. Verification is intentionally not
// performed: the token arrives already validated by the upstream's own
// trust anchor, so this is introspection only.
// Grounded on internal/auth/codex/jwt_parser.go's JWTClaims/ParseJWTToken.
type Claims struct {
	Email     string `json:"email"`
	Sub       string `json:"sub"`
	Exp       int64  `json:"exp"`
	Iat       int64  `json:"iat"`
	AccountID string `json:"account_id"`
}

// ParseIDToken extracts Claims from an id_token's payload segment without
// checking its signature.
func ParseIDToken(idToken string) (*Claims, error) {
	parts := strings.Split(idToken, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("oauthmgr: invalid JWT format: expected 3 parts, got %d", len(parts))
	}

	raw, err := base64URLDecode(parts[1])
	if err != nil {
		return nil, fmt.Errorf("oauthmgr: decode JWT claims: %w", err)
	}

	var claims Claims
	if err := json.Unmarshal(raw, &claims); err != nil {
		return nil, fmt.Errorf("oauthmgr: unmarshal JWT claims: %w", err)
	}
	return &claims, nil
}

func base64URLDecode(data string) ([]byte, error) {
	switch len(data) % 4 {
	case 2:
		data += "=="
	case 3:
		data += "="
	}
	return base64.URLEncoding.DecodeString(data)
}
