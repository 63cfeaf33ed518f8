/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package guest

import (
	"encoding/json"
	"errors"
	"fmt"

	jose "github.com/go-jose/go-jose/v4"
)

// ErrInvalidToken is returned for tokens that do not decode or lack a
// room or guest id.
var ErrInvalidToken = errors.New("guest: invalid invite token")

// Claims is the identity carried by an invite token.
type Claims struct {
	RoomID  string `json:"roomId"`
	GuestID string `json:"guestId"`
	Name    string `json:"name,omitempty"`
}

var tokenAlgorithms = []jose.SignatureAlgorithm{
	jose.HS256, jose.HS384, jose.HS512,
	jose.RS256, jose.ES256, jose.EdDSA,
}

// DecodeToken reads the claims of a compact JWS invite token. The
// signature is not checked here; the signaling server verifies the token
// when the guest connects.
func DecodeToken(token string) (*Claims, error) {
	jws, err := jose.ParseSigned(token, tokenAlgorithms)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	var claims Claims
	if err := json.Unmarshal(jws.UnsafePayloadWithoutVerification(), &claims); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if claims.RoomID == "" || claims.GuestID == "" {
		return nil, fmt.Errorf("%w: missing roomId or guestId", ErrInvalidToken)
	}
	return &claims, nil
}
