package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"time"

	"devlink-server/internal/model"
	"github.com/golang-jwt/jwt/v5"
)

var ErrWrongPrincipalType = errors.New("wrong principal type")

// Claims bind a token to a principal. Device tokens additionally pin the
// device id; the id is never read from client-supplied fields.
type Claims struct {
	PrincipalType string `json:"pt"`
	DeviceID      string `json:"did,omitempty"`
	jwt.RegisteredClaims
}

type TokenConfig struct {
	Secret string
	Expiry time.Duration
	Issuer string
}

func DefaultTokenConfig(secret string) TokenConfig {
	return TokenConfig{
		Secret: secret,
		Expiry: 7 * 24 * time.Hour,
		Issuer: "devlink-server",
	}
}

func CreateControllerToken(controllerID string, cfg TokenConfig) (string, error) {
	return createToken(string(model.PrincipalController), controllerID, "", cfg)
}

func CreateDeviceToken(deviceID string, cfg TokenConfig) (string, error) {
	return createToken(string(model.PrincipalDevice), deviceID, deviceID, cfg)
}

func createToken(principalType, principalID, deviceID string, cfg TokenConfig) (string, error) {
	if cfg.Secret == "" {
		return "", errors.New("missing secret")
	}
	if principalID == "" {
		return "", errors.New("missing principal id")
	}
	if cfg.Expiry <= 0 {
		return "", errors.New("invalid expiry")
	}

	jtiBytes := make([]byte, 16)
	if _, err := rand.Read(jtiBytes); err != nil {
		return "", err
	}

	claims := Claims{
		PrincipalType: principalType,
		DeviceID:      deviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(cfg.Expiry)),
			ID:        hex.EncodeToString(jtiBytes),
			Subject:   principalID,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(cfg.Secret))
}

func VerifyToken(tokenString string, cfg TokenConfig) (*Claims, error) {
	if cfg.Secret == "" {
		return nil, errors.New("missing secret")
	}

	parsed, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(cfg.Secret), nil
	})
	if err != nil {
		return nil, err
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.Subject == "" {
		return nil, jwt.ErrSignatureInvalid
	}
	if claims.PrincipalType != string(model.PrincipalController) && claims.PrincipalType != string(model.PrincipalDevice) {
		return nil, ErrWrongPrincipalType
	}
	if claims.PrincipalType == string(model.PrincipalDevice) && claims.DeviceID == "" {
		return nil, jwt.ErrSignatureInvalid
	}
	return claims, nil
}

// VerifyControllerToken rejects device tokens; device credentials must not
// open controller surfaces.
func VerifyControllerToken(tokenString string, cfg TokenConfig) (*Claims, error) {
	claims, err := VerifyToken(tokenString, cfg)
	if err != nil {
		return nil, err
	}
	if claims.PrincipalType != string(model.PrincipalController) {
		return nil, ErrWrongPrincipalType
	}
	return claims, nil
}
