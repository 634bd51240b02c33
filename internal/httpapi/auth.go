package httpapi

import (
	"context"
	"errors"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"kasirsync/backend/internal/domain"
	"kasirsync/backend/internal/store"
)

var (
	errInvalidCredentials = errors.New("invalid credentials")
	errDeviceInactive     = errors.New("device is inactive")
)

type AuthManager struct {
	secret   []byte
	tokenTTL time.Duration
	devices  DeviceStore
}

type DeviceStore interface {
	GetDevice(ctx context.Context, id string) (*domain.Device, error)
}

type deviceClaims struct {
	jwtlib.RegisteredClaims
	LocationID string `json:"location_id"`
	Role       string `json:"role"`
}

func NewAuthManager(secret string, tokenTTL time.Duration, devices DeviceStore) *AuthManager {
	if secret == "" {
		secret = "dev-change-me"
	}
	if tokenTTL <= 0 {
		tokenTTL = 12 * time.Hour
	}
	return &AuthManager{
		secret:   []byte(secret),
		tokenTTL: tokenTTL,
		devices:  devices,
	}
}

// Login exchanges a device id and secret for a token scoped to the device's
// location and role.
func (a *AuthManager) Login(ctx context.Context, req domain.DeviceLoginRequest) (domain.LoginResponse, error) {
	deviceID := strings.TrimSpace(req.DeviceID)
	if deviceID == "" || strings.TrimSpace(req.Secret) == "" {
		return domain.LoginResponse{}, errInvalidCredentials
	}

	device, err := a.devices.GetDevice(ctx, deviceID)
	if errors.Is(err, store.ErrNotFound) {
		return domain.LoginResponse{}, errInvalidCredentials
	}
	if err != nil {
		return domain.LoginResponse{}, err
	}
	if !verifySecret(device.SecretHash, req.Secret) {
		return domain.LoginResponse{}, errInvalidCredentials
	}
	if !device.Active {
		return domain.LoginResponse{}, errDeviceInactive
	}

	expiresAt := time.Now().UTC().Add(a.tokenTTL)
	token, err := a.sign(*device, expiresAt)
	if err != nil {
		return domain.LoginResponse{}, err
	}

	return domain.LoginResponse{
		AccessToken: token,
		DeviceID:    device.ID,
		LocationID:  device.LocationID,
		Role:        device.Role,
		ExpiresAt:   expiresAt.Format(time.RFC3339),
	}, nil
}

func (a *AuthManager) ParseToken(tokenStr string) (domain.Actor, error) {
	claims := &deviceClaims{}
	token, err := jwtlib.ParseWithClaims(tokenStr, claims, func(t *jwtlib.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	}, jwtlib.WithValidMethods([]string{"HS256"}))
	if err != nil || !token.Valid {
		return domain.Actor{}, errors.New("invalid or expired token")
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return domain.Actor{}, errors.New("invalid token subject")
	}
	if claims.LocationID == "" {
		return domain.Actor{}, errors.New("token has no location")
	}
	return domain.Actor{DeviceID: sub, LocationID: claims.LocationID, Role: claims.Role}, nil
}

func (a *AuthManager) sign(device domain.Device, expiresAt time.Time) (string, error) {
	claims := deviceClaims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   device.ID,
			IssuedAt:  jwtlib.NewNumericDate(time.Now().UTC()),
			ExpiresAt: jwtlib.NewNumericDate(expiresAt),
			Issuer:    "kasirsync",
		},
		LocationID: device.LocationID,
		Role:       device.Role,
	}
	token := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

func verifySecret(stored string, input string) bool {
	if stored == "" || strings.TrimSpace(input) == "" || !isSecretHash(stored) {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(stored), []byte(input)) == nil
}

func isSecretHash(value string) bool {
	return strings.HasPrefix(value, "$2a$") || strings.HasPrefix(value, "$2b$") || strings.HasPrefix(value, "$2y$")
}
