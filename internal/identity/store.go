package identity

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/oauth2"

	"github.com/neura/neura/internal/core"
	"github.com/neura/neura/internal/storage"
)

// Prefs is the key-value surface the store persists into
type Prefs interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

// Store loads and saves the device identity
type Store struct {
	prefs  Prefs
	sealer *Sealer
}

// NewStore creates a credential store. With an empty passphrase the token is
// kept in plain text.
func NewStore(prefs Prefs, passphrase string) *Store {
	return &Store{prefs: prefs, sealer: NewSealer(passphrase)}
}

// Load returns the stored identity, or core.ErrStaleCredentials when either
// half is missing or the token cannot be opened.
func (s *Store) Load(ctx context.Context) (core.DeviceIdentity, error) {
	var id core.DeviceIdentity

	deviceID, err := s.get(ctx, storage.PrefDeviceID)
	if err != nil {
		return id, err
	}
	token, err := s.get(ctx, storage.PrefAuthToken)
	if err != nil {
		return id, err
	}

	if IsSealed(token) {
		if s.sealer == nil {
			return id, fmt.Errorf("%w: token is sealed but no passphrase is configured", core.ErrStaleCredentials)
		}
		token, err = s.sealer.Open(token)
		if err != nil {
			return id, fmt.Errorf("%w: %v", core.ErrStaleCredentials, err)
		}
	}

	id.DeviceID = deviceID
	id.AuthToken = token
	return id, nil
}

// Save stores the identity, sealing the token when a passphrase is set
func (s *Store) Save(ctx context.Context, id core.DeviceIdentity) error {
	if !id.Valid() {
		return fmt.Errorf("%w: device id and token are required", core.ErrInvalidInput)
	}

	token := id.AuthToken
	if s.sealer != nil {
		sealed, err := s.sealer.Seal(token)
		if err != nil {
			return err
		}
		token = sealed
	}

	if err := s.prefs.Set(ctx, storage.PrefDeviceID, id.DeviceID); err != nil {
		return err
	}
	return s.prefs.Set(ctx, storage.PrefAuthToken, token)
}

// Clear forgets the token; the device id is kept
func (s *Store) Clear(ctx context.Context) error {
	return s.prefs.Delete(ctx, storage.PrefAuthToken)
}

func (s *Store) get(ctx context.Context, key string) (string, error) {
	v, err := s.prefs.Get(ctx, key)
	if errors.Is(err, core.ErrRecordNotFound) || (err == nil && v == "") {
		return "", fmt.Errorf("%w: %s not set", core.ErrStaleCredentials, key)
	}
	return v, err
}

// TokenSource yields the identity's token as an OAuth2 bearer token
func TokenSource(id core.DeviceIdentity) oauth2.TokenSource {
	return oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: id.AuthToken,
		TokenType:   "Bearer",
	})
}
