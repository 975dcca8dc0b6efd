package server

import (
	"github.com/sentryctl/fleet/internal/controlplane/auth"
	"github.com/sentryctl/fleet/internal/controlplane/users"
	"github.com/sentryctl/fleet/internal/controlplane/websession"
)

// userAuthAdapter bridges users.Store into auth.UserAuthenticator.
type userAuthAdapter struct {
	store *users.Store
}

func (a *userAuthAdapter) Authenticate(username, password string) (*auth.UserInfo, error) {
	u, err := a.store.Authenticate(username, password)
	if err != nil {
		return nil, err
	}
	return &auth.UserInfo{
		ID:          u.ID,
		Username:    u.Username,
		DisplayName: u.DisplayName,
		Role:        u.Role,
	}, nil
}

// sessionAdapter bridges websession.Store into auth.SessionCreator,
// SessionValidator, and SessionDeleter.
type sessionAdapter struct {
	store     *websession.Store
	userStore *users.Store
}

func (a *sessionAdapter) Create(userID string) (string, error) {
	sess, err := a.store.Create(userID)
	if err != nil {
		return "", err
	}
	return sess.ID, nil
}

func (a *sessionAdapter) Validate(token string) (*auth.SessionInfo, error) {
	sess, err := a.store.Validate(token)
	if err != nil {
		return nil, err
	}

	u, err := a.userStore.Get(sess.UserID)
	if err != nil {
		return nil, err
	}
	if !u.Enabled {
		_ = a.store.Delete(token)
		return nil, users.ErrUserDisabled
	}

	return &auth.SessionInfo{
		Token:    sess.ID,
		UserID:   u.ID,
		Username: u.Username,
		Role:     u.Role,
	}, nil
}

func (a *sessionAdapter) Delete(token string) error {
	return a.store.Delete(token)
}

// roleResolver bridges auth.RolePermissions into auth.UserPermissionResolver.
type roleResolver struct{}

func (roleResolver) PermissionsForRole(role string) []auth.Permission {
	return auth.RolePermissions(auth.Role(role))
}
