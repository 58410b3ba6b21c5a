// Package identity talks to the user directory service that owns user
// records and password hashes.
package identity

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/jmcleod/gatekeep/mediator"
)

// AuthHeader carries the directory API key as "Basic {key}".
const AuthHeader = "Authentication"

var (
	// ErrUserNotFound is returned by LookupUser when the directory has no
	// such user.
	ErrUserNotFound = errors.New("user not found")
	// ErrUnsupported is returned by operations the directory does not offer.
	ErrUnsupported = errors.New("operation not supported by identity directory")
)

// User is a directory user record. It is never persisted locally.
type User struct {
	UserID   string `json:"UserId"`
	Username string `json:"Username"`
	Salt     string `json:"Salt"`
	Password string `json:"Password"`
}

// Directory is a mediator client specialised for the user directory.
type Directory struct {
	client *mediator.Client
}

// NewDirectory returns a Directory for the service at hostURL that
// authenticates with apiKey. Additional mediator options are applied after
// the key.
func NewDirectory(hostURL, apiKey string, opts ...mediator.Option) (*Directory, error) {
	opts = append([]mediator.Option{mediator.WithAPIKey(apiKey)}, opts...)
	client, err := mediator.New(hostURL, mediator.BasicKey(AuthHeader), opts...)
	if err != nil {
		return nil, fmt.Errorf("creating identity client: %w", err)
	}
	return &Directory{client: client}, nil
}

// Client returns the underlying mediator client.
func (d *Directory) Client() *mediator.Client {
	return d.client
}

// GetUserResponse fetches Users/{username}?includeEndpoints=false and
// returns the raw typed result.
func (d *Directory) GetUserResponse(ctx context.Context, username string) mediator.Result[User] {
	endpoint := mediator.NewEndpoint("Users", username).Endpoint()
	return mediator.Send[User](ctx, d.client, mediator.Request{
		Endpoint: endpoint,
		Method:   http.MethodGet,
		Query:    []mediator.Header{{Key: "includeEndpoints", Value: "false"}},
	})
}

// LookupUser returns the user named username. A 404 or a response without
// a user id yields ErrUserNotFound; other failures are wrapped.
func (d *Directory) LookupUser(ctx context.Context, username string) (*User, error) {
	res := d.GetUserResponse(ctx, username)
	if res.Err != nil {
		if res.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("%s: %w", username, ErrUserNotFound)
		}
		return nil, fmt.Errorf("looking up user %s: %w", username, res.Err)
	}
	if res.Data.UserID == "" {
		return nil, fmt.Errorf("%s: %w", username, ErrUserNotFound)
	}
	user := res.Data
	return &user, nil
}

// ChangeUserPassword is not offered by the directory and always returns
// ErrUnsupported.
func (d *Directory) ChangeUserPassword(ctx context.Context, username, hashedPass, salt string) error {
	return fmt.Errorf("changing password for %s: %w", username, ErrUnsupported)
}
