// Package directory is the client for the remote user directory API.
package directory

import (
	"context"
	"errors"
	"net/http"

	"github.com/agentregistry-dev/dirsync/internal/syncer/apierr"
)

// PageLimit is the page size requested when listing users.
const PageLimit = 100

var (
	// ErrUserNotFound is returned when a lookup by alternate key matches nothing.
	ErrUserNotFound = errors.New("user not found")

	// ErrPaginationLoop is returned when a next link repeats.
	ErrPaginationLoop = errors.New("pagination loop detected")

	// ErrInvalidNextLink is returned when a next link cannot be followed.
	ErrInvalidNextLink = errors.New("invalid pagination link")
)

// Session supplies the bearer token and the resolved API location.
type Session interface {
	GetValidToken(ctx context.Context) (string, error)
	APIBaseURL() string
	EnvironmentID() string
}

// Name is a user's name.
type Name struct {
	Given     string `json:"given,omitempty"`
	Family    string `json:"family,omitempty"`
	Formatted string `json:"formatted,omitempty"`
}

// Reference points at another directory resource.
type Reference struct {
	ID string `json:"id"`
}

// User is a directory user.
type User struct {
	ID         string     `json:"id,omitempty"`
	Username   string     `json:"username,omitempty"`
	Email      string     `json:"email,omitempty"`
	Name       *Name      `json:"name,omitempty"`
	Population *Reference `json:"population,omitempty"`
	Enabled    *bool      `json:"enabled,omitempty"`
	CreatedAt  string     `json:"createdAt,omitempty"`
	UpdatedAt  string     `json:"updatedAt,omitempty"`
}

type link struct {
	Href string `json:"href"`
}

type userPage struct {
	Embedded struct {
		Users []User `json:"users"`
	} `json:"_embedded"`
	Links struct {
		Next *link `json:"next,omitempty"`
	} `json:"_links"`
	Count int `json:"count"`
	Size  int `json:"size"`
}

// CountsAsFailure reports whether err says the directory is unhealthy.
// Permanent client errors mean the service answered and do not trip the breaker.
func CountsAsFailure(err error) bool {
	if err == nil {
		return false
	}
	code := apierr.StatusCode(err)
	if code >= 400 && code < 500 {
		return code == http.StatusRequestTimeout || code == http.StatusTooManyRequests
	}
	return true
}
