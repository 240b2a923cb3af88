package domain

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// AuthType selects how credentials are presented to the target
type AuthType string

const (
	AuthNone   AuthType = ""
	AuthBearer AuthType = "bearer"
	AuthBasic  AuthType = "basic"
)

// Auth describes the credentials attached to every request of a call
type Auth struct {
	Type     AuthType `json:"type"`
	Token    string   `json:"token,omitempty"`
	Username string   `json:"username,omitempty"`
	Password string   `json:"password,omitempty"`
}

// Validate checks that the descriptor carries what its type needs.
func (a *Auth) Validate() error {
	if a == nil {
		return nil
	}
	switch AuthType(strings.ToLower(string(a.Type))) {
	case AuthNone, "none":
		return nil
	case AuthBearer:
		if a.Token == "" {
			return fmt.Errorf("bearer auth requires a token")
		}
	case AuthBasic:
		if a.Username == "" {
			return fmt.Errorf("basic auth requires a username")
		}
	default:
		return fmt.Errorf("unsupported auth type %q", a.Type)
	}
	return nil
}

// Header returns the authorization header value, or "" when no auth is set.
func (a *Auth) Header() string {
	if a == nil {
		return ""
	}
	switch AuthType(strings.ToLower(string(a.Type))) {
	case AuthBearer:
		return "Bearer " + a.Token
	case AuthBasic:
		creds := base64.StdEncoding.EncodeToString([]byte(a.Username + ":" + a.Password))
		return "Basic " + creds
	default:
		return ""
	}
}

// Init is the first frame of a tunnel session
type Init struct {
	Target   string            `json:"target"`
	Service  string            `json:"service"`
	Method   string            `json:"method"`
	Mode     string            `json:"mode,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Auth     *Auth             `json:"auth,omitempty"`
}
