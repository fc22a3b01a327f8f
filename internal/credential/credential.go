// Package credential resolves {{PLACEHOLDER}} tokens in command strings
// against assessment-scoped credential records. Resolution fails closed: an
// unresolved placeholder aborts the whole command, no partial substitution
// is ever committed.
package credential

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Type discriminates how a credential's fields map to a substitution value.
type Type string

const (
	TypeBearerToken Type = "bearer_token"
	TypeCookie      Type = "cookie"
	TypeBasicAuth   Type = "basic_auth"
	TypeAPIKey      Type = "api_key"
	TypeSSH         Type = "ssh"
	TypeCustom      Type = "custom"
)

// Credential is an assessment-scoped secret, read-only from the gateway's
// perspective. Placeholder is unique per assessment and stored with its
// braces, e.g. "{{BEARER_TOKEN_FLEET}}".
type Credential struct {
	ID           int64          `json:"id"`
	AssessmentID int64          `json:"assessment_id"`
	Type         Type           `json:"credential_type"`
	Name         string         `json:"name"`
	Placeholder  string         `json:"placeholder"`
	Token        string         `json:"token,omitempty"`
	Username     string         `json:"username,omitempty"`
	Password     string         `json:"password,omitempty"`
	CookieValue  string         `json:"cookie_value,omitempty"`
	CustomData   map[string]any `json:"custom_data,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// UnresolvedPlaceholderError names the first placeholder that had no
// matching credential.
type UnresolvedPlaceholderError struct {
	Placeholder string
}

func (e *UnresolvedPlaceholderError) Error() string {
	return fmt.Sprintf("placeholder '{{%s}}' not found in credentials", e.Placeholder)
}

// placeholderPattern matches exact {{UPPER_SNAKE_NAME}} tokens; partial or
// lowercase tokens are left alone.
var placeholderPattern = regexp.MustCompile(`\{\{([A-Z0-9_]+)\}\}`)

// Resolve substitutes every placeholder token in command. Matching is
// case-sensitive and exact. All occurrences of a resolved placeholder are
// replaced. A token with no matching credential fails the whole operation.
func Resolve(command string, creds []Credential) (string, error) {
	matches := placeholderPattern.FindAllStringSubmatch(command, -1)
	if len(matches) == 0 {
		return command, nil
	}

	byName := make(map[string]Credential, len(creds))
	for _, c := range creds {
		byName[strings.Trim(c.Placeholder, "{}")] = c
	}

	resolved := command
	for _, m := range matches {
		name := m[1]
		cred, ok := byName[name]
		if !ok {
			return "", &UnresolvedPlaceholderError{Placeholder: name}
		}
		resolved = strings.ReplaceAll(resolved, "{{"+name+"}}", cred.substitutionValue())
	}
	return resolved, nil
}

func (c Credential) substitutionValue() string {
	switch c.Type {
	case TypeBearerToken, TypeAPIKey:
		return c.Token
	case TypeCookie:
		return c.CookieValue
	case TypeBasicAuth:
		return base64.StdEncoding.EncodeToString([]byte(c.Username + ":" + c.Password))
	case TypeSSH:
		return c.Username + ":" + c.Password
	case TypeCustom:
		if c.Token != "" {
			return c.Token
		}
		if len(c.CustomData) > 0 {
			b, err := json.Marshal(c.CustomData)
			if err == nil {
				return string(b)
			}
		}
		return ""
	default:
		return ""
	}
}
