package uco

import (
	"fmt"
	"net/http"
	"net/url"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// SessionSource gathers the places a session credential can come from.
type SessionSource struct {
	// ConnectUrl may carry a session or sessionId query parameter,
	// which supports fresh redirect flows.
	ConnectUrl string
	Store      *CredentialStore
	Cookies    []*http.Cookie
}

// ResolveSession derives the session credential in strict priority order:
// url parameter, structured auth record, legacy flat key, cookie.
// Absence is not an error; the caller operates unauthenticated.
// The credential is immutable per connection attempt and re-resolved on
// every (re)connect.
func ResolveSession(source *SessionSource) (string, bool) {
	if source == nil {
		return "", false
	}

	if sessionId, ok := sessionFromUrl(source.ConnectUrl); ok {
		return sessionId, true
	}

	if source.Store != nil {
		if record, ok := source.Store.AuthRecord(); ok {
			if sessionId, ok := sessionFromAuthRecord(record); ok {
				return sessionId, true
			}
		}
		for _, key := range []string{legacySessionKey, legacySessionKeyAlt} {
			if sessionId, ok := source.Store.Get(key); ok {
				return sessionId, true
			}
		}
	}

	for _, cookie := range source.Cookies {
		if cookie.Name == sessionCookieName && cookie.Value != "" {
			return cookie.Value, true
		}
	}

	return "", false
}

func sessionFromUrl(connectUrl string) (string, bool) {
	if connectUrl == "" {
		return "", false
	}
	u, err := url.Parse(connectUrl)
	if err != nil {
		return "", false
	}
	query := u.Query()
	for _, param := range []string{"session", "sessionId"} {
		if sessionId := query.Get(param); sessionId != "" {
			return sessionId, true
		}
	}
	return "", false
}

// a record without an explicit session id still identifies the user.
// derive a stable pseudo session from the user identity so reconnects
// resume the same context.
func sessionFromAuthRecord(record *AuthRecord) (string, bool) {
	if record == nil {
		return "", false
	}
	if record.SessionId != "" {
		return record.SessionId, true
	}
	if record.ByJwt != "" {
		if byJwt, err := ParseByJwtUnverified(record.ByJwt); err == nil {
			if byJwt.SessionId != "" {
				return byJwt.SessionId, true
			}
			if byJwt.UserId != "" {
				return fmt.Sprintf("user-%s", byJwt.UserId), true
			}
		}
	}
	if record.User != nil {
		if record.User.UserId != "" {
			return fmt.Sprintf("user-%s", record.User.UserId), true
		}
		if record.User.Username != "" {
			return fmt.Sprintf("user-%s", record.User.Username), true
		}
	}
	return "", false
}

// ByJwt mirrors the minimal claims of the backend jwt credential.
type ByJwt struct {
	UserId    string
	SessionId string
}

// the jwt is parsed without verification. the backend verifies it;
// this client only needs the embedded identity.
func ParseByJwtUnverified(jwtStr string) (*ByJwt, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(jwtStr, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims := token.Claims.(gojwt.MapClaims)

	byJwt := &ByJwt{}
	if userId, ok := claims["user_id"].(string); ok {
		byJwt.UserId = userId
	}
	if sessionId, ok := claims["session_id"].(string); ok {
		byJwt.SessionId = sessionId
	}
	return byJwt, nil
}
