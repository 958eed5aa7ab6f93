package authclient

import (
	"fmt"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwt"
)

// TokenDiagnostics is decoded from the access token for logging only. The
// gateway never validates tokens itself; that is the backend's job.
type TokenDiagnostics struct {
	Subject    string
	Expiration time.Time
}

// DiagnoseToken parses the access token without verifying its signature and
// returns the claims useful in log output.
func DiagnoseToken(token string) (*TokenDiagnostics, error) {
	parsed, err := jwt.ParseInsecure([]byte(token))
	if err != nil {
		return nil, fmt.Errorf("parse access token: %w", err)
	}
	return &TokenDiagnostics{
		Subject:    parsed.Subject(),
		Expiration: parsed.Expiration(),
	}, nil
}
