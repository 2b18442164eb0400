package stream

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// isAuthError reports whether err means the token was refused.
func isAuthError(err error, markers []string) bool {
	if err == nil {
		return false
	}

	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) && statusErr.Code == http.StatusUnauthorized {
		return true
	}

	text := strings.ToLower(err.Error())
	for _, m := range markers {
		if m != "" && containsWord(text, strings.ToLower(m)) {
			return true
		}
	}
	return false
}

// containsWord reports whether marker occurs in text without being glued to
// surrounding letters or digits, so "401" does not match port 40123.
func containsWord(text, marker string) bool {
	for from := 0; ; {
		i := strings.Index(text[from:], marker)
		if i < 0 {
			return false
		}
		start := from + i
		end := start + len(marker)
		if (start == 0 || !isWordByte(text[start-1])) && (end == len(text) || !isWordByte(text[end])) {
			return true
		}
		from = start + 1
	}
}

func isWordByte(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= '0' && b <= '9'
}

// checkTokenExpiry rejects JWTs whose exp has already passed. Tokens that are
// not JWTs, or carry no exp, are left for the server to judge.
func checkTokenExpiry(token string, now time.Time) error {
	if strings.Count(token, ".") != 2 {
		return nil
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil
	}
	if !now.Before(exp.Time) {
		return fmt.Errorf("invalid or expired token: expired at %s", exp.Time.UTC().Format(time.RFC3339))
	}
	return nil
}
