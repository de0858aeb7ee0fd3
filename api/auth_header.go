package api

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"unsafe"

	"github.com/labstack/echo/v4"
)

var (
	errMissingAuthorization = errors.New("missing authorization header")
	errBadAuthorization     = errors.New("bad auth header")
)

const bearerPrefix = "Bearer "

// authHeader returns the Authorization header, falling back to the token
// query parameter for clients (EventSource) that cannot set headers.
func authHeader(req *http.Request, allowQuery bool) string {
	if h := req.Header.Get(echo.HeaderAuthorization); h != "" || !allowQuery {
		return h
	}
	if token := req.URL.Query().Get("token"); token != "" {
		return bearerPrefix + token
	}
	return ""
}

func bearerTokenFromString(raw string) ([]byte, error) {
	tokenBytes, err := bearerValue(raw)
	if err != nil {
		return nil, err
	}
	if countByte(tokenBytes, '.') != 2 {
		return nil, errBadAuthorization
	}
	return tokenBytes, nil
}

// bearerValue strips surrounding spaces and the scheme.
func bearerValue(raw string) ([]byte, error) {
	start, end := 0, len(raw)
	for start < end && raw[start] == ' ' {
		start++
	}
	for end > start && raw[end-1] == ' ' {
		end--
	}
	if start >= end {
		return nil, errMissingAuthorization
	}
	value := readOnlyBytes(raw[start:end])
	if len(value) <= len(bearerPrefix) || string(value[:len(bearerPrefix)]) != bearerPrefix {
		return nil, errBadAuthorization
	}
	return value[len(bearerPrefix):], nil
}

// serviceTokenValid checks a shared service token in constant time.
func serviceTokenValid(header, want string) bool {
	if want == "" {
		return false
	}
	got, err := bearerValue(header)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare(got, []byte(want)) == 1
}

func countByte(buf []byte, target byte) int {
	count := 0
	for _, b := range buf {
		if b == target {
			count++
		}
	}
	return count
}

func readOnlyBytes(s string) []byte {
	if s == "" {
		return nil
	}
	return unsafe.Slice(unsafe.StringData(s), len(s))
}

func readOnlyString(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return unsafe.String(&b[0], len(b))
}
