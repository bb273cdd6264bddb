// Package token turns internal archive keys into URL-safe share tokens and back.
package token

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

var ErrInvalidToken = errors.New("token: invalid token")

// Encode returns the unpadded base64url form of key.
func Encode(key string) string {
	return strings.TrimRight(base64.URLEncoding.EncodeToString([]byte(key)), "=")
}

// Decode reverses Encode. Padding is restored from the token length, anything that is not
// base64url or does not decode to UTF-8 text fails with ErrInvalidToken.
func Decode(token string) (string, error) {
	token = strings.TrimRight(token, "=")
	if rem := len(token) % 4; rem != 0 {
		token += strings.Repeat("=", 4-rem)
	}

	data, err := base64.URLEncoding.DecodeString(token)
	if err != nil {
		return "", fmt.Errorf("%w, %v", ErrInvalidToken, err)
	}
	if !utf8.Valid(data) {
		return "", fmt.Errorf("%w, not utf-8", ErrInvalidToken)
	}
	return string(data), nil
}

// FileKey is the archive key of a single stored file.
func FileKey(archiveMessageId int64) string {
	return fmt.Sprintf("file_%d", archiveMessageId)
}

// BatchKey is the archive key of a batch closed by operatorId at the given time.
func BatchKey(at time.Time, operatorId int64) string {
	return fmt.Sprintf("batch_%d_%d", at.Unix(), operatorId)
}

// Link builds the deep link that starts botUsername with the token as payload.
func Link(botUsername string, token string) string {
	return fmt.Sprintf("https://t.me/%s?start=%s", strings.TrimPrefix(botUsername, "@"), token)
}
