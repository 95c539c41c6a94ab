package client

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"haruki-sekai-api/utils"

	"github.com/bytedance/sonic"
)

func decodeSegment(segment string) ([]byte, error) {
	if b, err := base64.RawURLEncoding.DecodeString(segment); err == nil {
		return b, nil
	}
	return base64.StdEncoding.DecodeString(segment)
}

func payloadID(payload map[string]any, keys ...string) string {
	for _, key := range keys {
		switch v := payload[key].(type) {
		case string:
			return v
		case float64:
			return strconv.FormatInt(int64(v), 10)
		case int64:
			return strconv.FormatInt(v, 10)
		}
	}
	return ""
}

// ExtractUserIDFromJWT pulls the user id out of a CP credential without
// verifying the signature. The middle segment is URL-safe base64,
// falling back to the standard alphabet.
func ExtractUserIDFromJWT(token string) (string, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return "", utils.NewParseError("Invalid JWT format")
	}
	payloadBytes, err := decodeSegment(parts[1])
	if err != nil {
		return "", utils.NewParseError(fmt.Sprintf("JWT base64 decode error: %v", err))
	}
	var payload map[string]any
	if err := sonic.Unmarshal(payloadBytes, &payload); err != nil {
		return "", utils.NewParseError(fmt.Sprintf("JWT payload parse error: %v", err))
	}
	if id := payloadID(payload, "userId", "user_id"); id != "" {
		return id, nil
	}
	return "", utils.NewParseError("userId not found in JWT")
}

// ExtractUserIDFromNuverseToken unwraps the outer base64 envelope
// (standard alphabet, falling back to URL-safe) to an inner JWT and
// reads sdk_open_id from its payload.
func ExtractUserIDFromNuverseToken(token string) (string, error) {
	decoded, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		decoded, err = base64.RawURLEncoding.DecodeString(token)
		if err != nil {
			return "", utils.NewParseError(fmt.Sprintf("Nuverse token base64 decode error: %v", err))
		}
	}
	parts := strings.Split(string(decoded), ".")
	if len(parts) != 3 {
		return "", utils.NewParseError("Invalid Nuverse JWT format")
	}
	payloadBytes, err := decodeSegment(parts[1])
	if err != nil {
		return "", utils.NewParseError(fmt.Sprintf("Nuverse JWT payload decode error: %v", err))
	}
	var payload map[string]any
	if err := sonic.Unmarshal(payloadBytes, &payload); err != nil {
		return "", utils.NewParseError(fmt.Sprintf("Nuverse token parse error: %v", err))
	}
	if id := payloadID(payload, "sdk_open_id"); id != "" {
		return id, nil
	}
	return "", utils.NewParseError("sdk_open_id not found in token")
}
