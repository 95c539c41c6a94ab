package client

import (
	"fmt"
	"strconv"

	"haruki-sekai-api/utils"

	"github.com/vmihailenco/msgpack/v5"
)

// flexibleID tolerates ids stored as JSON strings, numbers or null.
type flexibleID string

func (f *flexibleID) UnmarshalJSON(data []byte) error {
	s := string(data)
	switch {
	case s == "null":
		*f = ""
	case len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"':
		*f = flexibleID(s[1 : len(s)-1])
	default:
		if _, err := strconv.ParseFloat(s, 64); err != nil {
			return fmt.Errorf("invalid id value: %s", s)
		}
		*f = flexibleID(s)
	}
	return nil
}

type SekaiAccountInterface interface {
	SetupAccount(userId string, deviceId string, token string)
	GetUserId() string
	SetUserId(userId string)
	GetDeviceId() string
	GetToken() string
	Dump() ([]byte, error)
}

type SekaiAccountCommonBase struct {
	UserId   flexibleID `json:"userId"`
	DeviceID flexibleID `json:"deviceId"`
}

// SekaiAccountCP authenticates against Colorful Palette servers with a
// JWT credential.
type SekaiAccountCP struct {
	SekaiAccountCommonBase
	Credential string `json:"credential"`
}

func (s *SekaiAccountCP) SetupAccount(userId string, deviceId string, token string) {
	s.UserId = flexibleID(userId)
	s.DeviceID = flexibleID(deviceId)
	s.Credential = token
}
func (s *SekaiAccountCP) GetUserId() string       { return string(s.UserId) }
func (s *SekaiAccountCP) SetUserId(userId string) { s.UserId = flexibleID(userId) }
func (s *SekaiAccountCP) GetDeviceId() string     { return string(s.DeviceID) }
func (s *SekaiAccountCP) GetToken() string        { return s.Credential }

func (s *SekaiAccountCP) Dump() ([]byte, error) {
	payload := struct {
		DeviceID        string `msgpack:"deviceId,omitempty"`
		Credential      string `msgpack:"credential"`
		AuthTriggerType string `msgpack:"authTriggerType"`
	}{
		DeviceID:        string(s.DeviceID),
		Credential:      s.Credential,
		AuthTriggerType: "normal",
	}
	dump, err := msgpack.Marshal(payload)
	if err != nil {
		return nil, utils.NewParseError(fmt.Sprintf("MsgPack encode error: %v", err))
	}
	return dump, nil
}

// SekaiAccountNuverse authenticates against Nuverse servers with an
// access token; the upstream expects the user id as an integer.
type SekaiAccountNuverse struct {
	SekaiAccountCommonBase
	AccessToken string `json:"accessToken"`
}

func (s *SekaiAccountNuverse) SetupAccount(userId string, deviceId string, token string) {
	s.UserId = flexibleID(userId)
	s.DeviceID = flexibleID(deviceId)
	s.AccessToken = token
}
func (s *SekaiAccountNuverse) GetUserId() string       { return string(s.UserId) }
func (s *SekaiAccountNuverse) SetUserId(userId string) { s.UserId = flexibleID(userId) }
func (s *SekaiAccountNuverse) GetDeviceId() string     { return string(s.DeviceID) }
func (s *SekaiAccountNuverse) GetToken() string        { return s.AccessToken }

func (s *SekaiAccountNuverse) Dump() ([]byte, error) {
	userID, err := strconv.ParseInt(string(s.UserId), 10, 64)
	if err != nil {
		return nil, utils.NewParseError(fmt.Sprintf("Invalid user_id: %s", s.UserId))
	}
	payload := struct {
		DeviceID    string `msgpack:"deviceId,omitempty"`
		AccessToken string `msgpack:"accessToken"`
		UserID      int64  `msgpack:"userID"`
	}{
		DeviceID:    string(s.DeviceID),
		AccessToken: s.AccessToken,
		UserID:      userID,
	}
	dump, err := msgpack.Marshal(payload)
	if err != nil {
		return nil, utils.NewParseError(fmt.Sprintf("MsgPack encode error: %v", err))
	}
	return dump, nil
}

// LoginResponse is the decrypted body of a successful auth call.
type LoginResponse struct {
	SessionToken         string   `msgpack:"sessionToken"`
	AppVersion           string   `msgpack:"appVersion"`
	DataVersion          string   `msgpack:"dataVersion"`
	AssetVersion         string   `msgpack:"assetVersion"`
	AssetHash            string   `msgpack:"assetHash"`
	SuiteMasterSplitPath []string `msgpack:"suiteMasterSplitPath"`
	CDNVersion           int      `msgpack:"cdnVersion"`
	UserRegistration     struct {
		UserID any `msgpack:"userId"`
	} `msgpack:"userRegistration"`
}

// RegisteredUserID normalizes the user id the upstream echoes back
// during registration; empty when absent.
func (r *LoginResponse) RegisteredUserID() string {
	switch v := r.UserRegistration.UserID.(type) {
	case string:
		return v
	case int64:
		return strconv.FormatInt(v, 10)
	case uint64:
		return strconv.FormatUint(v, 10)
	case int:
		return strconv.Itoa(v)
	case int8:
		return strconv.FormatInt(int64(v), 10)
	case int16:
		return strconv.FormatInt(int64(v), 10)
	case int32:
		return strconv.FormatInt(int64(v), 10)
	case uint8:
		return strconv.FormatUint(uint64(v), 10)
	case uint16:
		return strconv.FormatUint(uint64(v), 10)
	case uint32:
		return strconv.FormatUint(uint64(v), 10)
	case float64:
		return strconv.FormatInt(int64(v), 10)
	default:
		return ""
	}
}

type HarukiSekaiAssetUpdaterPayload struct {
	Server       utils.HarukiSekaiServerRegion `json:"server"`
	AssetVersion string                        `json:"assetVersion"`
	AssetHash    string                        `json:"assetHash"`
}

type SekaiApiHttpStatus int

const (
	SekaiApiHttpStatusOk               SekaiApiHttpStatus = 200
	SekaiApiHttpStatusClientError      SekaiApiHttpStatus = 400
	SekaiApiHttpStatusSessionError     SekaiApiHttpStatus = 403
	SekaiApiHttpStatusNotFound         SekaiApiHttpStatus = 404
	SekaiApiHttpStatusConflict         SekaiApiHttpStatus = 409
	SekaiApiHttpStatusGameUpgrade      SekaiApiHttpStatus = 426
	SekaiApiHttpStatusServerError      SekaiApiHttpStatus = 500
	SekaiApiHttpStatusUnderMaintenance SekaiApiHttpStatus = 503
)

func ParseSekaiApiHttpStatus(code int) (SekaiApiHttpStatus, error) {
	switch SekaiApiHttpStatus(code) {
	case SekaiApiHttpStatusOk,
		SekaiApiHttpStatusClientError,
		SekaiApiHttpStatusSessionError,
		SekaiApiHttpStatusNotFound,
		SekaiApiHttpStatusConflict,
		SekaiApiHttpStatusGameUpgrade,
		SekaiApiHttpStatusServerError,
		SekaiApiHttpStatusUnderMaintenance:
		return SekaiApiHttpStatus(code), nil
	default:
		return 0, utils.NewInvalidHttpStatusError(code)
	}
}
