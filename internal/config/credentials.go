package config

import (
	"bytes"
	"errors"
	"os"
	"strings"

	"howett.net/plist"

	"github.com/example/vrclassify/internal/apperror"
)

// APIKeyField is the property list key holding the service API key.
const APIKeyField = "visualrecognitionApikey"

// Credentials are loaded once at startup and never change afterwards.
type Credentials struct {
	APIKey string
}

// LoadCredentials reads the credentials property list at path. A missing or
// undecodable file yields MissingConfiguration; a missing or blank key yields
// MissingCredentials.
func LoadCredentials(path string) (Credentials, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Credentials{}, apperror.New(apperror.MissingConfiguration, err)
	}
	return ParseCredentials(data)
}

// ParseCredentials decodes credentials from plist bytes.
func ParseCredentials(data []byte) (Credentials, error) {
	var dict map[string]interface{}
	if err := plist.NewDecoder(bytes.NewReader(data)).Decode(&dict); err != nil {
		return Credentials{}, apperror.New(apperror.MissingConfiguration, err)
	}
	if dict == nil {
		return Credentials{}, apperror.New(apperror.MissingConfiguration, errors.New("credentials plist is not a dictionary"))
	}

	raw, ok := dict[APIKeyField]
	if !ok {
		return Credentials{}, apperror.New(apperror.MissingCredentials, errors.New(APIKeyField+" not present"))
	}
	key, ok := raw.(string)
	if !ok || strings.TrimSpace(key) == "" {
		return Credentials{}, apperror.New(apperror.MissingCredentials, errors.New(APIKeyField+" is not a non-empty string"))
	}
	return Credentials{APIKey: strings.TrimSpace(key)}, nil
}
