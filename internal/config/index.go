package config

import (
	"strings"

	"github.com/google/uuid"
)

// endpointNamespace seeds the name-derived endpoint IDs.
var endpointNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("cmdflow:endpoint"))

// EndpointIDFor returns the stable ID assigned to an endpoint declared without one.
func EndpointIDFor(name string) uuid.UUID {
	return uuid.NewSHA1(endpointNamespace, []byte(name))
}

// CommandIndex snapshots the command catalogue as a name lookup table.
func (c *Config) CommandIndex() map[string]CommandDefinition {
	index := make(map[string]CommandDefinition, len(c.Commands))
	for _, def := range c.Commands {
		index[def.Name] = def
	}
	return index
}

// EndpointIndex snapshots the endpoint catalogue keyed by ID.
func (c *Config) EndpointIndex() map[uuid.UUID]APIEndpoint {
	index := make(map[uuid.UUID]APIEndpoint, len(c.Endpoints))
	for _, ep := range c.Endpoints {
		index[ep.ID] = ep
	}
	return index
}

// EndpointByName looks up an endpoint by its name.
func (c *Config) EndpointByName(name string) (APIEndpoint, bool) {
	for _, ep := range c.Endpoints {
		if ep.Name == name {
			return ep, true
		}
	}
	return APIEndpoint{}, false
}

// NormalizeAuthType maps user spellings ("api_key", "APIKEY", "") onto the canonical constants.
// Unknown values are returned unchanged so validation can report them.
func NormalizeAuthType(t AuthType) AuthType {
	switch strings.ToLower(strings.ReplaceAll(string(t), "_", "")) {
	case "", "none":
		return AuthNone
	case "apikey":
		return AuthAPIKey
	case "token":
		return AuthToken
	case "bearer":
		return AuthBearer
	case "custom":
		return AuthCustom
	case "basic":
		return AuthBasic
	case "digest":
		return AuthDigest
	case "ntlm":
		return AuthNTLM
	case "oauth2":
		return AuthOAuth2
	}
	return t
}

func equalFold(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
