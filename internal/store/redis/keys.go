package redis

import "fmt"

const (
	// KeyPrefixService is the prefix for service snapshot keys
	KeyPrefixService = "wake:service:"
	// KeyAllServices is the key for the set of all snapshotted service IDs
	KeyAllServices = "wake:services:all"
	// DefaultEventStream is the stream transition events are appended to
	DefaultEventStream = "wake:events"
)

// ServiceKey returns the Redis key for a service snapshot by ID
func ServiceKey(id string) string {
	return KeyPrefixService + id
}

// AllServicesKey returns the key for the set of all service IDs
func AllServicesKey() string {
	return KeyAllServices
}

// ExtractServiceID extracts the service ID from a Redis key
func ExtractServiceID(key string) (string, error) {
	if len(key) <= len(KeyPrefixService) || key[:len(KeyPrefixService)] != KeyPrefixService {
		return "", fmt.Errorf("invalid service key: %s", key)
	}
	return key[len(KeyPrefixService):], nil
}
