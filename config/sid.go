package config

import (
	"net/http"

	"github.com/google/uuid"
)

// DefaultSessionIdentifiers returns the default pluggable sid generator and
// validator: a random UUIDv4 per session, validated only by its syntactic
// shape. The generator is an external collaborator parameterizing
// ServerConfiguration; this is the default implementation, not a fixed
// part of the protocol.
func DefaultSessionIdentifiers() SessionIdentifiers {
	return SessionIdentifiers{
		Generate: func(*http.Request) (string, error) {
			id, err := uuid.NewRandom()
			if err != nil {
				return "", err
			}
			return id.String(), nil
		},
		Validate: func(sid string) bool {
			_, err := uuid.Parse(sid)
			return err == nil
		},
	}
}
