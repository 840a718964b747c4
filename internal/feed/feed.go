// Package feed extracts routing information from raw Gmax telemetry
// datagrams. Payloads are self-describing JSON records carrying a feed
// type discriminator (field K) and a session identifier (field I, the
// vendor sharecode, with the runner number appended for GPS points
// packets). Everything else in the payload is opaque to the relay.
package feed

import (
	"errors"
	"fmt"

	"github.com/Jeffail/gabs/v2"
)

// Kind is the canonical name of a telemetry feed type.
type Kind string

// The feed kinds of the standard Gmax deployment.
const (
	Points   Kind = "points"
	Progress Kind = "progress"
	Probs    Kind = "probs"
)

// Extraction failure classes. All of them route the datagram to the
// fallback store rather than halting the dispatcher.
var (
	ErrMalformed     = errors.New("malformed payload")
	ErrUnknownKind   = errors.New("unknown feed discriminator")
	ErrBadSessionKey = errors.New("session key unusable as storage key")
)

// Route identifies where a datagram belongs.
type Route struct {
	Kind       Kind
	SessionKey string
}

// Extractor parses datagram payloads far enough to resolve a Route. It is
// a pure function holder with no mutable state and is safe for reuse
// across datagrams.
type Extractor struct {
	kinds map[int]Kind
}

// NewExtractor returns an Extractor recognising the given discriminator
// mapping.
func NewExtractor(kinds map[int]Kind) *Extractor {
	m := make(map[int]Kind, len(kinds))
	for k, v := range kinds {
		m[k] = v
	}
	return &Extractor{kinds: m}
}

// DefaultKinds returns the standard Gmax discriminator mapping: 0 for GPS
// points, 5 for live progress, 6 for win probabilities.
func DefaultKinds() map[int]Kind {
	return map[int]Kind{
		0: Points,
		5: Progress,
		6: Probs,
	}
}

// Extract resolves the Route of a raw payload.
func (e *Extractor) Extract(payload []byte) (Route, error) {
	if len(payload) == 0 {
		return Route{}, fmt.Errorf("%w: empty payload", ErrMalformed)
	}

	container, err := gabs.ParseJSON(payload)
	if err != nil {
		return Route{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	disc, ok := container.Path("K").Data().(float64)
	if !ok {
		return Route{}, fmt.Errorf("%w: missing or non-numeric K field", ErrMalformed)
	}

	kind, ok := e.kinds[int(disc)]
	if !ok {
		return Route{}, fmt.Errorf("%w: K=%v", ErrUnknownKind, int(disc))
	}

	key, ok := container.Path("I").Data().(string)
	if !ok || key == "" {
		return Route{}, fmt.Errorf("%w: missing I field", ErrMalformed)
	}
	if !validSessionKey(key) {
		return Route{}, fmt.Errorf("%w: %q", ErrBadSessionKey, key)
	}

	return Route{Kind: kind, SessionKey: key}, nil
}

// validSessionKey reports whether key is safe to use as a file name.
// Session keys arrive over an unauthenticated transport, so anything that
// could traverse outside the storage root is rejected.
func validSessionKey(key string) bool {
	if len(key) > 64 {
		return false
	}
	for i := 0; i < len(key); i++ {
		c := key[i]
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c == '.' || c == '_' || c == '-':
		default:
			return false
		}
	}
	return key != "." && key != ".."
}
