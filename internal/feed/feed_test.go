package feed

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractRoutes(t *testing.T) {
	e := NewExtractor(DefaultKinds())

	for _, test := range []struct {
		name    string
		payload string
		kind    Kind
		key     string
	}{
		{
			name:    "progress record",
			payload: `{"K":5,"I":"00202003151552","T":"2020-03-15T15:52:01.5Z","R":12}`,
			kind:    Progress,
			key:     "00202003151552",
		},
		{
			name:    "points record with runner number",
			payload: `{"K":0,"I":"002020031515521","X":-0.318,"Y":52.24,"V":17.2,"SF":23.1,"P":800}`,
			kind:    Points,
			key:     "002020031515521",
		},
		{
			name:    "probabilities record",
			payload: `{"K":6,"I":"00202003151552"}`,
			kind:    Probs,
			key:     "00202003151552",
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			route, err := e.Extract([]byte(test.payload))
			require.NoError(t, err)
			assert.Equal(t, test.kind, route.Kind)
			assert.Equal(t, test.key, route.SessionKey)
		})
	}
}

func TestExtractFailures(t *testing.T) {
	e := NewExtractor(DefaultKinds())

	for _, test := range []struct {
		name    string
		payload string
		err     error
	}{
		{"empty payload", "", ErrMalformed},
		{"truncated json", `{"K":5,"I":"00202003`, ErrMalformed},
		{"not json", "terminate activated", ErrMalformed},
		{"missing discriminator", `{"I":"00202003151552"}`, ErrMalformed},
		{"string discriminator", `{"K":"5","I":"00202003151552"}`, ErrMalformed},
		{"unknown discriminator", `{"K":9,"I":"00202003151552"}`, ErrUnknownKind},
		{"missing session key", `{"K":5}`, ErrMalformed},
		{"empty session key", `{"K":5,"I":""}`, ErrMalformed},
		{"traversal session key", `{"K":5,"I":"../../etc/passwd"}`, ErrBadSessionKey},
		{"dot session key", `{"K":5,"I":".."}`, ErrBadSessionKey},
		{"oversized session key", `{"K":5,"I":"` + strings.Repeat("0", 65) + `"}`, ErrBadSessionKey},
	} {
		t.Run(test.name, func(t *testing.T) {
			_, err := e.Extract([]byte(test.payload))
			require.ErrorIs(t, err, test.err)
		})
	}
}

func TestExtractUnconfiguredKind(t *testing.T) {
	e := NewExtractor(map[int]Kind{5: Progress})

	_, err := e.Extract([]byte(`{"K":0,"I":"002020031515521"}`))
	require.ErrorIs(t, err, ErrUnknownKind)
}
