package session

import (
	"crypto/rand"
	"strings"

	"github.com/oklog/ulid/v2"
)

// newRequestID returns a lexically sortable unique id for one request.
func newRequestID() string {
	return "req_" + ulid.MustNew(ulid.Now(), rand.Reader).String()
}

// newSessionID returns a unique session id.
func newSessionID() string {
	return "sess_" + strings.ToLower(ulid.MustNew(ulid.Now(), rand.Reader).String())
}

// newConversationID returns a unique conversation id, used as the stem of
// the on-disk conversation filename.
func newConversationID() string {
	return strings.ToLower(ulid.MustNew(ulid.Now(), rand.Reader).String())
}
