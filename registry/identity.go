package registry

import (
	"net/http"
	"strings"

	mapset "github.com/deckarep/golang-set"
	"github.com/pkg/errors"
	"github.com/voteledger/meta"
)

const ParticipantHeader = "X-Participant-Id"

var ErrAnonymous = errors.New("caller did not identify")

// Identifier resolves the caller of an endpoint.
type Identifier interface {
	Identify(r *http.Request) (meta.Identity, error)
}

// HeaderIdentity trusts an upstream sign-in proxy to set the participant
// header. Admin rights come from configuration only, never from the request.
type HeaderIdentity struct {
	admins mapset.Set
}

func NewHeaderIdentity(admins []string) *HeaderIdentity {
	set := mapset.NewSet()
	for _, a := range admins {
		set.Add(a)
	}
	return &HeaderIdentity{admins: set}
}

func (h *HeaderIdentity) Identify(r *http.Request) (meta.Identity, error) {
	id := strings.TrimSpace(r.Header.Get(ParticipantHeader))
	if id == "" {
		return meta.Identity{}, ErrAnonymous
	}
	return meta.Identity{ParticipantID: id, IsAdmin: h.admins.Contains(id)}, nil
}
