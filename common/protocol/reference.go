package protocol

import (
	"fmt"
	"strings"

	"github.com/blang/semver"
	uuid "github.com/satori/go.uuid"

	"krypt.co/dispatch/common/version"
)

type Endpoint struct {
	Transport string
	Address   string
}

func (e Endpoint) String() string {
	return e.Transport + "://" + e.Address
}

func ParseEndpoint(s string) (endpoint Endpoint, err error) {
	parts := strings.SplitN(s, "://", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		err = fmt.Errorf("malformed endpoint %q, expected scheme://address", s)
		return
	}
	endpoint = Endpoint{Transport: parts[0], Address: parts[1]}
	return
}

//	Reference identifies a call target. It is built once by the proxy layer and
//	treated as read-only afterwards.
type Reference struct {
	Identity   string
	Endpoints  []Endpoint
	Mode       InvocationMode
	Protocol   semver.Version
	BatchScope BatchScope
}

func NewIdentity() string {
	return uuid.NewV4().String()
}

func NewReference(endpoints ...string) (ref Reference, err error) {
	ref = Reference{
		Identity: NewIdentity(),
		Mode:     Normal,
		Protocol: version.PROTOCOL_VERSION,
	}
	for _, s := range endpoints {
		var e Endpoint
		e, err = ParseEndpoint(s)
		if err != nil {
			return
		}
		ref.Endpoints = append(ref.Endpoints, e)
	}
	if len(ref.Endpoints) == 0 {
		err = fmt.Errorf("reference requires at least one endpoint")
	}
	return
}

func (r Reference) WithMode(mode InvocationMode) Reference {
	r.Endpoints = append([]Endpoint(nil), r.Endpoints...)
	r.Mode = mode
	return r
}

func (r Reference) WithBatchScope(scope BatchScope) Reference {
	r.Endpoints = append([]Endpoint(nil), r.Endpoints...)
	r.BatchScope = scope
	return r
}

//	Key is stable for references that share identity and endpoint set.
func (r Reference) Key() string {
	var b strings.Builder
	b.WriteString(r.Identity)
	for _, e := range r.Endpoints {
		b.WriteByte('|')
		b.WriteString(e.String())
	}
	return b.String()
}

func (r Reference) String() string {
	return fmt.Sprintf("%s -%s %v", r.Identity, r.Mode, r.Endpoints)
}
