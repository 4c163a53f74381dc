package wire

import (
	"fmt"
	"log/slog"
	"regexp"
)

// MaxNameLength bounds both the service and the role name of an address.
const MaxNameLength = 255

var invalidName = regexp.MustCompile(`[^A-Za-z0-9\-\._:/]+`)

// Cookie identifies one live connection to the router. Cookies are
// assigned at accept, never reused, and 0 is never a valid cookie.
type Cookie uint64

// NoCookie is the zero value carried by addresses that are not yet bound to
// a connection, for instance everything a client puts on the wire.
const NoCookie Cookie = 0

func (c Cookie) Valid() bool {
	return c != NoCookie
}

// ServicePair identifies a service independently of the process hosting it.
type ServicePair struct {
	Service string
	Role    string
}

func (p ServicePair) String() string {
	return p.Service + "/" + p.Role
}

func (p ServicePair) IsZero() bool {
	return p.Service == "" && p.Role == ""
}

// InstanceKey identifies one handle: the pair plus the connection and the
// sequence number the owning process picked for it.
type InstanceKey struct {
	ServicePair
	Cookie     Cookie
	SequenceNr uint64
}

// ServiceAddress names a provider or consumer handle.
//
// Two addresses are [ServiceAddress.Equal] when their service and role
// names match, Cookie and SequenceNr only tell instances apart for routing.
type ServiceAddress struct {
	ServiceName string
	RoleName    string
	Cookie      Cookie
	SequenceNr  uint64
}

func NewAddress(service, role string) ServiceAddress {
	return ServiceAddress{ServiceName: service, RoleName: role}
}

func (a ServiceAddress) Pair() ServicePair {
	return ServicePair{Service: a.ServiceName, Role: a.RoleName}
}

func (a ServiceAddress) Instance() InstanceKey {
	return InstanceKey{
		ServicePair: a.Pair(),
		Cookie:      a.Cookie,
		SequenceNr:  a.SequenceNr,
	}
}

func (a ServiceAddress) Equal(other ServiceAddress) bool {
	return a.ServiceName == other.ServiceName && a.RoleName == other.RoleName
}

func (a ServiceAddress) IsZero() bool {
	return a == ServiceAddress{}
}

// WithCookie returns a copy of the address bound to the given connection.
func (a ServiceAddress) WithCookie(cookie Cookie) ServiceAddress {
	a.Cookie = cookie
	return a
}

func (a ServiceAddress) String() string {
	return fmt.Sprintf("%s/%s@%d#%d", a.ServiceName, a.RoleName, a.Cookie, a.SequenceNr)
}

func (a ServiceAddress) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("service", a.ServiceName),
		slog.String("role", a.RoleName),
		slog.Uint64("cookie", uint64(a.Cookie)),
		slog.Uint64("seq", a.SequenceNr),
	)
}

// Validate checks both names of the address.
func (a ServiceAddress) Validate() error {
	if !ValidateName(a.ServiceName) || !ValidateName(a.RoleName) {
		return fmt.Errorf("%w: %q/%q", ErrNameInvalid, a.ServiceName, a.RoleName)
	}
	return nil
}

func ValidateName(name string) bool {
	return len(name) > 0 && len(name) <= MaxNameLength && !invalidName.MatchString(name)
}
