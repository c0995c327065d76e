package ptt

import (
	"fmt"
	"strings"
)

// LinkType is the topology role of a call leg. Its value is used as the RTP SSRC.
type LinkType uint8

const (
	LinkGroupHome                   LinkType = 1
	LinkGroupServing                LinkType = 2
	LinkCalledHomeToCallingHome     LinkType = 11
	LinkCallingHomeToCalledHome     LinkType = 12
	LinkCalledHomeToCalledServing   LinkType = 13
	LinkCallingHomeToCallingServing LinkType = 14
	LinkCalledServingToCalledHome   LinkType = 15
	LinkCallingServingToCallingHome LinkType = 16
)

var linkTypeNames = map[LinkType]string{
	LinkGroupHome:                   "GROUP_HOME",
	LinkGroupServing:                "GROUP_SERVING",
	LinkCalledHomeToCallingHome:     "CALLED_HOME_TO_CALLING_HOME",
	LinkCallingHomeToCalledHome:     "CALLING_HOME_TO_CALLED_HOME",
	LinkCalledHomeToCalledServing:   "CALLED_HOME_TO_CALLED_SERVING",
	LinkCallingHomeToCallingServing: "CALLING_HOME_TO_CALLING_SERVING",
	LinkCalledServingToCalledHome:   "CALLED_SERVING_TO_CALLED_HOME",
	LinkCallingServingToCallingHome: "CALLING_SERVING_TO_CALLING_HOME",
}

// LinkTypes returns every defined link type
func LinkTypes() []LinkType {
	return []LinkType{
		LinkGroupHome, LinkGroupServing,
		LinkCalledHomeToCallingHome, LinkCallingHomeToCalledHome,
		LinkCalledHomeToCalledServing, LinkCallingHomeToCallingServing,
		LinkCalledServingToCalledHome, LinkCallingServingToCallingHome,
	}
}

// String returns the link type name
func (l LinkType) String() string {
	if name, ok := linkTypeNames[l]; ok {
		return name
	}
	return fmt.Sprintf("LinkType(%d)", uint8(l))
}

// Valid reports whether l is a defined link type
func (l LinkType) Valid() bool {
	_, ok := linkTypeNames[l]
	return ok
}

// SSRC returns the RTP synchronization source used on this link
func (l LinkType) SSRC() uint32 {
	return uint32(l)
}

// ParseLinkType accepts names like "GROUP_SERVING" or "group-serving"
func ParseLinkType(name string) (LinkType, error) {
	norm := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(name), "-", "_"))
	norm = strings.TrimPrefix(norm, "UNIT_TO_UNIT_")
	for lt, n := range linkTypeNames {
		if n == norm {
			return lt, nil
		}
	}
	return 0, fmt.Errorf("unknown link type %q", name)
}

// tsnBucket groups link types that share one TSN numbering space
type tsnBucket uint8

const (
	bucketServingToHome tsnBucket = iota
	bucketHomeToServing
	bucketCallingHomeToCalledHome
	bucketCalledHomeToCallingHome
	bucketGroupServing
	bucketGroupHome
)

// bucket returns the TSN bucket and its starting value. Even buckets start at 0, odd at -1.
func (l LinkType) bucket() (tsnBucket, int, bool) {
	switch l {
	case LinkCalledServingToCalledHome, LinkCallingServingToCallingHome:
		return bucketServingToHome, 0, true
	case LinkCalledHomeToCalledServing, LinkCallingHomeToCallingServing:
		return bucketHomeToServing, -1, true
	case LinkCallingHomeToCalledHome:
		return bucketCallingHomeToCalledHome, 0, true
	case LinkCalledHomeToCallingHome:
		return bucketCalledHomeToCallingHome, -1, true
	case LinkGroupServing:
		return bucketGroupServing, 0, true
	case LinkGroupHome:
		return bucketGroupHome, -1, true
	}
	return 0, 0, false
}

// queriesHeartbeat reports whether the link type takes part in manager-wide heartbeat queries
func (l LinkType) queriesHeartbeat() bool {
	return l == LinkCallingServingToCallingHome ||
		l == LinkCallingHomeToCalledHome ||
		l == LinkCalledServingToCalledHome
}

// Role selects the call-leg behavior of a session
type Role uint8

const (
	// RoleSMF is the sending/origin side of a call leg
	RoleSMF Role = iota
	// RoleMMF is the relay/receiving side of a call leg
	RoleMMF
)

// String returns "SMF" or "MMF"
func (r Role) String() string {
	switch r {
	case RoleSMF:
		return "SMF"
	case RoleMMF:
		return "MMF"
	}
	return fmt.Sprintf("Role(%d)", uint8(r))
}

// MarshalText renders the role name in JSON snapshots
func (r Role) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

// MarshalText renders the link type name in JSON snapshots
func (l LinkType) MarshalText() ([]byte, error) { return []byte(l.String()), nil }
