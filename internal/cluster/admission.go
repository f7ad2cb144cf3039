package cluster

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
)

var (
	// ErrNotInitialize is returned when the first message on a fresh
	// connection is not INITIALIZE.
	ErrNotInitialize = errors.New("first message is not INITIALIZE")

	// ErrRejected is returned when the claimed address is outside the
	// admission policy for the listener's role.
	ErrRejected = errors.New("address rejected by admission policy")
)

// AdmissionError wraps an admission failure together with the reason sent
// back to the peer.
type AdmissionError struct {
	Claimed Address
	Reason  string
	Err     error
}

func (e *AdmissionError) Error() string {
	if e.Claimed.IsZero() {
		return fmt.Sprintf("admission failed: %v", e.Err)
	}
	return fmt.Sprintf("admission of %s failed: %v", e.Claimed, e.Err)
}

func (e *AdmissionError) Unwrap() error { return e.Err }

// AddressRange matches claimed hosts. It is built from either a CIDR block
// ("127.0.0.0/24") or a literal host prefix ("127.0.0.").
type AddressRange struct {
	raw    string
	prefix netip.Prefix
	isCIDR bool
}

// ParseAddressRange parses one policy entry.
func ParseAddressRange(s string) (AddressRange, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return AddressRange{}, errors.New("empty address range")
	}
	if strings.Contains(s, "/") {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return AddressRange{}, fmt.Errorf("address range %q: %w", s, err)
		}
		return AddressRange{raw: s, prefix: p.Masked(), isCIDR: true}, nil
	}
	return AddressRange{raw: s}, nil
}

// Contains reports whether host falls in the range.
func (r AddressRange) Contains(host string) bool {
	if !r.isCIDR {
		return strings.HasPrefix(host, r.raw)
	}
	ip, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	return r.prefix.Contains(ip.Unmap())
}

func (r AddressRange) String() string { return r.raw }

// AdmissionPolicy maps a claimed address to the role it may register as.
// The reference deployment uses two disjoint blocks, one per role.
type AdmissionPolicy struct {
	FollowerRanges []AddressRange
	ClientRanges   []AddressRange
}

// NewAdmissionPolicy parses the follower and client range lists.
func NewAdmissionPolicy(followers, clients []string) (*AdmissionPolicy, error) {
	p := &AdmissionPolicy{}
	for _, s := range followers {
		r, err := ParseAddressRange(s)
		if err != nil {
			return nil, fmt.Errorf("follower ranges: %w", err)
		}
		p.FollowerRanges = append(p.FollowerRanges, r)
	}
	for _, s := range clients {
		r, err := ParseAddressRange(s)
		if err != nil {
			return nil, fmt.Errorf("client ranges: %w", err)
		}
		p.ClientRanges = append(p.ClientRanges, r)
	}
	return p, nil
}

// Allows reports whether addr may register with the given role.
func (p *AdmissionPolicy) Allows(role Role, addr Address) bool {
	var ranges []AddressRange
	switch role {
	case RoleFollower:
		ranges = p.FollowerRanges
	case RoleClient:
		ranges = p.ClientRanges
	default:
		return false
	}
	for _, r := range ranges {
		if r.Contains(addr.Host) {
			return true
		}
	}
	return false
}

// Admitter runs the registration exchange on a freshly accepted connection:
//
//	AWAIT_INIT --INITIALIZE(addr in range)--> ADMITTED   (SUCCESS sent)
//	AWAIT_INIT --anything else------------->  REJECTED   (ERROR sent)
//
// A rejected connection is left open; the caller closes it.
type Admitter struct {
	Role   Role
	Policy *AdmissionPolicy
	// Redirect is the endpoint named in the ERROR sent to a peer whose
	// address belongs elsewhere.
	Redirect Address
}

// Admit reads the first message from c and answers it. On success it
// returns the address the peer advertised.
func (a Admitter) Admit(c *Conn) (Address, error) {
	msg, err := c.Receive()
	if err != nil {
		var perr *ProtocolError
		if !errors.As(err, &perr) {
			return Address{}, err
		}
		// Framed fine but the payload does not fit; answer like any other
		// malformed INITIALIZE.
		msg = perr.Msg
	}

	if msg.Type != TypeInitialize {
		return Address{}, a.reject(c, msg, Address{}, "please send an INITIALIZE message first", ErrNotInitialize)
	}
	claimed, err := msg.AddressPayload()
	if err != nil {
		return Address{}, a.reject(c, msg, Address{}, "INITIALIZE must carry your own address and port", err)
	}
	if !a.Policy.Allows(a.Role, claimed) {
		return Address{}, a.reject(c, msg, claimed, a.redirectReason(), ErrRejected)
	}

	if err := c.Reply(msg, TypeSuccess, Text(fmt.Sprintf("registered %s as %s", claimed, a.Role))); err != nil {
		return Address{}, err
	}
	return claimed, nil
}

func (a Admitter) redirectReason() string {
	switch a.Role {
	case RoleFollower:
		return fmt.Sprintf("please connect to %s for client functionality", a.Redirect)
	default:
		return fmt.Sprintf("please connect to %s for network functionality", a.Redirect)
	}
}

func (a Admitter) reject(c *Conn, msg Message, claimed Address, reason string, cause error) error {
	aerr := &AdmissionError{Claimed: claimed, Reason: reason, Err: cause}
	if err := c.Reply(msg, TypeError, Text(reason)); err != nil {
		return errors.Join(aerr, err)
	}
	return aerr
}
