package ntp

import (
	"errors"
	"fmt"
	"time"
)

const maxRootDistance = 16 * time.Second

var (
	ErrInvalidResponse    = errors.New("unexpected response structure")
	ErrKissOfDeath        = errors.New("kiss-o'-death response")
	ErrPeerUnsynchronized = errors.New("peer not synchronized")

	errUnexpectedRequest = errors.New("unexpected request structure")
)

// ValidateResponseMetadata checks the header of a server reply. Replies from
// peers that refuse service are reported as ErrKissOfDeath; replies from
// peers without a usable time reference as ErrPeerUnsynchronized; all other
// violations as ErrInvalidResponse.
func ValidateResponseMetadata(resp *Packet) error {
	vn := resp.Version()
	if vn < VersionMin || VersionMax < vn {
		return fmt.Errorf("%w: version %d", ErrInvalidResponse, vn)
	}
	if resp.Mode() != ModeServer {
		return fmt.Errorf("%w: mode %d", ErrInvalidResponse, resp.Mode())
	}
	if resp.Stratum == StratumUnspecified {
		return fmt.Errorf("%w: %q", ErrKissOfDeath, resp.KissCode())
	}
	if resp.TransmitTime.IsZero() {
		return fmt.Errorf("%w: zero transmit timestamp", ErrInvalidResponse)
	}
	if resp.LeapIndicator() == LeapIndicatorUnknown || resp.Stratum >= StratumUnsynchronized {
		return ErrPeerUnsynchronized
	}
	if resp.RootDelay.Duration()/2+resp.RootDispersion.Duration() >= maxRootDistance {
		return fmt.Errorf("%w: root distance exceeded", ErrPeerUnsynchronized)
	}
	if resp.ReferenceTime.After(resp.TransmitTime) {
		return fmt.Errorf("%w: reference time after transmit time", ErrInvalidResponse)
	}
	return nil
}

func ValidateRequest(req *Packet) error {
	li := req.LeapIndicator()
	if li != LeapIndicatorNoWarning && li != LeapIndicatorUnknown {
		return errUnexpectedRequest
	}
	vn := req.Version()
	if vn < VersionMin || VersionMax < vn {
		return errUnexpectedRequest
	}
	mode := req.Mode()
	if vn == 1 && mode != ModeReserved0 || vn != 1 && mode != ModeClient {
		return errUnexpectedRequest
	}
	if req.TransmitTime.IsZero() {
		return errUnexpectedRequest
	}
	return nil
}
