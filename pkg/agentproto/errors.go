package agentproto

import "errors"

// ErrStaleIncarnation is returned by Registry.VerifyAgent when an RPC's
// incarnation id doesn't match the one currently on file for its
// peer (spec §4.6: "mismatches are rejected as StaleIncarnation").
var ErrStaleIncarnation = errors.New("agentproto: stale incarnation")

// ErrLeaseExpired names a peer whose lease (heartbeat timeout) has
// expired. Registry.ExpireLeases reports expired agents by id and does
// not return this error.
var ErrLeaseExpired = errors.New("agentproto: lease expired")
