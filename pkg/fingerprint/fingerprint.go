// Package fingerprint computes the 256-bit RequestFingerprint spec §3/§4.6
// defines as the cache and batch key: a digest over (method,
// canonical-JSON(params), target). It is built on crypto/sha256 from the
// standard library rather than a third-party hash: none of the libraries
// pulled in from the example pack (cespare/xxhash, reserved in this module
// for the 64-bit consistent-hash ring in pkg/loadbalancer) produces a
// 256-bit digest, so the standard library is the correct, and only,
// grounded tool for this exact concern (see DESIGN.md).
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/doublegate/Only1MCP-sub003/pkg/jsonrpc"
)

// Fingerprint is a 256-bit request digest, hex-encoded for use as a map key
// and for log/metric labels.
type Fingerprint string

// AggregateTarget is used in place of a BackendId when a request fans out
// to every admissible backend (spec §3).
const AggregateTarget = "aggregate"

// Compute derives the fingerprint for (method, params, target). target is
// either a BackendId string or AggregateTarget.
func Compute(method string, params json.RawMessage, target string) (Fingerprint, error) {
	canon, err := jsonrpc.Canonical(params)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{0})
	h.Write(canon)
	h.Write([]byte{0})
	h.Write([]byte(target))
	return Fingerprint(hex.EncodeToString(h.Sum(nil))), nil
}
