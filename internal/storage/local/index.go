package local

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/snehjoshi/slotify/internal/types"
)

// ---- rank index keys -------------------------------------------------------
// The rank bucket orders tokens so that a cursor walk over one
// (branch, status) prefix yields them in serving order:
//
//	[branch     : len(branch) bytes ]
//	[sep        : 1 byte, 0x00      ]
//	[status     : len(status) bytes ]
//	[sep        : 1 byte, 0x00      ]
//	[invPrio    : 1 byte, 255-prio  ]  higher priority sorts first
//	[issuedAtNs : 8 bytes, uint64 BE]  earlier issue sorts first
//	[id         : 26 bytes, ULID    ]  final tie-break
//
// Branch names and statuses never contain 0x00 (branch.Validate rejects it),
// so the prefix is unambiguous.

const rankSep = 0x00

var errBadRankKey = errors.New("index: malformed rank key")

func rankPrefix(branch string, status types.Status) []byte {
	buf := make([]byte, 0, len(branch)+len(status)+2)
	buf = append(buf, branch...)
	buf = append(buf, rankSep)
	buf = append(buf, status...)
	buf = append(buf, rankSep)
	return buf
}

func rankKey(t *types.Token) []byte {
	prefix := rankPrefix(t.Branch, t.Status)
	buf := make([]byte, len(prefix)+1+8+len(t.ID))
	n := copy(buf, prefix)
	buf[n] = byte(255 - clampPriority(t.Priority))
	binary.BigEndian.PutUint64(buf[n+1:], issuedAtKey(t.IssuedAt))
	copy(buf[n+9:], t.ID)
	return buf
}

// rankKeyID extracts the token ID from a key produced by rankKey.
func rankKeyID(key, prefix []byte) (string, error) {
	if !bytes.HasPrefix(key, prefix) || len(key) < len(prefix)+9 {
		return "", fmt.Errorf("%w (%d bytes)", errBadRankKey, len(key))
	}
	return string(key[len(prefix)+9:]), nil
}

func clampPriority(p int) int {
	if p < 0 {
		return 0
	}
	if p > 255 {
		return 255
	}
	return p
}

// issuedAtKey maps a timestamp to an order-preserving unsigned integer.
// Timestamps before the Unix epoch clamp to 0.
func issuedAtKey(t time.Time) uint64 {
	ns := t.UnixNano()
	if ns < 0 {
		return 0
	}
	return uint64(ns)
}

// ---- sequence values -------------------------------------------------------

func encodeSeq(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}

func decodeSeq(buf []byte) (uint64, error) {
	if buf == nil {
		return 0, nil
	}
	if len(buf) != 8 {
		return 0, fmt.Errorf("index: sequence value is %d bytes, want 8", len(buf))
	}
	return binary.BigEndian.Uint64(buf), nil
}
