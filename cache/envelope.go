package cache

import (
	"encoding/binary"
	"time"
)

// Values written to the L2 store carry their absolute expiry in an 8 byte
// big-endian unix-nano header, so a reader backfilling its L1 knows how
// long the entry has left regardless of which instance wrote it.
const envelopeHeaderLen = 8

func sealEnvelope(value []byte, expiresAt time.Time) []byte {
	buf := make([]byte, envelopeHeaderLen+len(value))
	binary.BigEndian.PutUint64(buf, uint64(expiresAt.UnixNano()))
	copy(buf[envelopeHeaderLen:], value)
	return buf
}

// openEnvelope returns the payload of raw and its remaining lifetime at
// now. ok is false for malformed or expired envelopes.
func openEnvelope(raw []byte, now time.Time) (value []byte, remaining time.Duration, ok bool) {
	if len(raw) < envelopeHeaderLen {
		return nil, 0, false
	}
	expiresAt := time.Unix(0, int64(binary.BigEndian.Uint64(raw[:envelopeHeaderLen])))
	remaining = expiresAt.Sub(now)
	if remaining <= 0 {
		return nil, 0, false
	}
	return raw[envelopeHeaderLen:], remaining, true
}
