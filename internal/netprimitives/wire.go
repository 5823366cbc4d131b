package netprimitives

import (
	"encoding/binary"
	"fmt"
)

// encodeUpdate frames an edition number ahead of the raw identity file
// bytes for transmission on a continuous-update topic.
func encodeUpdate(edition int64, data []byte) []byte {
	out := make([]byte, 8+len(data))
	binary.BigEndian.PutUint64(out, uint64(edition))
	copy(out[8:], data)
	return out
}

func decodeUpdate(identityID string, raw []byte) (Update, error) {
	if len(raw) < 8 {
		return Update{}, fmt.Errorf("netprimitives: update frame too short (%d bytes)", len(raw))
	}
	edition := int64(binary.BigEndian.Uint64(raw))
	data := make([]byte, len(raw)-8)
	copy(data, raw[8:])
	return Update{IdentityID: identityID, Edition: edition, Data: data}, nil
}
