package tlv

import "github.com/pkg/errors"

// ErrSnappedPayload is returned when a TLV's declared length exceeds the
// remaining captured bytes; the walk terminates without reading past the
// slice (spec §4.3, §8 boundary behaviors).
var ErrSnappedPayload = errors.New("tlv: attribute length exceeds remaining slice")

// ErrInvalidLength is returned for a CDP-style TLV whose declared length
// is smaller than its own header size.
var ErrInvalidLength = errors.New("tlv: declared length smaller than header size")
