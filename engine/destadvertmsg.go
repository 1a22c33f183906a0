package engine

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/mit-ll/dlep/dataitem"
)

// destAdvertInfo is the content of one destination advertisement.  The
// wire form is a small protobuf message:
//
//	1: report_interval   (uint32)
//	2: uptime_in_seconds (int64)
//	3: sequence_number   (uint32)
//	4: local_id          (bytes)
//	5: destinations      (repeated bytes)
type destAdvertInfo struct {
	reportInterval uint32
	uptime         int64
	sequence       uint32
	rfID           dataitem.MAC
	destinations   []dataitem.MAC
}

const (
	fieldReportInterval = 1
	fieldUptime         = 2
	fieldSequence       = 3
	fieldLocalID        = 4
	fieldDestinations   = 5
)

func (info *destAdvertInfo) String() string {
	s := fmt.Sprintf("interval=%d uptime=%d seq=%d rfid=%s dests:",
		info.reportInterval, info.uptime, info.sequence, info.rfID)
	for _, d := range info.destinations {
		s += " " + d.String()
	}
	return s
}

// marshalDestAdvert encodes the advertisement in protobuf wire format.
func marshalDestAdvert(info *destAdvertInfo) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldReportInterval, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(info.reportInterval))
	b = protowire.AppendTag(b, fieldUptime, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(info.uptime))
	b = protowire.AppendTag(b, fieldSequence, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(info.sequence))
	b = protowire.AppendTag(b, fieldLocalID, protowire.BytesType)
	b = protowire.AppendBytes(b, info.rfID)
	for _, d := range info.destinations {
		b = protowire.AppendTag(b, fieldDestinations, protowire.BytesType)
		b = protowire.AppendBytes(b, d)
	}
	return b
}

// unmarshalDestAdvert decodes an advertisement, skipping unknown fields
// the way any protobuf reader would.
func unmarshalDestAdvert(b []byte) (*destAdvertInfo, error) {
	info := &destAdvertInfo{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		switch {
		case num == fieldReportInterval && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			info.reportInterval = uint32(v)
			b = b[n:]
		case num == fieldUptime && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			info.uptime = int64(v)
			b = b[n:]
		case num == fieldSequence && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			info.sequence = uint32(v)
			b = b[n:]
		case num == fieldLocalID && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			info.rfID = dataitem.MAC(v).Clone()
			b = b[n:]
		case num == fieldDestinations && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			info.destinations = append(info.destinations, dataitem.MAC(v).Clone())
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	if len(info.rfID) == 0 {
		return nil, fmt.Errorf("destination advertisement without rf id")
	}
	return info, nil
}
