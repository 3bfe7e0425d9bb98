package protocol

import (
	"fmt"
)

type InvocationMode uint8

const (
	Normal InvocationMode = iota
	Oneway
	BatchOneway
	Datagram
	BatchDatagram
)

func (m InvocationMode) IsBatch() bool {
	return m == BatchOneway || m == BatchDatagram
}

//	IsTwoway reports whether a reply frame is expected.
func (m InvocationMode) IsTwoway() bool {
	return m == Normal
}

func (m InvocationMode) String() string {
	switch m {
	case Normal:
		return "normal"
	case Oneway:
		return "oneway"
	case BatchOneway:
		return "batch-oneway"
	case Datagram:
		return "datagram"
	case BatchDatagram:
		return "batch-datagram"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

func ParseInvocationMode(s string) (mode InvocationMode, err error) {
	for _, m := range []InvocationMode{Normal, Oneway, BatchOneway, Datagram, BatchDatagram} {
		if m.String() == s {
			mode = m
			return
		}
	}
	err = fmt.Errorf("unknown invocation mode %q", s)
	return
}

//	BatchScope selects where batched requests accumulate.
type BatchScope uint8

const (
	BatchPerConnection BatchScope = iota
	BatchPerProxy
)

func (s BatchScope) String() string {
	if s == BatchPerProxy {
		return "proxy"
	}
	return "connection"
}
