package smartcard

import (
	"fmt"
	"time"

	"avaneesh/yubikit-go/pkg/connection"
	"avaneesh/yubikit-go/pkg/core"
	"avaneesh/yubikit-go/pkg/internal/logger"
)

// touchPollInterval is how often a pending touch confirmation is re-polled
// when the workaround is active.
const touchPollInterval = 500 * time.Millisecond

// Protocol drives a SmartCardConnection: it frames commands, splits
// oversized payloads into a command chain, drains chained responses and
// maps error status words. One Protocol owns its connection exclusively.
type Protocol struct {
	conn             connection.SmartCardConnection
	insSendRemaining byte
	touchWorkaround  bool
	log              logger.Logger
}

// NewProtocol wraps a connection using the default GET RESPONSE
// instruction.
func NewProtocol(conn connection.SmartCardConnection) *Protocol {
	return NewProtocolIns(conn, InsSendRemaining)
}

// NewProtocolIns wraps a connection using a custom GET RESPONSE
// instruction.
func NewProtocolIns(conn connection.SmartCardConnection, insSendRemaining byte) *Protocol {
	return &Protocol{
		conn:             conn,
		insSendRemaining: insSendRemaining,
		log:              logger.GetDefault(),
	}
}

// Connection returns the underlying connection.
func (p *Protocol) Connection() connection.SmartCardConnection {
	return p.conn
}

// Close closes the underlying connection.
func (p *Protocol) Close() error {
	return p.conn.Close()
}

// EnableTouchWorkaround turns on touch-confirmation polling for firmware
// generations that report a pending touch as SW 0x6985 instead of blocking.
// Only applies over USB on firmware 4.2.0 through 4.2.6.
func (p *Protocol) EnableTouchWorkaround(version core.Version) {
	p.touchWorkaround = p.conn.Transport() == core.TransportUSB &&
		version.AtLeast(4, 2, 0) && !version.AtLeast(4, 2, 7)
}

// Select sends a SELECT command for the given application id and returns
// the raw response. A missing or disabled application maps to
// core.ErrApplicationNotAvailable.
func (p *Protocol) Select(aid []byte) ([]byte, error) {
	response, err := p.SendAPDU(0, InsSelect, P1Select, P2Select, aid)
	if err != nil {
		switch StatusWord(err) {
		case SWFileNotFound, SWInvalidInstruction:
			return nil, fmt.Errorf("%w: aid %x", core.ErrApplicationNotAvailable, aid)
		}
		return nil, err
	}
	return response, nil
}

// SendAPDU sends one logical command, transparently chaining payloads
// larger than 255 bytes and draining continued responses. On success the
// concatenated response data is returned; any other terminal status word
// is returned as an *APDUError.
func (p *Protocol) SendAPDU(cla, ins, p1, p2 byte, data []byte) ([]byte, error) {
	// Send all but the last chunk with the chaining bit set. Chunk
	// boundaries are fixed at 255 bytes; the device reassembles them
	// byte-identically.
	for len(data) > ShortAPDUMaxChunk {
		chunk := data[:ShortAPDUMaxChunk]
		data = data[ShortAPDUMaxChunk:]
		response, sw, err := p.exchange(EncodeAPDU(cla|ClaChaining, ins, p1, p2, chunk))
		if err != nil {
			return nil, err
		}
		if sw != SWOK {
			return nil, &APDUError{Data: response, SW: sw}
		}
	}

	response, sw, err := p.exchange(EncodeAPDU(cla, ins, p1, p2, data))
	if err != nil {
		return nil, err
	}

	// Drain continued response data
	var buf []byte
	getResponse := EncodeAPDU(0, p.insSendRemaining, 0, 0, nil)
	for sw>>8 == SW1HasMoreData {
		buf = append(buf, response...)
		response, sw, err = p.exchange(getResponse)
		if err != nil {
			return nil, err
		}
	}

	if sw != SWOK {
		return nil, &APDUError{Data: response, SW: sw}
	}
	return append(buf, response...), nil
}

// exchange performs one raw APDU round trip, polling through pending touch
// confirmations when the workaround is enabled.
func (p *Protocol) exchange(apdu []byte) ([]byte, uint16, error) {
	response, sw, err := p.conn.SendAndReceive(apdu)
	if err != nil {
		return nil, 0, err
	}

	if p.touchWorkaround && sw == SWConditionsNotSatisfied {
		// The device reports the pending confirmation transiently.
		// Poll with an empty APDU until the real result or a terminal
		// error arrives; the connection's own timeouts bound the loop.
		p.log.Debug("touch confirmation pending, polling")
		poll := EncodeAPDU(0, 0, 0, 0, nil)
		for sw == SWConditionsNotSatisfied {
			time.Sleep(touchPollInterval)
			response, sw, err = p.conn.SendAndReceive(poll)
			if err != nil {
				return nil, 0, err
			}
		}
	}

	return response, sw, nil
}
