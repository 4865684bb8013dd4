package discovery

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

const (
	Magic   = "OVERLORD"
	Version = 1

	DefaultPort = 4456

	TypeProbe    = "probe"
	TypeAnnounce = "announce"

	maxDatagram = 1024
)

var ErrInvalidMessage = errors.New("invalid discovery message")

// Message is the single datagram shape used in both directions.
type Message struct {
	Magic   string `cbor:"1,keyasint"`
	Version int    `cbor:"2,keyasint"`
	Type    string `cbor:"3,keyasint"`
	Nonce   string `cbor:"4,keyasint,omitempty"`
	Addr    string `cbor:"5,keyasint,omitempty"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("discovery: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		MaxArrayElements: 16,
		MaxMapPairs:      16,
		MaxNestedLevels:  4,
	}.DecMode()
	if err != nil {
		panic("discovery: CBOR decoder initialization failed: " + err.Error())
	}
}

func NewProbe(nonce string) Message {
	return Message{Magic: Magic, Version: Version, Type: TypeProbe, Nonce: nonce}
}

func NewAnnounce(nonce, addr string) Message {
	return Message{Magic: Magic, Version: Version, Type: TypeAnnounce, Nonce: nonce, Addr: addr}
}

func Encode(m Message) ([]byte, error) {
	return encMode.Marshal(m)
}

// Decode parses a datagram and checks the magic and version. Anything else
// is reported as ErrInvalidMessage.
func Decode(b []byte) (Message, error) {
	var m Message
	if len(b) == 0 || len(b) > maxDatagram {
		return m, fmt.Errorf("%w: size %d", ErrInvalidMessage, len(b))
	}
	if err := decMode.Unmarshal(b, &m); err != nil {
		return m, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if m.Magic != Magic || m.Version != Version {
		return m, fmt.Errorf("%w: magic %q version %d", ErrInvalidMessage, m.Magic, m.Version)
	}
	if m.Type != TypeProbe && m.Type != TypeAnnounce {
		return m, fmt.Errorf("%w: type %q", ErrInvalidMessage, m.Type)
	}
	return m, nil
}
