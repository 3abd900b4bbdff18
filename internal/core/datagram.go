package core

// DataFrame is a decoded data-plane datagram.
type DataFrame interface{ dataFrame() }

type HolePunch struct{}

type KeepAlive struct{}

// AppMessage is opaque to the networking layer.
type AppMessage struct{ Message }

func (HolePunch) dataFrame()  {}
func (KeepAlive) dataFrame()  {}
func (AppMessage) dataFrame() {}

// DecodeDatagram parses a datagram. Connection maintenance tags are split off,
// anything else is handed to the application untouched.
func DecodeDatagram(b []byte) (DataFrame, error) {
	m, err := Decode(b)
	if err != nil {
		return nil, err
	}
	switch m.Type {
	case TypeHolePunch:
		return HolePunch{}, nil
	case TypeKeepAlive:
		return KeepAlive{}, nil
	default:
		return AppMessage{Message: m}, nil
	}
}
