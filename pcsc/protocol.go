package pcsc

// IoDescriptor tags a transmission with the framing protocol to use.
type IoDescriptor struct {
	Protocol Protocol
}

// Predefined send descriptors.
var (
	IoT0  = IoDescriptor{Protocol: ProtocolT0}
	IoT1  = IoDescriptor{Protocol: ProtocolT1}
	IoRaw = IoDescriptor{Protocol: ProtocolRaw}
)

// ResolveDescriptor maps a negotiated protocol to its send descriptor. Only
// T=0, T=1 and raw have a framing; anything else, including T=15 and an
// unnegotiated "any", is an error rather than a guess.
func ResolveDescriptor(p Protocol) (IoDescriptor, error) {
	switch p {
	case ProtocolT0:
		return IoT0, nil
	case ProtocolT1:
		return IoT1, nil
	case ProtocolRaw:
		return IoRaw, nil
	default:
		return IoDescriptor{}, newError("resolve descriptor", "protocol "+p.String(), ErrProtocol, nil)
	}
}
