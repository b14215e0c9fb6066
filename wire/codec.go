package wire

var actionCancelFingerprint = Fingerprint("ActionCancel")

// Encode renders an ActionCancel as its wire payload, fingerprint
// prefix included like every other message type. ActionCancel is a
// concrete, non-generated framework type (unlike goals/feedback/
// results, which are generated per-action), so it owns its own codec
// rather than taking one through the message.Message constraint.
func (c ActionCancel) Encode() ([]byte, error) {
	return EncodeWithFingerprint(actionCancelFingerprint, c)
}

// DecodeActionCancel decodes a wire payload into an ActionCancel.
func DecodeActionCancel(data []byte) (ActionCancel, error) {
	var c ActionCancel
	err := DecodeWithFingerprint(data, &c)
	return c, err
}
