package wire

// ExchangeHello performs the one-frame handshake every newly
// established link starts with: each side announces its own process
// identifier as a plain string before any CreateInstance/MethodCall
// traffic, so a listener can learn who just connected without
// depending on the registry package (kept here as a string to avoid a
// wire -> registry import).
func ExchangeHello(l *Link, selfID string) (peerID string, err error) {
	if err := l.WriteFrame(Header{Func: Hello, Seq: 0}, []byte(selfID)); err != nil {
		return "", err
	}
	_, body, err := l.ReadFrame()
	if err != nil {
		return "", err
	}
	return string(body), nil
}
