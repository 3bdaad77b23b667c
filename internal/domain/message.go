package domain

// Message is the shape persisted through the history service. It is
// transient in the core: the relay builds one per group/dm frame, hands it
// to internal/history, and retains nothing afterward.
type Message struct {
	Sender    string
	Recipient string
	Message   string
	Type      string // "group" or "dm"

	// Ciphertext/Nonce/MAC carry an E2EE payload when the client sent one.
	// The relay never inspects or decrypts these; they ride along opaque
	// and are forwarded to peers unchanged (see internal/relay dispatch).
	Ciphertext string
	Nonce      string
	MAC        string
}
