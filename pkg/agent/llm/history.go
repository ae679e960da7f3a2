package llm

// Projection helpers over message histories. Histories are append-only;
// every helper returns a fresh slice and leaves the input untouched.

// CloneMessages returns a shallow copy of the message slice. Messages are
// values, so the copy shares no mutable state with the original.
func CloneMessages(msgs []Message) []Message {
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out
}

// LastN returns the final n messages, or all of them when n exceeds the
// history length. n <= 0 yields an empty slice.
func LastN(msgs []Message, n int) []Message {
	if n <= 0 {
		return []Message{}
	}
	if n > len(msgs) {
		n = len(msgs)
	}
	return CloneMessages(msgs[len(msgs)-n:])
}

// MatchMetadata returns the messages whose metadata carries key=value, in order.
func MatchMetadata(msgs []Message, key, value string) []Message {
	out := make([]Message, 0, len(msgs))
	for i := range msgs {
		if msgs[i].Meta(key) == value {
			out = append(out, msgs[i])
		}
	}
	return out
}
