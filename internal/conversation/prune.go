package conversation

// pruneToCap enforces the per-record length cap. Messages are removed from
// the front (index 1 onward; index 0 is reserved for the system message),
// preferring directly-authored messages over resolved references. Once no
// directly-authored message remains, references are evicted in order too.
// After eviction the system message is restored at index 0 if it went
// missing, evicting the newest message when restoring would exceed the cap.
func pruneToCap(msgs []Message, persona string, maxLen int) []Message {
	if maxLen < 2 {
		maxLen = 2 // room for the system message plus one turn
	}
	for len(msgs) > maxLen {
		victim := -1
		for i := 1; i < len(msgs); i++ {
			if !msgs[i].IsReference {
				victim = i
				break
			}
		}
		if victim == -1 {
			// Record is all references past index 0; evict the oldest one.
			victim = 1
		}
		msgs = append(msgs[:victim], msgs[victim+1:]...)
	}
	return ensureSystem(msgs, persona, maxLen)
}

// ensureSystem guarantees that index 0 holds a system message. A record that
// lost its persona (corruption, partial truncation) gets a fresh one, at the
// cost of the newest message when the insert would push past the cap.
func ensureSystem(msgs []Message, persona string, maxLen int) []Message {
	if len(msgs) > 0 && msgs[0].Role == RoleSystem {
		return msgs
	}
	msgs = append([]Message{SystemMessage(persona)}, msgs...)
	if len(msgs) > maxLen {
		msgs = msgs[:len(msgs)-1]
	}
	return msgs
}
