package ledger

// tamper replaces the stored details of a receipt without touching its hash
// or signature, simulating corruption in the backing store.
func (s *MemoryStore) tamper(id string, details map[string]any) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.byID[id]
	if ok {
		r.Details = details
	}
	return ok
}
