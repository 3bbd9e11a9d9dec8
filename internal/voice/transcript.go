package voice

import "sync"

// Transcript holds the text of the current turn.
type Transcript struct {
	// User is the recognised speech of the user.
	User string `json:"user"`

	// Model is the transcription of the model's spoken reply.
	Model string `json:"model"`
}

// TranscriptSink accumulates transcription deltas for the current turn. It
// is safe for concurrent use.
type TranscriptSink struct {
	mu sync.Mutex
	t  Transcript
}

// AppendInput appends a delta of the user's speech.
func (s *TranscriptSink) AppendInput(delta string) Transcript {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.t.User += delta
	return s.t
}

// AppendOutput appends a delta of the model's speech.
func (s *TranscriptSink) AppendOutput(delta string) Transcript {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.t.Model += delta
	return s.t
}

// Reset clears both sides at the end of a turn.
func (s *TranscriptSink) Reset() Transcript {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.t = Transcript{}
	return s.t
}

// Snapshot returns the current transcript.
func (s *TranscriptSink) Snapshot() Transcript {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.t
}
