package kernel

import (
	"bytes"
	"encoding/json"
	"io"
	"sync"
)

// artifactMessage is the part of a build tool JSON message we read
type artifactMessage struct {
	Reason     string  `json:"reason"`
	Executable *string `json:"executable"`
}

// artifactScanner is an io.Writer placed on the build tool's stdout. Lines
// holding JSON messages are consumed and their executables recorded; every
// other line is forwarded to out as soon as it is complete.
type artifactScanner struct {
	mu          sync.Mutex
	out         io.Writer
	partial     []byte
	executables []string
}

func newArtifactScanner(out io.Writer) *artifactScanner {
	return &artifactScanner{out: out}
}

func (s *artifactScanner) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.partial = append(s.partial, p...)
	for {
		idx := bytes.IndexByte(s.partial, '\n')
		if idx < 0 {
			break
		}
		line := s.partial[:idx+1]
		s.handleLine(line)
		s.partial = s.partial[idx+1:]
	}
	// Release the backing array once every line has been consumed.
	if len(s.partial) == 0 {
		s.partial = nil
	}
	return len(p), nil
}

// Flush handles a trailing line without newline
func (s *artifactScanner) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.partial) > 0 {
		s.handleLine(s.partial)
		s.partial = nil
	}
}

// Executables returns the executables reported so far, in order
func (s *artifactScanner) Executables() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, len(s.executables))
	copy(out, s.executables)
	return out
}

func (s *artifactScanner) handleLine(line []byte) {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var msg artifactMessage
		if err := json.Unmarshal(trimmed, &msg); err == nil {
			if msg.Executable != nil && *msg.Executable != "" {
				s.executables = append(s.executables, *msg.Executable)
			}
			return
		}
	}
	if _, err := s.out.Write(line); err != nil {
		log.Warn("Failed to forward build output", "error", err)
	}
}
