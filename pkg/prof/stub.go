//go:build !profile

package prof

import "io"

// Session is an open profiling window.
type Session struct{}

// Start is a no-op when built without the "profile" tag.
func Start(_ Config) (*Session, error) {
	return &Session{}, nil
}

// Stop is a no-op when built without the "profile" tag.
func (s *Session) Stop() error {
	return nil
}

// WriteTo is a no-op when built without the "profile" tag.
func WriteTo(_ Profile, _ io.Writer, _ int) error {
	return nil
}
