//go:build !linux

package serial

// SerialReader is only implemented on Linux.
type SerialReader struct{}

// Open always fails with ErrUnsupportedPlatform outside Linux.
func Open(cfg Config) (*SerialReader, error) {
	return nil, ErrUnsupportedPlatform
}

func (s *SerialReader) Config() Config { return Config{} }
func (s *SerialReader) Read(p []byte) (int, error) { return 0, ErrUnsupportedPlatform }
func (s *SerialReader) Write(p []byte) (int, error) { return 0, ErrUnsupportedPlatform }
func (s *SerialReader) WriteByte(c byte) error { return ErrUnsupportedPlatform }
func (s *SerialReader) WriteLine(line, newline string) error { return ErrUnsupportedPlatform }
func (s *SerialReader) ReadLine() (string, error) { return "", ErrUnsupportedPlatform }
func (s *SerialReader) Close() error { return nil }
func (s *SerialReader) ReadLinesLoop(onLine func(string), onError func(error)) {
	onError(ErrUnsupportedPlatform)
}
