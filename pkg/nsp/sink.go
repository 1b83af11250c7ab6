package nsp

import (
	"os"
)

// FileSink is the file-backed Sink: supports the header-rewrite seek and
// deletes partial output on abort.
type FileSink struct {
	f    *os.File
	path string
	done bool
}

// CreateFileSink creates (truncating) the output file at path.
func CreateFileSink(path string) (*FileSink, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	return &FileSink{f: f, path: path}, nil
}

func (s *FileSink) Write(p []byte) (int, error) { return s.f.Write(p) }

func (s *FileSink) Seek(offset int64) error {
	_, err := s.f.Seek(offset, 0)
	return err
}

func (s *FileSink) Finalize() error {
	s.done = true
	return s.f.Close()
}

func (s *FileSink) Abort() error {
	if s.done {
		return nil
	}
	s.f.Close()
	return os.Remove(s.path)
}
