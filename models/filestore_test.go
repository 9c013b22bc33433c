package models

import (
	"context"
	"errors"
	"fmt"
)

// memFileStore keeps staged files in memory so parser and renderer tests
// never need a bucket.
type memFileStore struct {
	files    map[string][]byte
	lastName string
	lastData []byte
}

func (s *memFileStore) AddFile(_ context.Context, name string, _ string, data []byte) (string, error) {
	if s.files == nil {
		s.files = make(map[string][]byte)
	}
	url := fmt.Sprintf("mem://%s", name)
	s.files[url] = data
	s.lastName = name
	s.lastData = data
	return url, nil
}

func (s *memFileStore) GetFile(_ context.Context, url string) ([]byte, error) {
	data, ok := s.files[url]
	if !ok {
		return nil, errors.New("no such file")
	}
	return data, nil
}

func (s *memFileStore) DeleteFile(_ context.Context, url string) error {
	delete(s.files, url)
	return nil
}
