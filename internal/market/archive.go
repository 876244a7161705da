package market

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/helixquant/tickbt/internal/simerr"
)

// ArchiveSource lazily decodes a compressed archive of serialized tick
// records (one JSON event per line) into Events. Compression is selected
// by file extension: .gz, .zst, or none. Records are decoded on demand, so
// arbitrarily large archives stream in constant memory.
//
// Seek reopens the archive and skips forward, which keeps the source
// restartable for multi-run experiments at the cost of a re-scan.
type ArchiveSource struct {
	path string

	file    *os.File
	decomp  io.ReadCloser // nil when the archive is uncompressed
	scanner *bufio.Scanner

	cur     Event
	pending bool // cur holds an event Seek found; replay it on the next Next
	record  int64
	err     error
}

// OpenArchive opens the tick archive at path.
func OpenArchive(path string) (*ArchiveSource, error) {
	s := &ArchiveSource{path: path}
	if err := s.open(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *ArchiveSource) open() error {
	f, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("open tick archive: %w", err)
	}

	var r io.Reader = f
	switch strings.ToLower(filepath.Ext(s.path)) {
	case ".gz":
		zr, err := gzip.NewReader(f)
		if err != nil {
			f.Close()
			return fmt.Errorf("open tick archive: %w", err)
		}
		s.decomp = zr
		r = zr
	case ".zst":
		zr, err := zstd.NewReader(f)
		if err != nil {
			f.Close()
			return fmt.Errorf("open tick archive: %w", err)
		}
		s.decomp = zr.IOReadCloser()
		r = s.decomp
	}

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	s.file = f
	s.scanner = sc
	s.record = 0
	s.err = nil
	return nil
}

func (s *ArchiveSource) Next() bool {
	if s.err != nil {
		return false
	}
	if s.pending {
		s.pending = false
		return true
	}
	for s.scanner.Scan() {
		line := strings.TrimSpace(s.scanner.Text())
		s.record++
		if line == "" {
			continue
		}
		var ev Event
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			s.err = &simerr.DataError{Offset: s.record, Err: err}
			return false
		}
		s.cur = ev
		return true
	}
	if err := s.scanner.Err(); err != nil {
		s.err = &simerr.DataError{Offset: s.record, Err: err}
	}
	return false
}

func (s *ArchiveSource) Event() Event { return s.cur }

func (s *ArchiveSource) Err() error { return s.err }

// Seek restarts the archive and positions it at the first record with
// ExchangeTS >= ts.
func (s *ArchiveSource) Seek(ts int64) error {
	if err := s.closeReaders(); err != nil {
		return err
	}
	if err := s.open(); err != nil {
		return err
	}
	for s.Next() {
		if s.cur.ExchangeTS >= ts {
			// Rewind one record by stashing it: the next Next call must
			// return this event again.
			s.pending = true
			return nil
		}
	}
	return s.err
}

func (s *ArchiveSource) Close() error { return s.closeReaders() }

func (s *ArchiveSource) closeReaders() error {
	var first error
	if s.decomp != nil {
		if err := s.decomp.Close(); err != nil {
			first = err
		}
		s.decomp = nil
	}
	if s.file != nil {
		if err := s.file.Close(); err != nil && first == nil {
			first = err
		}
		s.file = nil
	}
	return first
}
