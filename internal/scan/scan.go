// Package scan runs content detectors over the files of a working copy.
package scan

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"sync"

	"github.com/CZERTAINLY/CodeSniffer/internal/log"
	"github.com/CZERTAINLY/CodeSniffer/internal/parallel"
	"github.com/CZERTAINLY/CodeSniffer/internal/walk"
)

const DefaultMaxSize = 10 * 1024 * 1024

var (
	ErrTooBig  = errors.New("file too big")
	ErrNoMatch = errors.New("no match")
)

// Finding is a single match of a detector.
type Finding struct {
	RuleID      string
	Description string
	// Path is relative to the working copy.
	Path      string
	StartLine int
	EndLine   int
}

type Detector interface {
	Detect(ctx context.Context, b []byte, path string) ([]Finding, error)
}

type Scan struct {
	limit     int
	maxSize   int64
	detectors []Detector
	logger    *slog.Logger
	pool      sync.Pool
}

// New returns a Scan reading up to limit files at once. Files bigger than
// maxSize bytes are skipped, zero means DefaultMaxSize.
func New(limit int, maxSize int64, logger *slog.Logger, detectors ...Detector) *Scan {
	if limit <= 0 {
		limit = 1
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scan{
		limit:     limit,
		maxSize:   maxSize,
		detectors: detectors,
		logger:    logger,
		pool: sync.Pool{
			New: func() any { return new(bytes.Buffer) },
		},
	}
}

// Do reads the entries of seq and runs the detectors on them.
//  1. Entries failing to walk are dropped.
//  2. Files bigger than the max size yield ErrTooBig.
//  3. Files without findings yield ErrNoMatch.
//
// Results come in completion order.
func (s *Scan) Do(ctx context.Context, seq iter.Seq2[walk.Entry, error]) iter.Seq2[[]Finding, error] {
	return parallel.NewMap(ctx, s.limit, s.scan).Iter(seq)
}

func (s *Scan) scan(ctx context.Context, entry walk.Entry) ([]Finding, error) {
	ctx = log.ContextAttrs(ctx, slog.String("path", entry.Path()))
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	info, err := entry.Stat()
	if err != nil {
		return nil, fmt.Errorf("scan Stat: %w", err)
	}
	if info.Size() > s.maxSize {
		s.logger.DebugContext(ctx, "scanning skipped, too big file", "size", info.Size())
		return nil, fmt.Errorf("%s (%d bytes): %w", entry.Path(), info.Size(), ErrTooBig)
	}

	f, err := entry.Open()
	if err != nil {
		return nil, fmt.Errorf("scan Open: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()

	buf := s.pool.Get().(*bytes.Buffer)
	buf.Reset()
	defer s.pool.Put(buf)
	if _, err := buf.ReadFrom(io.LimitReader(f, s.maxSize+1)); err != nil {
		return nil, fmt.Errorf("scan Read: %w", err)
	}
	// the file may have grown since Stat
	if int64(buf.Len()) > s.maxSize {
		return nil, fmt.Errorf("%s: %w", entry.Path(), ErrTooBig)
	}

	var errs []error
	var res []Finding
	for _, detector := range s.detectors {
		found, err := detector.Detect(ctx, buf.Bytes(), entry.Path())
		switch {
		case err == nil:
			res = append(res, found...)
		case errors.Is(err, ErrNoMatch):
		default:
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return res, errors.Join(errs...)
	}
	if len(res) == 0 {
		return nil, ErrNoMatch
	}
	return res, nil
}
