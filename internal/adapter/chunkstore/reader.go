package chunkstore

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"go.uber.org/zap"

	"medrag/internal/domain"
)

const maxLineSize = 64 << 20

// ErrMissingID is returned by ParseChunk for records without an id.
var ErrMissingID = errors.New("chunk has no id")

// ParseChunk decodes one shard line.
func ParseChunk(line []byte) (domain.Chunk, error) {
	var chunk domain.Chunk
	if err := json.Unmarshal(line, &chunk); err != nil {
		return domain.Chunk{}, err
	}
	if chunk.ID == "" {
		return domain.Chunk{}, ErrMissingID
	}
	return chunk, nil
}

// Lines calls fn for every non-blank line of the file at path. Rows count
// non-blank lines only, starting at 0. Returning an error from fn stops the scan.
func Lines(path string, fn func(row int, line []byte) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	row := 0
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		if err := fn(row, line); err != nil {
			return err
		}
		row++
	}
	return scanner.Err()
}

// CountRows returns the number of non-blank lines of the file at path.
func CountRows(path string) (int, error) {
	n := 0
	err := Lines(path, func(int, []byte) error {
		n++
		return nil
	})
	return n, err
}

var errStop = errors.New("stop")

// ReadRow reads and parses the chunk at row of the shard file at path.
func ReadRow(path string, row int) (domain.Chunk, domain.Gap) {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return domain.Chunk{}, domain.GapMissing
	}
	if info.Size() == 0 {
		return domain.Chunk{}, domain.GapEmpty
	}
	if row < 0 {
		return domain.Chunk{}, domain.GapOutOfRange
	}

	var (
		chunk domain.Chunk
		gap   = domain.GapOutOfRange
		rows  int
	)
	err = Lines(path, func(r int, line []byte) error {
		rows++
		if r != row {
			return nil
		}
		c, perr := ParseChunk(line)
		if perr != nil {
			gap = domain.GapParse
		} else {
			chunk, gap = c, domain.GapNone
		}
		return errStop
	})
	switch {
	case err != nil && !errors.Is(err, errStop):
		if errors.Is(err, fs.ErrNotExist) {
			return domain.Chunk{}, domain.GapMissing
		}
		return domain.Chunk{}, domain.GapParse
	case rows == 0:
		return domain.Chunk{}, domain.GapEmpty
	}
	return chunk, gap
}

// Resolve reads the chunk at addr. Unresolvable addresses yield a placeholder
// chunk keyed by the address and the reason.
func (s *Store) Resolve(addr domain.Address) (domain.Chunk, domain.Gap) {
	chunk, gap := ReadRow(s.ShardPath(addr.Corpus, addr.Shard), addr.Row)
	if gap != domain.GapNone {
		s.logger.Warn("chunk resolution gap",
			zap.String("id", addr.Key()),
			zap.String("corpus", addr.Corpus),
			zap.String("shard", addr.Shard),
			zap.Int("row", addr.Row),
			zap.String("reason", string(gap)),
		)
		return gap.Placeholder(addr.Key(), addr.Row), gap
	}
	return chunk, gap
}

// Scan parses every line of every shard of corpus, in shard order. Missing or
// empty shards and unparsable lines are skipped; fn errors abort the scan.
func (s *Store) Scan(corpus string, fn func(addr domain.Address, chunk domain.Chunk) error) error {
	shards, err := s.Shards(corpus)
	if err != nil {
		return fmt.Errorf("list shards of %s: %w", corpus, err)
	}
	for _, shard := range shards {
		if shard.Size == 0 {
			continue
		}
		var (
			skipped int
			fnErr   error
		)
		err := Lines(shard.Path, func(row int, line []byte) error {
			chunk, perr := ParseChunk(line)
			if perr != nil {
				skipped++
				return nil
			}
			fnErr = fn(domain.Address{Corpus: corpus, Shard: shard.Name, Row: row}, chunk)
			return fnErr
		})
		if fnErr != nil {
			return fnErr
		}
		if skipped > 0 {
			s.logger.Warn("skipped unparsable lines", zap.String("shard", shard.Path), zap.Int("lines", skipped))
		}
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			s.logger.Error("shard scan failed", zap.String("shard", shard.Path), zap.Error(err))
		}
	}
	return nil
}
