package vectorindex

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	"medrag/internal/adapter/fs"
)

// Embedding artifacts are little-endian float32 matrices with a short header:
// magic, row count, dimension.
var artifactMagic = [4]byte{'M', 'E', 'M', 'B'}

// ArtifactExt is the file extension of per-shard embedding artifacts.
const ArtifactExt = ".emb"

// ErrCorruptArtifact is returned when an embedding artifact cannot be decoded.
var ErrCorruptArtifact = errors.New("corrupt embedding artifact")

// WriteEmbeddings writes vectors to path atomically.
func WriteEmbeddings(path string, vectors [][]float32) error {
	dim := 0
	if len(vectors) > 0 {
		dim = len(vectors[0])
	}
	for i, v := range vectors {
		if len(v) != dim {
			return fmt.Errorf("row %d has dimension %d, want %d", i, len(v), dim)
		}
	}

	return fs.WriteAtomic(path, func(w io.Writer) error {
		bw := bufio.NewWriter(w)
		header := make([]byte, 16)
		copy(header[:4], artifactMagic[:])
		binary.LittleEndian.PutUint64(header[4:12], uint64(len(vectors)))
		binary.LittleEndian.PutUint32(header[12:16], uint32(dim))
		if _, err := bw.Write(header); err != nil {
			return err
		}
		buf := make([]byte, 4*dim)
		for _, v := range vectors {
			for j, x := range v {
				binary.LittleEndian.PutUint32(buf[4*j:], math.Float32bits(x))
			}
			if _, err := bw.Write(buf); err != nil {
				return err
			}
		}
		return bw.Flush()
	})
}

// ReadEmbeddings reads an artifact written by WriteEmbeddings.
func ReadEmbeddings(path string) ([][]float32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}

	br := bufio.NewReader(f)
	header := make([]byte, 16)
	if _, err := io.ReadFull(br, header); err != nil {
		return nil, fmt.Errorf("%w: %s: short header", ErrCorruptArtifact, path)
	}
	if [4]byte(header[:4]) != artifactMagic {
		return nil, fmt.Errorf("%w: %s: bad magic", ErrCorruptArtifact, path)
	}
	rows := binary.LittleEndian.Uint64(header[4:12])
	dim := binary.LittleEndian.Uint32(header[12:16])
	if want := 16 + int64(rows)*int64(dim)*4; want != info.Size() {
		return nil, fmt.Errorf("%w: %s: size %d, want %d", ErrCorruptArtifact, path, info.Size(), want)
	}

	vectors := make([][]float32, rows)
	buf := make([]byte, 4*dim)
	for i := range vectors {
		if _, err := io.ReadFull(br, buf); err != nil {
			return nil, fmt.Errorf("%w: %s: row %d: %v", ErrCorruptArtifact, path, i, err)
		}
		v := make([]float32, dim)
		for j := range v {
			v[j] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*j:]))
		}
		vectors[i] = v
	}
	return vectors, nil
}
