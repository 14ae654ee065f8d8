package index

import (
	"bufio"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
)

// vectorMagic heads the binary vector file so a foreign file fails fast.
var vectorMagic = [4]byte{'G', 'A', 'V', '1'}

// ErrCorruptStore marks a vector file that fails its integrity checks.
var ErrCorruptStore = errors.New("index: vector store corrupt")

// vectorStore is a flat in-memory store of embedding vectors searched by
// brute-force cosine similarity. Row positions align with the chunk
// table.
type vectorStore struct {
	dim     int
	vectors [][]float32
}

func (s *vectorStore) len() int { return len(s.vectors) }

// add appends vectors, fixing the dimension on first insert.
func (s *vectorStore) add(vecs [][]float32) error {
	for _, v := range vecs {
		if s.dim == 0 {
			s.dim = len(v)
		}
		if len(v) != s.dim {
			return fmt.Errorf("index: vector dimension %d, store has %d", len(v), s.dim)
		}
		s.vectors = append(s.vectors, v)
	}
	return nil
}

// search returns the top n rows by cosine similarity, deterministic on
// ties by row order.
func (s *vectorStore) search(query []float32, n int, live func(doc int) bool) []ranked {
	if len(query) != s.dim || len(s.vectors) == 0 {
		return nil
	}
	qn := vecNorm(query)
	if qn == 0 {
		return nil
	}
	out := make([]ranked, 0, len(s.vectors))
	for i, v := range s.vectors {
		if live != nil && !live(i) {
			continue
		}
		vn := vecNorm(v)
		if vn == 0 {
			continue
		}
		out = append(out, ranked{doc: i, score: dot(query, v) / (qn * vn)})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].score == out[j].score {
			return out[i].doc < out[j].doc
		}
		return out[i].score > out[j].score
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

func dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

func vecNorm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

// save writes the store as a little-endian binary file plus a sha256
// sidecar, both atomically, and returns the checksum.
func (s *vectorStore) save(path string) (string, error) {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return "", err
	}
	hasher := sha256.New()
	w := bufio.NewWriter(io.MultiWriter(f, hasher))

	if _, err := w.Write(vectorMagic[:]); err != nil {
		f.Close()
		return "", err
	}
	header := []uint32{uint32(s.dim), uint32(len(s.vectors))}
	for _, h := range header {
		if err := binary.Write(w, binary.LittleEndian, h); err != nil {
			f.Close()
			return "", err
		}
	}
	for _, vec := range s.vectors {
		if err := binary.Write(w, binary.LittleEndian, vec); err != nil {
			f.Close()
			return "", err
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", err
	}

	sum := hex.EncodeToString(hasher.Sum(nil))
	sidecar := path + ".sha256"
	if err := os.WriteFile(sidecar+".tmp", []byte(sum+"\n"), 0o644); err != nil {
		return "", err
	}
	if err := os.Rename(sidecar+".tmp", sidecar); err != nil {
		return "", err
	}
	return sum, nil
}

// loadVectorStore reads and verifies a store. Verification is fail
// closed: a missing or mismatched sidecar checksum is a corruption
// error, never a silent acceptance.
func loadVectorStore(path string) (*vectorStore, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", err
	}
	sidecar, err := os.ReadFile(path + ".sha256")
	if err != nil {
		return nil, "", fmt.Errorf("%w: checksum sidecar unreadable: %v", ErrCorruptStore, err)
	}
	want := string(trimNewline(sidecar))
	sum := sha256.Sum256(data)
	got := hex.EncodeToString(sum[:])
	if got != want {
		return nil, "", fmt.Errorf("%w: checksum mismatch", ErrCorruptStore)
	}

	if len(data) < 12 || [4]byte(data[:4]) != vectorMagic {
		return nil, "", fmt.Errorf("%w: bad header", ErrCorruptStore)
	}
	dim := int(binary.LittleEndian.Uint32(data[4:8]))
	count := int(binary.LittleEndian.Uint32(data[8:12]))
	body := data[12:]
	if dim < 0 || count < 0 || len(body) != dim*count*4 {
		return nil, "", fmt.Errorf("%w: truncated payload", ErrCorruptStore)
	}

	s := &vectorStore{dim: dim, vectors: make([][]float32, count)}
	for i := 0; i < count; i++ {
		vec := make([]float32, dim)
		for j := 0; j < dim; j++ {
			bits := binary.LittleEndian.Uint32(body[(i*dim+j)*4:])
			vec[j] = math.Float32frombits(bits)
		}
		s.vectors[i] = vec
	}
	return s, got, nil
}

func trimNewline(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return b
}
