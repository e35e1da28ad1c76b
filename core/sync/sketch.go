package sync

import (
	"encoding/binary"

	"lukechampine.com/blake3"
)

// CapacityLadder is the preset sketch-capacity ladder negotiated at Hello
// (spec.md §4.3's example values).
var CapacityLadder = []uint32{16, 64, 256, 1024}

// Hash64 derives the 64-bit element hash a sketch indexes by, from a
// msg_id's hex string.
func Hash64(msgID string) uint64 {
	sum := blake3.Sum256([]byte(msgID))
	return binary.LittleEndian.Uint64(sum[:8])
}

// cell is one slot of the sum-of-elements sketch: a signed membership
// count and the XOR of every element hash mapped into it. When a cell's
// count settles at +1 or -1, IDSum is exactly that one element's hash.
type cell struct {
	Count int32
	IDSum uint64
}

// Sketch is a fixed-capacity invertible summary of a set of element
// hashes. XOR-ing two sketches of equal capacity yields a sketch of their
// symmetric difference; decoding it succeeds exactly when the true
// symmetric difference has at most Capacity elements and no two of them
// collide on the same cell index.
type Sketch struct {
	Capacity uint32
	Cells    []cell
}

// NewSketch builds an empty sketch of the given capacity.
func NewSketch(capacity uint32) *Sketch {
	return &Sketch{Capacity: capacity, Cells: make([]cell, capacity)}
}

// BuildSketch inserts every element hash in hashes into a fresh sketch.
func BuildSketch(capacity uint32, hashes []uint64) *Sketch {
	s := NewSketch(capacity)
	for _, h := range hashes {
		s.Insert(h)
	}
	return s
}

func (s *Sketch) idx(h uint64) uint32 {
	return uint32(h % uint64(s.Capacity))
}

// Insert adds one element hash to the sketch.
func (s *Sketch) Insert(h uint64) {
	i := s.idx(h)
	s.Cells[i].Count++
	s.Cells[i].IDSum ^= h
}

// Remove subtracts one element hash from the sketch (used when building
// the symmetric-difference sketch by subtracting a peer's sketch).
func (s *Sketch) Remove(h uint64) {
	i := s.idx(h)
	s.Cells[i].Count--
	s.Cells[i].IDSum ^= h
}

// Bytes serializes the sketch for the wire (Sketch{capacity, bytes} in §6).
func (s *Sketch) Bytes() []byte {
	buf := make([]byte, len(s.Cells)*12)
	for i, c := range s.Cells {
		binary.LittleEndian.PutUint32(buf[i*12:], uint32(c.Count))
		binary.LittleEndian.PutUint64(buf[i*12+4:], c.IDSum)
	}
	return buf
}

// SketchFromBytes reconstructs a sketch of the given capacity from Bytes'
// output.
func SketchFromBytes(capacity uint32, data []byte) (*Sketch, error) {
	if uint32(len(data)) != capacity*12 {
		return nil, errSketchSize
	}
	s := NewSketch(capacity)
	for i := range s.Cells {
		s.Cells[i].Count = int32(binary.LittleEndian.Uint32(data[i*12:]))
		s.Cells[i].IDSum = binary.LittleEndian.Uint64(data[i*12+4:])
	}
	return s, nil
}

// Diff returns the symmetric-difference sketch of s and other: XOR their
// IDSums and subtract their counts, cell by cell.
func (s *Sketch) Diff(other *Sketch) *Sketch {
	out := NewSketch(s.Capacity)
	for i := range s.Cells {
		out.Cells[i].Count = s.Cells[i].Count - other.Cells[i].Count
		out.Cells[i].IDSum = s.Cells[i].IDSum ^ other.Cells[i].IDSum
	}
	return out
}

// DecodeResult holds the outcome of decoding a symmetric-difference sketch
// from the local side's point of view.
type DecodeResult struct {
	// OnlyLocal are element hashes this side has that the peer lacks.
	OnlyLocal []uint64
	// OnlyRemote are element hashes the peer has that this side lacks.
	OnlyRemote []uint64
	// Overflow is true when some cells could not be resolved (|A△B| > capacity
	// or a hash collision), meaning the caller must escalate capacity or
	// fall back to a sorted-range split.
	Overflow bool
}

// Decode peels every resolvable cell (count == ±1, identifying exactly one
// element) out of a symmetric-difference sketch. Cells with count outside
// {-1, 0, 1}, and count-0 cells with a nonzero IDSum, are unresolvable and
// flagged as overflow.
func (s *Sketch) Decode() DecodeResult {
	var res DecodeResult
	for _, c := range s.Cells {
		switch c.Count {
		case 0:
			// Either no difference at this cell, or colliding elements
			// whose counts cancelled out; a nonzero IDSum marks the
			// latter, which cannot be peeled.
			if c.IDSum != 0 {
				res.Overflow = true
			}
		case 1:
			res.OnlyLocal = append(res.OnlyLocal, c.IDSum)
		case -1:
			res.OnlyRemote = append(res.OnlyRemote, c.IDSum)
		default:
			res.Overflow = true
		}
	}
	return res
}

type sketchError string

func (e sketchError) Error() string { return string(e) }

const errSketchSize = sketchError("sync: sketch byte length does not match capacity")
