package inference

import "fmt"

// ArgMax returns the index of the largest value in row, preferring the
// lowest index on ties. It returns -1 for an empty row.
func ArgMax(row []float32) int {
	if len(row) == 0 {
		return -1
	}
	best := 0
	for i := 1; i < len(row); i++ {
		if row[i] > row[best] {
			best = i
		}
	}
	return best
}

// ArgMaxAt reduces row pos of flat scores laid out as consecutive rows of
// width vocab. Only that row is read; scores is never copied.
func ArgMaxAt(scores []float32, vocab, pos int) (int32, error) {
	if vocab <= 0 || len(scores)%vocab != 0 {
		return 0, fmt.Errorf("inference: %d scores do not split into rows of %d", len(scores), vocab)
	}
	if pos < 0 || (pos+1)*vocab > len(scores) {
		return 0, fmt.Errorf("inference: position %d outside %d scored rows", pos, len(scores)/vocab)
	}
	return int32(ArgMax(scores[pos*vocab : (pos+1)*vocab])), nil
}
