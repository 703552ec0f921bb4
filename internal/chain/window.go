package chain

import "fmt"

// BlockRange represents an inclusive block range.
type BlockRange struct {
	From uint64
	To   uint64
}

// Len returns the number of blocks in the range.
func (r BlockRange) Len() uint64 {
	return r.To - r.From + 1
}

// Recent returns the window of n blocks ending at latest, clipped at genesis.
func Recent(latest, n uint64) (BlockRange, error) {
	if n == 0 {
		return BlockRange{}, fmt.Errorf("window size must be greater than zero")
	}
	var from uint64
	if latest+1 > n {
		from = latest + 1 - n
	}
	return BlockRange{From: from, To: latest}, nil
}

// SplitRange splits a block range into batches of size batchSize.
func SplitRange(r BlockRange, batchSize uint64) ([]BlockRange, error) {
	if batchSize == 0 {
		return nil, fmt.Errorf("batch size must be greater than zero")
	}
	if r.To < r.From {
		return nil, fmt.Errorf("to block must be >= from block")
	}

	ranges := make([]BlockRange, 0, r.Len()/batchSize+1)
	start := r.From
	for start <= r.To {
		end := r.To
		if r.To-start+1 > batchSize {
			end = start + batchSize - 1
		}
		ranges = append(ranges, BlockRange{From: start, To: end})
		if end == r.To {
			break
		}
		start = end + 1
	}

	return ranges, nil
}
