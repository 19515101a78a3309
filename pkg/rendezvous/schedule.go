package rendezvous

import "time"

// Schedule computes absolute wave deadlines.
type Schedule struct {
	First  time.Time
	Period time.Duration
}

// Deadline returns the release time of wave i.
func (s Schedule) Deadline(i int) time.Time {
	return s.First.Add(time.Duration(i) * s.Period)
}

// Partition splits items into consecutive waves of perWave items. The last
// wave is short if len(items) is not a multiple of perWave.
func Partition[T any](items []T, perWave int) [][]T {
	if perWave <= 0 {
		return nil
	}
	waves := make([][]T, 0, (len(items)+perWave-1)/perWave)
	for start := 0; start < len(items); start += perWave {
		end := min(start+perWave, len(items))
		waves = append(waves, items[start:end])
	}
	return waves
}
