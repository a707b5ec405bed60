package loudness

import "math"

// Block histograms cover -70..+30 LUFS in 0.1 LU bins. Blocks at or below
// the absolute gate are never stored.
const (
	histMinLUFS   = -70.0
	histMaxLUFS   = 30.0
	histBinsPerLU = 10
	histBins      = int((histMaxLUFS - histMinLUFS) * histBinsPerLU)
)

// Loudness range (EBU Tech 3342) over short-term blocks.
const (
	rangeRelativeGate = -20.0
	rangeLowPct       = 0.10
	rangeHighPct      = 0.95
)

type rangeHistogram struct {
	bins      [histBins]uint32
	energySum float64 // energy of blocks above the absolute gate
	count     uint64
}

func (h *rangeHistogram) add(lufs float64) {
	if math.IsNaN(lufs) || lufs <= histMinLUFS {
		return
	}
	h.bins[binOf(lufs)]++
	h.energySum += lufsToEnergy(lufs)
	h.count++
}

func (h *rangeHistogram) reset() {
	h.bins = [histBins]uint32{}
	h.energySum = 0
	h.count = 0
}

// loudnessRange returns the spread between the 10th and 95th percentile of the
// relatively gated short-term blocks, or 0 when none survive gating.
func (h *rangeHistogram) loudnessRange() float64 {
	if h.count == 0 {
		return 0
	}
	gate := energyToLUFS(h.energySum/float64(h.count)) + rangeRelativeGate
	start := 0
	if gate > histMinLUFS {
		start = int(math.Ceil((gate - histMinLUFS) * histBinsPerLU))
	}
	if start >= histBins {
		return 0
	}

	var total uint64
	for _, n := range h.bins[start:] {
		total += uint64(n)
	}
	if total == 0 {
		return 0
	}

	lowRank := uint64(float64(total-1) * rangeLowPct)
	highRank := uint64(float64(total-1) * rangeHighPct)

	low, high := -1, -1
	var seen uint64
	for i := start; i < histBins; i++ {
		seen += uint64(h.bins[i])
		if low < 0 && seen > lowRank {
			low = i
		}
		if seen > highRank {
			high = i
			break
		}
	}
	return binCenter(high) - binCenter(low)
}

func binOf(lufs float64) int {
	idx := int((lufs - histMinLUFS) * histBinsPerLU)
	if idx >= histBins {
		idx = histBins - 1
	}
	if idx < 0 {
		idx = 0
	}
	return idx
}

func binCenter(idx int) float64 {
	return histMinLUFS + (float64(idx)+0.5)/histBinsPerLU
}

func lufsToEnergy(lufs float64) float64 {
	return math.Pow(10, (lufs+0.691)/10)
}

func energyToLUFS(energy float64) float64 {
	return -0.691 + 10*math.Log10(energy)
}
