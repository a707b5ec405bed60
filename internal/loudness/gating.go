package loudness

import "math"

// Integrated loudness (ITU-R BS.1770-4): 400 ms blocks every 100 ms, gated at
// -70 LUFS and again 10 LU below the mean of the blocks that pass.
const gateRelative = -10.0

// gatingHistogram keeps per-bin block counts and energy sums, so storage and
// query cost are fixed however long the bus has been measured. Blocks in the
// bin that straddles the relative gate are left out.
type gatingHistogram struct {
	counts    [histBins]uint32
	energy    [histBins]float64
	energySum float64
	count     uint64
}

func (h *gatingHistogram) add(lufs float64) {
	if math.IsNaN(lufs) || lufs <= histMinLUFS {
		return
	}
	e := lufsToEnergy(lufs)
	i := binOf(lufs)
	h.counts[i]++
	h.energy[i] += e
	h.energySum += e
	h.count++
}

func (h *gatingHistogram) reset() {
	*h = gatingHistogram{}
}

// integrated returns the gated loudness, or -Inf when no block passed the
// absolute gate.
func (h *gatingHistogram) integrated() float64 {
	if h.count == 0 {
		return math.Inf(-1)
	}
	gate := energyToLUFS(h.energySum/float64(h.count)) + gateRelative
	start := 0
	if gate > histMinLUFS {
		start = int(math.Ceil((gate - histMinLUFS) * histBinsPerLU))
	}

	var n uint64
	var e float64
	for i := start; i < histBins; i++ {
		n += uint64(h.counts[i])
		e += h.energy[i]
	}
	if n == 0 {
		return math.Inf(-1)
	}
	return energyToLUFS(e / float64(n))
}
