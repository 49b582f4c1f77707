package reconcile

import "fmt"

// UdiSeries is the per-DTU power of one device for one day, keyed by the
// 1-based DTU index
type UdiSeries struct {
	Endpoint string
	DtuSize  int // minutes
	Dtus     map[int]*PowerData
}

// SumUdisPerPtu aggregates device forecasts into per-PTU group totals.
// Each device's PTU value is the average of its DTU samples in that PTU;
// the per-device PTU values are then summed across devices. PTUs without
// any data are left out of the result.
func SumUdisPerPtu(udis []UdiSeries, ptuDuration, numberOfPtus int) (map[int]*PowerData, error) {
	out := make(map[int]*PowerData, numberOfPtus)

	for _, udi := range udis {
		if udi.DtuSize <= 0 || ptuDuration%udi.DtuSize != 0 {
			return nil, fmt.Errorf("udi %s: dtu size %d does not divide ptu duration %d", udi.Endpoint, udi.DtuSize, ptuDuration)
		}
		dtusPerPtu := ptuDuration / udi.DtuSize

		for p := 1; p <= numberOfPtus; p++ {
			samples := make([]*PowerData, 0, dtusPerPtu)
			for k := 0; k < dtusPerPtu; k++ {
				if d := udi.Dtus[1+(p-1)*dtusPerPtu+k]; d != nil {
					samples = append(samples, d)
				}
			}
			if avg := Average(samples...); avg != nil {
				out[p] = Sum(out[p], avg)
			}
		}
	}

	return out, nil
}
