package flow

import (
	"errors"
	"sort"
	"time"

	"github.com/Lolpotch/burai/internal/features"
	"github.com/Lolpotch/burai/internal/models"
)

// ErrEmptyFlow is returned when statistics are requested for a flow with no
// packets.
var ErrEmptyFlow = errors.New("flow: no packets")

// Compute derives the statistics of one flow. pkts is sorted by timestamp in
// place; ties keep their capture order.
func Compute(key models.FlowKey, pkts []models.PacketObservation) (*features.Stats, error) {
	if len(pkts) == 0 {
		return nil, ErrEmptyFlow
	}
	sort.SliceStable(pkts, func(i, j int) bool {
		return pkts[i].Timestamp.Before(pkts[j].Timestamp)
	})

	st := &features.Stats{
		ServerPort:   key.ServerPort,
		TotalPackets: len(pkts),
		MinLen:       pkts[0].Length,
		MaxLen:       pkts[0].Length,
	}

	var (
		fwd, bwd             dirAcc
		lastFwd              time.Time
		fwdIATSum            float64
		flowIATSum           float64
		fwdHdrSum, bwdHdrSum int
	)

	first := pkts[0].Timestamp
	prev := first
	for i, p := range pkts {
		if i > 0 {
			iat := p.Timestamp.Sub(prev).Seconds()
			flowIATSum += iat
			if iat > st.FlowIATMax {
				st.FlowIATMax = iat
			}
		}
		prev = p.Timestamp

		st.TotalBytes += p.Length
		if p.Length < st.MinLen {
			st.MinLen = p.Length
		}
		if p.Length > st.MaxLen {
			st.MaxLen = p.Length
		}
		if p.HasFlag(models.FlagSYN) {
			st.SYNCount++
		}

		switch p.Direction {
		case models.Forward:
			fwd.add(p.Length)
			fwdHdrSum += p.HeaderLength
			if st.InitWinFwd == 0 {
				st.InitWinFwd = int(p.Window)
			}
			if fwd.count == 1 || p.PayloadLength < st.MinSegSizeFwd {
				st.MinSegSizeFwd = p.PayloadLength
			}
			if fwd.count > 1 {
				fwdIATSum += p.Timestamp.Sub(lastFwd).Seconds()
			}
			lastFwd = p.Timestamp
		case models.Backward:
			bwd.add(p.Length)
			bwdHdrSum += p.HeaderLength
			if st.InitWinBwd == 0 {
				st.InitWinBwd = int(p.Window)
			}
		}
	}

	n := len(pkts)
	if n > 1 {
		st.Duration = prev.Sub(first).Seconds()
		st.FlowIATMean = flowIATSum / float64(n-1)
	}

	st.FwdPackets, st.FwdBytes = fwd.count, fwd.sum
	st.BwdPackets, st.BwdBytes = bwd.count, bwd.sum
	st.FwdLenMin, st.FwdLenMax, st.FwdLenMean = fwd.min, fwd.max, fwd.mean()
	st.BwdLenMin, st.BwdLenMax, st.BwdLenMean = bwd.min, bwd.max, bwd.mean()
	st.MeanLen = float64(st.TotalBytes) / float64(n)

	if fwd.count > 1 {
		st.FwdIATMean = fwdIATSum / float64(fwd.count-1)
	}
	if fwd.count > 0 {
		st.FwdHeaderMean = float64(fwdHdrSum) / float64(fwd.count)
	}
	if bwd.count > 0 {
		st.BwdHeaderMean = float64(bwdHdrSum) / float64(bwd.count)
	}
	if fwd.sum > 0 {
		st.DownUpRatio = float64(bwd.sum) / float64(fwd.sum)
	}

	// A zero-duration flow reports raw counts instead of rates.
	st.FlowBytesPerSec = rate(float64(st.TotalBytes), st.Duration)
	st.FlowPacketsPerSec = rate(float64(n), st.Duration)
	st.FwdPacketsPerSec = rate(float64(fwd.count), st.Duration)
	st.BwdPacketsPerSec = rate(float64(bwd.count), st.Duration)

	return st, nil
}

func rate(v, duration float64) float64 {
	if duration > 0 {
		return v / duration
	}
	return v
}

// dirAcc accumulates packet lengths for one direction.
type dirAcc struct {
	count    int
	sum      int
	min, max int
}

func (d *dirAcc) add(length int) {
	if d.count == 0 || length < d.min {
		d.min = length
	}
	if length > d.max {
		d.max = length
	}
	d.count++
	d.sum += length
}

func (d *dirAcc) mean() float64 {
	if d.count == 0 {
		return 0
	}
	return float64(d.sum) / float64(d.count)
}
