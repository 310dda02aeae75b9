package writer

// poolInfo is a writer thread's local view of one bandwidth-limited pool.
type poolInfo struct {
	slot  int
	rate  int // summed measured rate of this thread's jobs
	delta int // percentage applied to jobs near their limit
}

const (
	maxDeltaPercent = 50
	onLimitPercent  = 90
)

// perPoolRates sums the measured rates of this thread's jobs per pool,
// publishes them to the pools and derives the adjustment percentage from
// the thread's share of the remaining headroom.
func (t *thread) perPoolRates(jobs []*Handle) {
	for _, info := range t.pools {
		info.rate = 0
	}
	for _, h := range jobs {
		j := h.job
		if j.pool != nil && j.pool.Limit > 0 && j.currentRate > 0 {
			t.poolInfo(j).rate += j.currentRate
		}
	}
	for p, info := range t.pools {
		total, threads := p.totalRate(info.slot, info.rate)
		share := p.Limit - total
		if info.rate > 0 {
			share /= threads
		}
		info.delta = clampDelta(share / 10)
		if total > 0 {
			t.log.Debug("writer: pool rate",
				"pool", p.Name, "thread_rate", info.rate, "total_rate", total,
				"limit", p.Limit, "threads", threads, "delta", info.delta)
		}
	}
}

func (t *thread) poolInfo(j *Job) *poolInfo {
	if j.info == nil {
		info, ok := t.pools[j.pool]
		if !ok {
			info = &poolInfo{slot: t.slot}
			t.pools[j.pool] = info
		}
		j.info = info
	}
	return j.info
}

func clampDelta(d int) int {
	return max(-maxDeltaPercent, min(d, maxDeltaPercent))
}

// adjustRate nudges the limit of a job that uses more than 90% of it by the
// pool delta, keeping it within [floor, poolLimit].
func adjustRate(rateLimit, currentRate, delta, poolLimit, floor int) int {
	if rateLimit <= 0 || currentRate <= 0 || delta == 0 {
		return rateLimit
	}
	if currentRate*100/rateLimit <= onLimitPercent {
		return rateLimit
	}
	return clampRate(currentRate+currentRate*delta/100, poolLimit, floor)
}

func clampRate(rate, poolLimit, floor int) int {
	if poolLimit > 0 && rate > poolLimit {
		rate = poolLimit
	}
	return max(rate, floor)
}

// initialRate picks the starting limit of a job: the requested one or the
// writer default, clamped to the pool limit under bandwidth management.
func initialRate(requested, def, poolLimit, floor int, managed bool) int {
	rate := requested
	if rate < 0 {
		rate = def
	}
	if managed && poolLimit > 0 {
		if rate <= 0 {
			rate = poolLimit / 2
		}
		rate = clampRate(rate, poolLimit, floor)
	}
	return rate
}
