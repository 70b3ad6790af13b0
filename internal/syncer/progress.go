package syncer

// ProgressFunc receives replication progress: done ops out of total. It is
// called at least once at the start (0, total) and once at completion;
// consecutive identical calls are suppressed.
type ProgressFunc func(done, total uint64)

type progressReporter struct {
	fn       ProgressFunc
	done     uint64
	total    uint64
	reported bool
	lastDone uint64
	lastTot  uint64
}

func newProgressReporter(fn ProgressFunc) *progressReporter {
	return &progressReporter{fn: fn}
}

func (p *progressReporter) emit() {
	if p.fn == nil {
		return
	}
	if p.reported && p.done == p.lastDone && p.total == p.lastTot {
		return
	}
	p.reported = true
	p.lastDone, p.lastTot = p.done, p.total
	p.fn(p.done, p.total)
}

// start announces the initial total.
func (p *progressReporter) start(total uint64) {
	p.total = total
	p.emit()
}

// setTotal grows the total when it becomes known mid-call (vault max map,
// per-device listings).
func (p *progressReporter) setTotal(total uint64) {
	if total < p.done {
		total = p.done
	}
	p.total = total
	p.emit()
}

// add records newly completed ops.
func (p *progressReporter) add(n uint64) {
	p.done += n
	if p.done > p.total {
		p.total = p.done
	}
	p.emit()
}

// finish pins done to total and emits the terminal call.
func (p *progressReporter) finish() {
	p.done = p.total
	p.emit()
}
