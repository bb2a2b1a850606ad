package gpu

// failureHistory remembers which devices were implicated in worker failures.
type failureHistory interface {
	record(device int)
	count(device int) int
	total() int
}

// failureWindow keeps the most recent failures in a fixed-length ring, so a
// device regains eligibility once its failures age out.
type failureWindow struct {
	entries []int
	next    int
	full    bool
}

func newFailureWindow(size int) *failureWindow {
	return &failureWindow{entries: make([]int, size)}
}

func (w *failureWindow) record(device int) {
	w.entries[w.next] = device
	w.next = (w.next + 1) % len(w.entries)

	if w.next == 0 {
		w.full = true
	}
}

func (w *failureWindow) count(device int) int {
	n := 0
	for _, d := range w.entries[:w.total()] {
		if d == device {
			n++
		}
	}

	return n
}

func (w *failureWindow) total() int {
	if w.full {
		return len(w.entries)
	}

	return w.next
}

// failureCounters keeps lifetime failure counts per device.
type failureCounters struct {
	counts []int
	sum    int
}

func newFailureCounters(devices int) *failureCounters {
	return &failureCounters{counts: make([]int, devices)}
}

func (c *failureCounters) record(device int) {
	c.counts[device]++
	c.sum++
}

func (c *failureCounters) count(device int) int {
	return c.counts[device]
}

func (c *failureCounters) total() int {
	return c.sum
}
