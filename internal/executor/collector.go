package executor

// Collector gathers captured rows for one execution, up to a cap that spans
// every result set in the script.
type Collector struct {
	maxRows   int
	rows      []Row
	truncated bool
}

// NewCollector creates a Collector that keeps at most maxRows rows.
func NewCollector(maxRows int) *Collector {
	return &Collector{maxRows: maxRows}
}

// Accumulate appends r unless the cap has been reached. It reports whether
// the row was kept.
func (c *Collector) Accumulate(r Row) bool {
	if c.Full() {
		return false
	}
	c.rows = append(c.rows, r)
	return true
}

// Full reports whether the cap has been reached.
func (c *Collector) Full() bool {
	return len(c.rows) >= c.maxRows
}

// MarkTruncated records that a row was left unread because of the cap.
func (c *Collector) MarkTruncated() {
	c.truncated = true
}

// Finalize returns the collected rows and whether the cap curtailed
// collection.
func (c *Collector) Finalize() ([]Row, bool) {
	if c.rows == nil {
		return []Row{}, c.truncated
	}
	return c.rows, c.truncated
}
