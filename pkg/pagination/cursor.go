package pagination

// Page is one parsed batch from the upstream.
type Page struct {
	Items      []string
	NextCursor string
	HasMore    bool

	// Claimed is the total the upstream reports for the collection, or 0 when
	// the layout carries no count.
	Claimed int

	// Shape names the layout the page was parsed with.
	Shape string
}

// EndOfStream reports whether the page claims to be the last one.
func (p Page) EndOfStream() bool {
	return !p.HasMore || p.NextCursor == ""
}

// Cursor is a position in a paginated collection.
type Cursor struct {
	token     string
	batch     int
	retrieved int
	claimed   int
}

// Token returns the continuation token for the next request. The first
// request uses the empty token.
func (c *Cursor) Token() string { return c.token }

// Batch returns how many pages have been accepted.
func (c *Cursor) Batch() int { return c.batch }

// Retrieved returns the cumulative item count of accepted pages.
func (c *Cursor) Retrieved() int { return c.retrieved }

// Claimed returns the largest total the upstream has claimed so far.
func (c *Cursor) Claimed() int { return c.claimed }

// Advance accepts a page: the batch counter and retrieved count grow, the
// claimed total is raised if the page reports a larger one, and the token
// moves to the page's continuation. An end-of-stream page leaves the token
// where it was.
func (c *Cursor) Advance(p Page) {
	c.batch++
	c.retrieved += len(p.Items)
	if p.Claimed > c.claimed {
		c.claimed = p.Claimed
	}
	if !p.EndOfStream() {
		c.token = p.NextCursor
	}
}

// Observe records a claimed total without accepting the page.
func (c *Cursor) Observe(p Page) {
	if p.Claimed > c.claimed {
		c.claimed = p.Claimed
	}
}
