// Package pagination models a walk over an upstream paginated collection.
//
// The upstream hands out an opaque continuation token with every page and
// claims a total item count for the collection. A Cursor records how far the
// walk has got; it is advanced only after a page has been accepted, so a page
// rejected by the caller (for example a soft-throttled one) can be re-requested
// from the same position.
//
// Example usage:
//
//	shapes := []pagination.Shape{pagination.FeedShape(), pagination.ListShape()}
//	var cur pagination.Cursor
//	for {
//		page, err := pagination.ParsePage(body, shapes)
//		if err != nil {
//			return err
//		}
//		cur.Advance(page)
//		if page.EndOfStream() {
//			break
//		}
//		body = fetch(cur.Token())
//	}
//
// Response layouts vary across upstream versions. Shape is one explicit
// layout described by gjson paths; ParsePage tries shapes in order and uses
// the first that matches.
package pagination
