package royalty

// =============================================================================
// PAGER - Pure windowing over an ordered sequence
// =============================================================================

// MaxWindowPages is the widest page-number window shown for navigation.
const MaxWindowPages = 5

// Paginate returns items[(currentPage-1)*pageSize : currentPage*pageSize],
// clipped to the slice. A page past the end yields an empty slice; it is not
// clamped. The result shares no memory with items.
func Paginate[T any](items []T, currentPage, pageSize int) []T {
	if currentPage < 1 || pageSize < 1 || len(items) == 0 {
		return []T{}
	}
	// Compare page numbers before multiplying so huge arguments cannot wrap.
	if currentPage-1 > (len(items)-1)/pageSize {
		return []T{}
	}
	start := (currentPage - 1) * pageSize
	end := len(items)
	if pageSize < end-start {
		end = start + pageSize
	}

	out := make([]T, end-start)
	copy(out, items[start:end])
	return out
}

// PageWindow is the set of page numbers to show, centred on the current page.
type PageWindow struct {
	StartPage  int
	EndPage    int
	TotalPages int
}

// ComputePageWindow keeps currentPage roughly centred in a window of at most
// MaxWindowPages pages. When the window would run past the last page it is
// pulled back so it stays as wide as possible. No pages gives the zero window.
// A currentPage outside [1, TotalPages] gets the window of the nearest page.
func ComputePageWindow(totalItems, currentPage, pageSize int) PageWindow {
	if totalItems <= 0 || pageSize < 1 {
		return PageWindow{}
	}
	totalPages := totalItems / pageSize
	if totalItems%pageSize != 0 {
		totalPages++
	}
	currentPage = max(1, min(currentPage, totalPages))

	startPage := max(1, currentPage-2)
	endPage := totalPages
	if startPage <= totalPages-(MaxWindowPages-1) {
		endPage = startPage + MaxWindowPages - 1
	}
	if endPage-startPage < MaxWindowPages-1 {
		startPage = max(1, endPage-(MaxWindowPages-1))
	}

	return PageWindow{StartPage: startPage, EndPage: endPage, TotalPages: totalPages}
}

// Pages lists the page numbers in the window.
func (w PageWindow) Pages() []int {
	if w.TotalPages == 0 {
		return nil
	}
	pages := make([]int, 0, w.EndPage-w.StartPage+1)
	for p := w.StartPage; p <= w.EndPage; p++ {
		pages = append(pages, p)
	}
	return pages
}

// ShowControls is false for zero or one page.
func (w PageWindow) ShowControls() bool { return w.TotalPages > 1 }

// HasPrev reports whether page has a previous page.
func (w PageWindow) HasPrev(page int) bool { return page > 1 }

// HasNext reports whether page has a following page.
func (w PageWindow) HasNext(page int) bool { return page < w.TotalPages }

// ClampPage brings page into [1, TotalPages]. Navigation uses this; Paginate
// itself never clamps.
func (w PageWindow) ClampPage(page int) int {
	if w.TotalPages == 0 || page < 1 {
		return 1
	}
	return min(page, w.TotalPages)
}

// =============================================================================
// PAGE VIEW
// =============================================================================

// PageView is one rendered page of the ledger.
type PageView struct {
	CurrentPage int
	PageSize    int
	TotalItems  int
	Rows        []Record
	Window      PageWindow
}

// NewPageView windows records for display.
func NewPageView(records []Record, currentPage, pageSize int) PageView {
	return PageView{
		CurrentPage: currentPage,
		PageSize:    pageSize,
		TotalItems:  len(records),
		Rows:        Paginate(records, currentPage, pageSize),
		Window:      ComputePageWindow(len(records), currentPage, pageSize),
	}
}
