package envelope

import (
	"container/list"
	"regexp"
	"sync"
)

var idShape = regexp.MustCompile(`^arq_[A-Za-z0-9_-]{8,64}$`)

// DedupWindow bounds the recent client-supplied ids accepted for
// idempotent retries, per tenant (spec.md §4.2, DESIGN.md Open Question 3).
type DedupWindow struct {
	mu       sync.Mutex
	capacity int
	perTenant map[string]*tenantWindow
}

type tenantWindow struct {
	order *list.List
	index map[string]*list.Element
}

// NewDedupWindow creates a window holding up to capacity ids per tenant.
func NewDedupWindow(capacity int) *DedupWindow {
	if capacity <= 0 {
		capacity = 10000
	}
	return &DedupWindow{capacity: capacity, perTenant: make(map[string]*tenantWindow)}
}

// IsValidShape reports whether id could plausibly be a client-supplied
// idempotency key (the arq_ shape).
func (d *DedupWindow) IsValidShape(id string) bool {
	return idShape.MatchString(id)
}

// SeenRecently reports whether id has already been remembered for tenantID.
func (d *DedupWindow) SeenRecently(tenantID, id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	tw, ok := d.perTenant[tenantID]
	if !ok {
		return false
	}
	_, seen := tw.index[id]
	return seen
}

// Remember records id as seen for tenantID, evicting the oldest entry if
// the per-tenant window is at capacity.
func (d *DedupWindow) Remember(tenantID, id string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	tw, ok := d.perTenant[tenantID]
	if !ok {
		tw = &tenantWindow{order: list.New(), index: make(map[string]*list.Element)}
		d.perTenant[tenantID] = tw
	}
	if _, exists := tw.index[id]; exists {
		return
	}
	elem := tw.order.PushBack(id)
	tw.index[id] = elem

	for tw.order.Len() > d.capacity {
		oldest := tw.order.Front()
		if oldest == nil {
			break
		}
		tw.order.Remove(oldest)
		delete(tw.index, oldest.Value.(string))
	}
}
