package quality

import "sync"

// Collector accumulates the issues raised for one message.
type Collector struct {
	mu     sync.Mutex
	order  []string
	issues map[string]*Issue
}

func NewCollector() *Collector {
	return &Collector{issues: map[string]*Issue{}}
}

// Add records issue, joining it with an earlier issue with the same UniqueID.
func (c *Collector) Add(issue Issue) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := issue.UniqueID()
	if existing, ok := c.issues[id]; ok {
		existing.Join(issue)
		return
	}
	stored := issue
	c.issues[id] = &stored
	c.order = append(c.order, id)
}

// Issues returns the joined issues in the order they were first added.
func (c *Collector) Issues() []Issue {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Issue, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, *c.issues[id])
	}
	return out
}

func (c *Collector) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.order)
}

func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order = nil
	c.issues = map[string]*Issue{}
}
