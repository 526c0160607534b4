// Package quillcop provides the in-process query-execution front-end the
// protocol handler delegates to. It is a stand-in executor: statements
// resolve against a small canned table, synchronously by default, or on a
// shared worker pool for statements registered as deferred. Its value to
// the engine is the completion contract, not the SQL.
package quillcop

import (
	"strings"
	"sync"

	"github.com/quilldb/quill/server"
)

// Pool is a fixed-size worker pool shared by every connection's cop.
type Pool struct {
	tasks chan func()
	wg    sync.WaitGroup

	mu       sync.Mutex
	deferred []string
	canned   map[string]*server.QueryResult
}

// NewPool starts workers goroutines draining the task queue.
func NewPool(workers int) *Pool {
	if workers <= 0 {
		workers = 2
	}
	p := &Pool{
		tasks:  make(chan func(), 64),
		canned: make(map[string]*server.QueryResult),
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for fn := range p.tasks {
				fn()
			}
		}()
	}
	return p
}

// Close drains and stops the workers.
func (p *Pool) Close() {
	close(p.tasks)
	p.wg.Wait()
}

// DeferMatching marks statements containing substr to be executed on the
// worker pool instead of synchronously.
func (p *Pool) DeferMatching(substr string) {
	p.mu.Lock()
	p.deferred = append(p.deferred, strings.ToLower(substr))
	p.mu.Unlock()
}

// RegisterStatement installs a canned result for an exact statement.
func (p *Pool) RegisterStatement(sql string, res *server.QueryResult) {
	p.mu.Lock()
	p.canned[normalize(sql)] = res
	p.mu.Unlock()
}

// NewCop builds a traffic cop bound to this pool, one per connection. The
// signature matches server.Config.NewTrafficCop.
func (p *Pool) NewCop() server.TrafficCop {
	return &cop{pool: p}
}

// cop is the per-connection front-end. Its mutex guards only the handoff
// between the loop thread and a pool worker; everything else runs on the
// connection's loop thread.
type cop struct {
	pool *Pool

	mu      sync.Mutex
	cb      func()
	queuing bool
	result  *server.QueryResult
	// generation invalidates in-flight completions across Reset.
	generation uint64
}

func (c *cop) SetTaskCallback(cb func()) {
	c.mu.Lock()
	c.cb = cb
	c.mu.Unlock()
}

func (c *cop) SetQueuing(v bool) {
	c.mu.Lock()
	c.queuing = v
	c.mu.Unlock()
}

func (c *cop) Queuing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queuing
}

func (c *cop) ExecuteStatement(sql string) (*server.QueryResult, bool) {
	if !c.pool.isDeferred(sql) {
		return c.pool.execute(sql), true
	}
	c.mu.Lock()
	gen := c.generation
	c.mu.Unlock()
	c.pool.tasks <- func() {
		res := c.pool.execute(sql)
		c.complete(gen, res)
	}
	return nil, false
}

// complete stores the result and raises the wake callback, unless a Reset
// has invalidated this request in the meantime.
func (c *cop) complete(gen uint64, res *server.QueryResult) {
	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		return
	}
	c.result = res
	cb := c.cb
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
}

func (c *cop) Result() *server.QueryResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.result
}

// Reset cancels in-flight work: a worker completing an older generation
// finds its result unwanted and its callback unraised.
func (c *cop) Reset() {
	c.mu.Lock()
	c.generation++
	c.queuing = false
	c.result = nil
	c.mu.Unlock()
}

func (p *Pool) isDeferred(sql string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	lower := strings.ToLower(sql)
	for _, substr := range p.deferred {
		if strings.Contains(lower, substr) {
			return true
		}
	}
	return false
}

func (p *Pool) execute(sql string) *server.QueryResult {
	norm := normalize(sql)
	p.mu.Lock()
	res, ok := p.canned[norm]
	p.mu.Unlock()
	if ok {
		return res
	}
	if norm == "" {
		return &server.QueryResult{}
	}
	if norm == "select 1" {
		return &server.QueryResult{
			Columns: []string{"?column?"},
			Rows:    [][]string{{"1"}},
			Tag:     "SELECT 1",
		}
	}
	// Unknown statements succeed with an echoed command tag; this executor
	// has no SQL semantics.
	tag := strings.ToUpper(strings.Fields(norm)[0])
	return &server.QueryResult{Tag: tag}
}

func normalize(sql string) string {
	return strings.ToLower(strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(sql), ";")))
}
