package assetcache

import (
	"context"
	"log"
	"regexp"
	"sync"
	"time"

	"github.com/you/chatdeck/internal/core"
)

var emoteRe = regexp.MustCompile(`\[emote:(\d+):(\w+)\]`)

type Emote struct {
	ID   string
	Name string
}

// ParseEmotes returns the distinct [emote:<id>:<name>] references in content,
// in order of first appearance.
func ParseEmotes(content string) []Emote {
	matches := emoteRe.FindAllStringSubmatch(content, -1)
	if len(matches) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(matches))
	out := make([]Emote, 0, len(matches))
	for _, m := range matches {
		if _, ok := seen[m[1]]; ok {
			continue
		}
		seen[m[1]] = struct{}{}
		out = append(out, Emote{ID: m[1], Name: m[2]})
	}
	return out
}

// Prefetcher warms the cache with emotes referenced by live messages. It is
// best-effort: a full queue drops work and failures are only logged.
type Prefetcher struct {
	cache   *Cache
	queue   chan string
	timeout time.Duration

	mu     sync.Mutex
	queued map[string]struct{}

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func NewPrefetcher(cache *Cache, workers, queueSize int) *Prefetcher {
	if workers <= 0 {
		workers = 2
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Prefetcher{
		cache:   cache,
		queue:   make(chan string, queueSize),
		timeout: 15 * time.Second,
		queued:  make(map[string]struct{}),
		cancel:  cancel,
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.run(ctx)
	}
	return p
}

// Broadcast queues the emotes referenced by msg.
func (p *Prefetcher) Broadcast(msg core.ChatMessage) {
	for _, e := range ParseEmotes(msg.Content) {
		p.enqueue(e.ID)
	}
}

func (p *Prefetcher) enqueue(id string) {
	p.mu.Lock()
	if _, ok := p.queued[id]; ok {
		p.mu.Unlock()
		return
	}
	p.queued[id] = struct{}{}
	p.mu.Unlock()

	select {
	case p.queue <- id:
	default:
		p.forget(id)
	}
}

func (p *Prefetcher) forget(id string) {
	p.mu.Lock()
	delete(p.queued, id)
	p.mu.Unlock()
}

func (p *Prefetcher) run(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-p.queue:
			fetchCtx, cancel := context.WithTimeout(ctx, p.timeout)
			if _, err := p.cache.GetOrFetch(fetchCtx, id); err != nil {
				log.Printf("assetcache: prefetch emote %s: %v", id, err)
			}
			cancel()
			// queued only tracks pending ids; the disk cache dedupes the rest
			p.forget(id)
		}
	}
}

// Close stops the workers and waits for in-flight fetches.
func (p *Prefetcher) Close() {
	p.cancel()
	p.wg.Wait()
}
