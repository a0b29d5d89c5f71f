package manager

import "sync"

type subscriber[F any] struct {
	id   int
	fn   F
	once bool
}

// listeners is an ordered subscriber list; one-shot subscribers are removed
// by the emission that delivers to them.
type listeners[F any] struct {
	mu   sync.Mutex
	next int
	subs []subscriber[F]
}

func (l *listeners[F]) add(fn F, once bool) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.next++
	id := l.next
	l.subs = append(l.subs, subscriber[F]{id: id, fn: fn, once: once})
	return func() { l.remove(id) }
}

func (l *listeners[F]) remove(id int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, s := range l.subs {
		if s.id == id {
			l.subs = append(l.subs[:i:i], l.subs[i+1:]...)
			return
		}
	}
}

// take returns the functions to call for one emission
func (l *listeners[F]) take() []F {
	l.mu.Lock()
	defer l.mu.Unlock()
	fns := make([]F, 0, len(l.subs))
	keep := l.subs[:0:0]
	for _, s := range l.subs {
		fns = append(fns, s.fn)
		if !s.once {
			keep = append(keep, s)
		}
	}
	l.subs = keep
	return fns
}

// Events fans manager notifications out to subscribers.
// Every On* method returns a func that unsubscribes; it is safe to call more than once.
type Events struct {
	ready    listeners[func(error)]
	progress listeners[func(string, int)]
	finished listeners[func(string, error)]
}

// NewEvents creates an empty event hub
func NewEvents() *Events {
	return &Events{}
}

// OnManifestReady is called after every manifest fetch; err is nil on success
func (e *Events) OnManifestReady(fn func(err error)) func() {
	return e.ready.add(fn, false)
}

// OnceManifestReady is called once, after the next manifest fetch
func (e *Events) OnceManifestReady(fn func(err error)) func() {
	return e.ready.add(fn, true)
}

// OnDownloadProgress receives the aggregate percentage of a paired download
func (e *Events) OnDownloadProgress(fn func(version string, percent int)) func() {
	return e.progress.add(fn, false)
}

// OnDownloadFinished is called once per paired download; err is nil when both files were saved
func (e *Events) OnDownloadFinished(fn func(version string, err error)) func() {
	return e.finished.add(fn, false)
}

// OnceDownloadFinished is called for the next finished download of version only
func (e *Events) OnceDownloadFinished(version string, fn func(version string, err error)) func() {
	var (
		mu     sync.Mutex
		fired  bool
		cancel func()
	)
	mu.Lock()
	defer mu.Unlock()
	cancel = e.OnDownloadFinished(func(v string, err error) {
		if v != version {
			return
		}
		mu.Lock()
		if fired {
			mu.Unlock()
			return
		}
		fired = true
		mu.Unlock()
		cancel()
		fn(v, err)
	})
	return cancel
}

func (e *Events) emitManifestReady(err error) {
	for _, fn := range e.ready.take() {
		fn(err)
	}
}

func (e *Events) emitDownloadProgress(version string, percent int) {
	for _, fn := range e.progress.take() {
		fn(version, percent)
	}
}

func (e *Events) emitDownloadFinished(version string, err error) {
	for _, fn := range e.finished.take() {
		fn(version, err)
	}
}
