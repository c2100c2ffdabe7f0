package agent

import "time"

// Timer names owned by the orchestrator. The capture controller owns
// capture.TimerSilence and capture.TimerHardCap.
const (
	timerRelisten = "relisten"
	timerGreeting = "greeting"
	timerWatchdog = "watchdog"
)

type timerEntry struct {
	t   *time.Timer
	gen uint64
}

// timers is a set of named one-shot timers. Scheduling a name replaces its
// previous timer. Only the loop goroutine touches it; firings are posted
// back and checked against the generation they were armed with.
type timers struct {
	gen     uint64
	entries map[string]timerEntry
}

func newTimers() *timers {
	return &timers{entries: make(map[string]timerEntry)}
}

// arm schedules fire after d and returns the generation to check against.
func (ts *timers) arm(name string, d time.Duration, fire func(gen uint64)) {
	ts.stop(name)
	ts.gen++
	gen := ts.gen
	ts.entries[name] = timerEntry{gen: gen, t: time.AfterFunc(d, func() { fire(gen) })}
}

// claim reports whether gen is still the live timer for name and, if so,
// forgets it.
func (ts *timers) claim(name string, gen uint64) bool {
	e, ok := ts.entries[name]
	if !ok || e.gen != gen {
		return false
	}
	delete(ts.entries, name)
	return true
}

func (ts *timers) stop(name string) {
	if e, ok := ts.entries[name]; ok {
		e.t.Stop()
		delete(ts.entries, name)
	}
}

func (ts *timers) pending(name string) bool {
	_, ok := ts.entries[name]
	return ok
}

func (ts *timers) stopAll() {
	for name, e := range ts.entries {
		e.t.Stop()
		delete(ts.entries, name)
	}
}
