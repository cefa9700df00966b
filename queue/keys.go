package queue

import "fmt"

// keys builds the Redis key family for one queue.
// Layout: cafeworks:q:{queue}:{structure}
type keys struct {
	prefix string
}

func newKeys(queue string) keys {
	return keys{prefix: fmt.Sprintf("cafeworks:q:%s:", queue)}
}

func (k keys) wait() string      { return k.prefix + "wait" }      // ZSET score = priority·2^40 block + seq
func (k keys) delayed() string   { return k.prefix + "delayed" }   // ZSET score = visibleAt ms
func (k keys) active() string    { return k.prefix + "active" }    // ZSET score = startedAt ms
func (k keys) completed() string { return k.prefix + "completed" } // ZSET score = finishedAt ms
func (k keys) failed() string    { return k.prefix + "failed" }    // ZSET score = finishedAt ms
func (k keys) cancelled() string { return k.prefix + "cancelled" } // ZSET score = finishedAt ms
func (k keys) paused() string    { return k.prefix + "paused" }    // flag key
func (k keys) dedup() string     { return k.prefix + "dedup" }     // SET of live dedup keys
func (k keys) seq() string       { return k.prefix + "seq" }       // INCR counter for FIFO ties
func (k keys) repeat() string    { return k.prefix + "repeat" }    // HASH fixedId → spec JSON
func (k keys) repeatLast() string {
	return k.prefix + "repeat:last" // HASH fixedId → last enqueue ms
}
func (k keys) job(id string) string { return k.prefix + "job:" + id }

// waitScore folds priority and arrival order into one sortable score.
// Priorities are small integers; seq is a monotonic counter. 2^40 per
// priority step keeps ~34 years of millisecond-rate enqueues collision-free.
func waitScore(priority int, seq int64) float64 {
	return float64(priority)*(1<<40) + float64(seq)
}
