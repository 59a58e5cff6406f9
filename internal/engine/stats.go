package engine

import "sync/atomic"

type engineStats struct {
	eventsProcessed atomic.Int64
	factChanges     atomic.Int64
	timersFired     atomic.Int64
	temporalMatches atomic.Int64
	rulesTriggered  atomic.Int64
	rulesExecuted   atomic.Int64
	rulesSkipped    atomic.Int64
	actionsFailed   atomic.Int64
}

// Stats is a point-in-time snapshot of engine counters.
type Stats struct {
	Name            string `json:"name"`
	EventsProcessed int64  `json:"eventsProcessed"`
	FactChanges     int64  `json:"factChanges"`
	TimersFired     int64  `json:"timersFired"`
	TemporalMatches int64  `json:"temporalMatches"`
	RulesTriggered  int64  `json:"rulesTriggered"`
	RulesExecuted   int64  `json:"rulesExecuted"`
	RulesSkipped    int64  `json:"rulesSkipped"`
	ActionsFailed   int64  `json:"actionsFailed"`
	RuleCount       int    `json:"ruleCount"`
	FactCount       int    `json:"factCount"`
	EventCount      int    `json:"eventCount"`
	TimerCount      int    `json:"timerCount"`
	QueueDepth      int    `json:"queueDepth"`
}

// GetStats snapshots the engine's counters and store sizes.
func (e *Engine) GetStats() Stats {
	return Stats{
		Name:            e.name,
		EventsProcessed: e.stats.eventsProcessed.Load(),
		FactChanges:     e.stats.factChanges.Load(),
		TimersFired:     e.stats.timersFired.Load(),
		TemporalMatches: e.stats.temporalMatches.Load(),
		RulesTriggered:  e.stats.rulesTriggered.Load(),
		RulesExecuted:   e.stats.rulesExecuted.Load(),
		RulesSkipped:    e.stats.rulesSkipped.Load(),
		ActionsFailed:   e.stats.actionsFailed.Load(),
		RuleCount:       e.rules.Size(),
		FactCount:       e.facts.Len(),
		EventCount:      e.events.Len(),
		TimerCount:      e.timers.Size(),
		QueueDepth:      e.queue.Len(),
	}
}
