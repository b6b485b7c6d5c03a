package storage

// AggrStat is the lifecycle state of an aggregator. Transitions:
// Uninit → Recovering → Inited; a failed recovery resets to Uninit.
type AggrStat int32

const (
	StatUninit AggrStat = iota
	StatRecovering
	StatInited
)

func (s AggrStat) String() string {
	switch s {
	case StatUninit:
		return "uninit"
	case StatRecovering:
		return "recovering"
	case StatInited:
		return "inited"
	}
	return "unknown"
}
