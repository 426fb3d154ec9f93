package cluster

import "time"

// AckMode selects which of the two ack-driving mechanisms an acked task
// uses. Both are fully wired; a call site picks one.
type AckMode int

const (
	// AckModeCoordinator drives completion off an AckCountdown fed by
	// per-node OnNodeAck callbacks arriving through gossip.
	AckModeCoordinator AckMode = iota
	// AckModeAwaitMetaDataVersion has the executor cooperatively block on
	// discovery.AwaitMetaDataVersion instead of counting individual acks.
	AckModeAwaitMetaDataVersion
)

// UpdateTask is a one-shot unit of work submitted to the Update Executor. An
// implementation's Execute must be a pure function of prev: it must not
// retain or mutate prev, and it must return prev itself (identity) when it
// has nothing to change.
type UpdateTask interface {
	// Source identifies the task for logging and pending-task introspection.
	Source() string
	// Priority determines queue position relative to other pending tasks.
	Priority() Priority
	// Execute computes the candidate next state from prev. Returning prev
	// unchanged (by identity) takes the no-change fast path.
	Execute(prev ClusterState) (ClusterState, error)
	// OnFailure is called when Execute returns an error, or when the task
	// times out before it could run.
	OnFailure(source string, err error)

	// Acked reports whether the caller wants an ack-completion callback.
	Acked() bool
	// Processed reports whether the caller wants a ClusterStateProcessed
	// callback once the state has been fully applied.
	Processed() bool
	// MustApplyMetaData reports whether this task's metadata change (if
	// any) requires cluster-wide acknowledgement before completing.
	MustApplyMetaData() bool
	// DoPersistMetaData gates whether a metadata change is persisted
	// through the ring store at all; combines cumulatively with blocks
	// that disable persistence.
	DoPersistMetaData() bool
	// AckTimeout bounds how long the ack mechanism waits before declaring
	// timeout. Zero or less uses the executor's configured ack timeout.
	AckTimeout() time.Duration
	// Timeout bounds how long the task may wait in the queue before being
	// failed with a timeout error. Zero means no timeout.
	Timeout() time.Duration
	// AckMode selects which ack-driving mechanism applies when Acked is
	// true and MustApplyMetaData is true.
	AckMode() AckMode
	// MustAck reports whether the given node's ack is required for this
	// task's ack countdown. Ignored when AckMode is AckModeAwaitMetaDataVersion.
	MustAck(node DiscoveryNode) bool

	// OnAllNodesAcked is the terminal ack callback: err is nil on success,
	// non-nil if the coordinator observed an ack-carried failure or was
	// interrupted while waiting.
	OnAllNodesAcked(err error)
	// OnAckTimeout is the terminal ack callback fired if the deadline
	// elapses before all required acks arrive.
	OnAckTimeout()
	// ClusterStateProcessed is delivered once, after the new state has
	// been fully applied (post-applied band notified), when Processed is
	// true.
	ClusterStateProcessed(source string, prev, next ClusterState)
}

// BaseTask implements the optional parts of UpdateTask with the source's
// defaults (not acked, not processed, no persistence gate override, no
// timeouts) so most concrete tasks only need to embed it and override
// Source/Priority/Execute.
type BaseTask struct{}

func (BaseTask) OnFailure(string, error)                            {}
func (BaseTask) Acked() bool                                        { return false }
func (BaseTask) Processed() bool                                    { return false }
func (BaseTask) MustApplyMetaData() bool                            { return true }
func (BaseTask) DoPersistMetaData() bool                            { return true }
func (BaseTask) AckTimeout() time.Duration                          { return 0 }
func (BaseTask) Timeout() time.Duration                             { return 0 }
func (BaseTask) AckMode() AckMode                                   { return AckModeCoordinator }
func (BaseTask) MustAck(DiscoveryNode) bool                         { return true }
func (BaseTask) OnAllNodesAcked(error)                              {}
func (BaseTask) OnAckTimeout()                                      {}
func (BaseTask) ClusterStateProcessed(string, ClusterState, ClusterState) {}

// internalFunc is the "Internal" arm of the sum type backing queue entries -
// a plain function scheduled with a priority and a source label, used for
// the CAS-replay resubmission and other executor-internal work that isn't a
// full UpdateTask.
type internalFunc struct {
	source   string
	priority Priority
	fn       func(prev ClusterState) (ClusterState, error)
}

// queueEntry is the sum type described in the design notes: either a caller
// UpdateTask or an executor-internal function, always carrying its own
// source/priority for pending-task introspection.
type queueEntry struct {
	seq          int64
	submittedAt  time.Time
	task         UpdateTask   // set when this is a UserTask entry
	internalFn   *internalFunc // set when this is an Internal entry
	timeoutTimer *time.Timer
	timedOut     bool
}

func (e *queueEntry) source() string {
	if e.task != nil {
		return e.task.Source()
	}
	return e.internalFn.source
}

func (e *queueEntry) priority() Priority {
	if e.task != nil {
		return e.task.Priority()
	}
	return e.internalFn.priority
}
