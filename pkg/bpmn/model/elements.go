package model

type ElementKind string

const (
	KindStartEvent             ElementKind = "START_EVENT"
	KindEndEvent               ElementKind = "END_EVENT"
	KindTerminateEndEvent      ElementKind = "TERMINATE_END_EVENT"
	KindUserTask               ElementKind = "USER_TASK"
	KindManualTask             ElementKind = "MANUAL_TASK"
	KindServiceTask            ElementKind = "SERVICE_TASK"
	KindParallelGateway        ElementKind = "PARALLEL_GATEWAY"
	KindIntermediateCatchEvent ElementKind = "INTERMEDIATE_CATCH_EVENT"
	KindBoundaryEvent          ElementKind = "BOUNDARY_EVENT"
	KindCallActivity           ElementKind = "CALL_ACTIVITY"

	// runtime only kinds, never declared in a definition
	KindEventSubProcess ElementKind = "EVENT_SUB_PROCESS"
	KindMultiInstance   ElementKind = "MULTI_INSTANCE_ACTIVITY"
	KindLoop            ElementKind = "LOOP_ACTIVITY"
)

// Kinds lists every element kind the engine knows how to run.
var Kinds = []ElementKind{
	KindStartEvent,
	KindEndEvent,
	KindTerminateEndEvent,
	KindUserTask,
	KindManualTask,
	KindServiceTask,
	KindParallelGateway,
	KindIntermediateCatchEvent,
	KindBoundaryEvent,
	KindCallActivity,
	KindEventSubProcess,
	KindMultiInstance,
	KindLoop,
}

// IsHumanTask reports whether the kind is executed by a user.
func (k ElementKind) IsHumanTask() bool {
	return k == KindUserTask || k == KindManualTask
}

// IsActivity reports whether boundary events, loops and multi instance markers may be put on the kind.
func (k ElementKind) IsActivity() bool {
	switch k {
	case KindUserTask, KindManualTask, KindServiceTask, KindCallActivity:
		return true
	}
	return false
}

func (k ElementKind) declarable() bool {
	switch k {
	case KindEventSubProcess, KindMultiInstance, KindLoop:
		return false
	}
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}
