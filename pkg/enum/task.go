package enum

// TaskState defines the persisted state of a pipeline task
type TaskState string

const (
	TaskStateInitialized TaskState = "Initialized"
	TaskStateSubmitted   TaskState = "Submitted"
	TaskStateProcessing  TaskState = "Processing"
	TaskStateCompleted   TaskState = "Completed"
	TaskStateError       TaskState = "Error"
)

// Terminal returns true for states a task can not leave without an explicit restart
func (s TaskState) Terminal() bool {
	return s == TaskStateCompleted || s == TaskStateError
}

// Outcome defines how a task execution ended
type Outcome string

const (
	OutcomeNone      Outcome = ""
	OutcomeCompleted Outcome = "completed"
	OutcomeErrored   Outcome = "errored"
	OutcomeKilled    Outcome = "killed"
	OutcomeDeleted   Outcome = "deleted"
)

// RunMode defines how a task request should be run
type RunMode string

const (
	RunModeStandard             RunMode = "standard"
	RunModeRestartFromBeginning RunMode = "restart-from-beginning"
	RunModeResumeCurrentStep    RunMode = "resume-current-step"
	RunModeResubmit             RunMode = "resubmit"
)

// Restart returns true for run modes that explicitly allow re-running an errored task
func (m RunMode) Restart() bool {
	return m == RunModeRestartFromBeginning || m == RunModeResumeCurrentStep || m == RunModeResubmit
}
