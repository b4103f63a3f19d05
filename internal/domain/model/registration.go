package model

import (
	"time"
)

// Role identifies which registration flow a user goes through. Only patients
// pay; everyone else finishes at the processing step.
type Role string

const (
	RolePatient       Role = "patient"
	RoleDoctor        Role = "doctor"
	RoleNutritionist  Role = "nutritionist"
	RoleAdministrator Role = "administrator"
	RoleReception     Role = "reception"
)

// KnownRole reports whether r is one of the supported roles.
func KnownRole(r Role) bool {
	switch r {
	case RolePatient, RoleDoctor, RoleNutritionist, RoleAdministrator, RoleReception:
		return true
	}
	return false
}

// Step is the persisted position in the registration flow. Terminal success
// is represented by the absence of a stored step, not by a fourth value.
type Step int

const (
	// StepDone is the target of a terminal transition; it is never stored.
	StepDone Step = 0
	// StepForm: account form submitted, role not yet chosen.
	StepForm Step = 1
	// StepPaymentOrProcessing: payment for patients, processing for others.
	StepPaymentOrProcessing Step = 2
	// StepProvisioning: patient post-payment task processing.
	StepProvisioning Step = 3
)

// RegistrationState is the durable per-user flow state. It is owned by the
// state store and survives process restarts.
type RegistrationState struct {
	Step            Step
	Role            Role // empty when not yet chosen
	PaymentComplete bool
	PaymentPending  bool
	ErrorCount      int
	LastError       string
	LastErrorTime   time.Time
	LastValidation  time.Time
}

// DefaultState is the known-good starting point users are returned to after
// a reset or circuit-breaker trip.
func DefaultState() RegistrationState {
	return RegistrationState{Step: StepForm}
}

// TaskType names a unit of server-side post-payment provisioning work.
type TaskType string

const (
	TaskAssignCareTeam          TaskType = "assign_care_team"
	TaskCreateChatRoom          TaskType = "create_chat_room"
	TaskSendWelcomeNotification TaskType = "send_welcome_notification"
)

// RequiredTaskTypes are the tasks that must all complete before a patient
// registration is considered terminal.
func RequiredTaskTypes() []TaskType {
	return []TaskType{TaskAssignCareTeam, TaskCreateChatRoom, TaskSendWelcomeNotification}
}

type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
)

// RegistrationTask mirrors one entry of the remote task ledger. The client
// never mutates these; it only observes them through status snapshots.
type RegistrationTask struct {
	ID     string     `json:"id"`
	Type   TaskType   `json:"task_type"`
	Status TaskStatus `json:"status"`
}

type RegistrationStatus string

const (
	StatusPaymentPending   RegistrationStatus = "payment_pending"
	StatusPaymentComplete  RegistrationStatus = "payment_complete"
	StatusCareTeamAssigned RegistrationStatus = "care_team_assigned"
	StatusFullyRegistered  RegistrationStatus = "fully_registered"
)

// StatusSnapshot is the remote system's view of a registration, produced
// only by the status query and cached locally with a short TTL.
type StatusSnapshot struct {
	Status RegistrationStatus `json:"registration_status"`
	Tasks  []RegistrationTask `json:"tasks"`
}

// RequiredTasksCompleted reports whether every required task type appears in
// the snapshot with status completed.
func (s *StatusSnapshot) RequiredTasksCompleted() bool {
	for _, want := range RequiredTaskTypes() {
		done := false
		for _, t := range s.Tasks {
			if t.Type == want && t.Status == TaskStatusCompleted {
				done = true
				break
			}
		}
		if !done {
			return false
		}
	}
	return true
}

// HasFailedTask reports whether any task in the snapshot has failed; callers
// use it to offer manual re-processing.
func (s *StatusSnapshot) HasFailedTask() bool {
	for _, t := range s.Tasks {
		if t.Status == TaskStatusFailed {
			return true
		}
	}
	return false
}

// Terminal reports whether the snapshot represents a finished registration.
func (s *StatusSnapshot) Terminal() bool {
	return s.Status == StatusFullyRegistered && s.RequiredTasksCompleted()
}

// Validate returns the list of invariant violations in st. It is pure so the
// correction logic can be tested against constructed states.
func Validate(st RegistrationState) []string {
	var issues []string
	if st.PaymentComplete && st.PaymentPending {
		issues = append(issues, "payment marked both complete and pending")
	}
	if st.Step > StepForm && st.Role == "" {
		issues = append(issues, "step beyond form but no role recorded")
	}
	if st.Role != "" && !KnownRole(st.Role) {
		issues = append(issues, "unknown role "+string(st.Role))
	}
	if st.Step == StepProvisioning && st.Role == RolePatient && !st.PaymentComplete {
		issues = append(issues, "patient at provisioning step without completed payment")
	}
	if st.Step < StepForm || st.Step > StepProvisioning {
		issues = append(issues, "step out of range")
	}
	if st.ErrorCount < 0 {
		issues = append(issues, "negative error count")
	}
	return issues
}

// Correct returns st with every violation repaired by downgrading toward the
// nearest valid state, never by advancing. A completed payment survives a
// flag conflict: payment capture is irreversible, while a stale pending flag
// is residue of an earlier phase.
func Correct(st RegistrationState) (RegistrationState, []string) {
	issues := Validate(st)
	if len(issues) == 0 {
		return st, nil
	}
	if st.PaymentComplete && st.PaymentPending {
		st.PaymentPending = false
	}
	if st.Role != "" && !KnownRole(st.Role) {
		st.Role = ""
	}
	if st.Step > StepForm && st.Role == "" {
		st.Step = StepForm
	}
	if st.Step == StepProvisioning && st.Role == RolePatient && !st.PaymentComplete {
		st.Step = StepPaymentOrProcessing
	}
	if st.Step < StepForm || st.Step > StepProvisioning {
		st.Step = StepForm
	}
	if st.ErrorCount < 0 {
		st.ErrorCount = 0
	}
	return st, issues
}
