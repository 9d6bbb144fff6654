package domain

// RequestState is the lifecycle state of a staged request.
type RequestState string

const (
	RequestNew        RequestState = "new"
	RequestReview     RequestState = "review"
	RequestAccepted   RequestState = "accepted"
	RequestDeclined   RequestState = "declined"
	RequestRevoked    RequestState = "revoked"
	RequestSuperseded RequestState = "superseded"
)

// Terminal reports whether no further transition is allowed.
func (s RequestState) Terminal() bool {
	switch s {
	case RequestAccepted, RequestDeclined, RequestRevoked, RequestSuperseded:
		return true
	}
	return false
}

type ReviewState string

const (
	ReviewNew      ReviewState = "new"
	ReviewAccepted ReviewState = "accepted"
	ReviewDeclined ReviewState = "declined"
)

// ReviewScope tags who a review is assigned to. The set is open: callers
// must not assume these are the only values.
type ReviewScope string

const (
	ScopeUser    ReviewScope = "user"
	ScopeGroup   ReviewScope = "group"
	ScopeProject ReviewScope = "project"
	ScopePackage ReviewScope = "package"
)

// ReviewSubject identifies the reviewer. For ScopePackage the ID is
// "<project>/<package>".
type ReviewSubject struct {
	Scope ReviewScope `json:"scope"`
	ID    string      `json:"id"`
}

// ByProject reports whether the subject is the by-project review of project.
func (s ReviewSubject) ByProject(project string) bool {
	return s.Scope == ScopeProject && s.ID == project
}

// AggregateState is the derived readiness of a staging project.
type AggregateState string

const (
	StateEmpty        AggregateState = "empty"
	StateReview       AggregateState = "review"
	StateAcceptable   AggregateState = "acceptable"
	StateUnacceptable AggregateState = "unacceptable"
)

type ActionType string

const (
	ActionSubmit ActionType = "submit"
	ActionDelete ActionType = "delete"
)

type StagingWorkflow struct {
	ID            string `json:"id"`
	Project       string `json:"project"`
	ManagersGroup string `json:"managers_group,omitempty"`
	CreatedAt     string `json:"created_at" format:"date-time"`
}

// StagingProject is identified by its project name. Requests holds the IDs
// of the requests attached when the project was loaded.
type StagingProject struct {
	ID         string   `json:"id"`
	WorkflowID string   `json:"workflow_id"`
	Requests   []string `json:"requests"`
	CreatedAt  string   `json:"created_at" format:"date-time"`
}

type StagedRequest struct {
	ID             string       `json:"id"`
	State          RequestState `json:"state" enum:"new,review,accepted,declined,revoked,superseded"`
	Creator        string       `json:"creator"`
	Description    string       `json:"description,omitempty"`
	StagingProject *string      `json:"staging_project,omitempty"`
	StagingOwner   *string      `json:"staging_owner,omitempty"`
	Actions        []Action     `json:"actions"`
	Reviews        []Review     `json:"reviews"`
	CreatedAt      string       `json:"created_at" format:"date-time"`
	UpdatedAt      string       `json:"updated_at" format:"date-time"`
	AcceptedAt     *string      `json:"accepted_at,omitempty" format:"date-time"`
}

// StagedIn returns the owning staging project or "".
func (r StagedRequest) StagedIn() string {
	if r.StagingProject == nil {
		return ""
	}
	return *r.StagingProject
}

type Review struct {
	ID        string        `json:"id"`
	RequestID string        `json:"request_id"`
	Subject   ReviewSubject `json:"subject"`
	State     ReviewState   `json:"state" enum:"new,accepted,declined"`
	Reason    string        `json:"reason,omitempty"`
	UpdatedAt string        `json:"updated_at" format:"date-time"`
}

type Action struct {
	ID            int64      `json:"id"`
	RequestID     string     `json:"request_id"`
	Type          ActionType `json:"type" enum:"submit,delete"`
	SourceProject string     `json:"source_project,omitempty"`
	SourcePackage string     `json:"source_package,omitempty"`
	TargetProject string     `json:"target_project"`
	TargetPackage string     `json:"target_package,omitempty"`
}

type Package struct {
	Project         string  `json:"project"`
	Name            string  `json:"name"`
	OriginRequestID *string `json:"origin_request_id,omitempty"`
	CreatedAt       string  `json:"created_at" format:"date-time"`
}

type User struct {
	Login     string `json:"login"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// APIKey authenticates Login against the HTTP API. Only the hash of the
// secret is stored.
type APIKey struct {
	ID        string `json:"id"`
	Login     string `json:"login"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"-"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Relationship struct {
	ID        int64   `json:"id"`
	Project   string  `json:"project"`
	UserLogin *string `json:"user_login,omitempty"`
	GroupID   *string `json:"group_id,omitempty"`
	Role      string  `json:"role"`
}

type Attrib struct {
	ID        int64         `json:"id"`
	Project   string        `json:"project"`
	Package   string        `json:"package,omitempty"`
	Namespace string        `json:"namespace"`
	Name      string        `json:"name"`
	Values    []AttribValue `json:"values"`
}

// AttribValue positions are 1-based and contiguous within an attribute.
type AttribValue struct {
	ID       int64  `json:"id"`
	AttribID int64  `json:"attrib_id"`
	Value    string `json:"value"`
	Position int    `json:"position"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
