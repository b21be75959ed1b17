package domain

// Role identifies the authority level of a caller.
type Role string

const (
	RoleVillageAdmin  Role = "village-admin"
	RoleDistrictAdmin Role = "district-admin"
)

// Identity is the authenticated caller. Village is meaningful only for
// village admins; district admins act across all villages.
type Identity struct {
	Subject string `json:"subject"`
	Role    Role   `json:"role" enum:"village-admin,district-admin"`
	Village string `json:"village,omitempty"`
}

// Kind partitions budget lines into income and expense.
type Kind string

const (
	KindIncome  Kind = "income"
	KindExpense Kind = "expense"
)

// Status is the budget-line workflow state.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusSubmitted Status = "submitted"
	StatusApproved  Status = "approved"
	StatusRejected  Status = "rejected"
)

// BudgetLine is one planned income or expense item for one village and one
// fiscal year. AccountCode and Description are always derived from Category,
// never taken from caller input.
type BudgetLine struct {
	ID              string `json:"id"`
	Village         string `json:"village"`
	FiscalYear      int    `json:"fiscal_year"`
	Kind            Kind   `json:"kind" enum:"income,expense"`
	Category        string `json:"category"`
	AccountCode     string `json:"account_code"`
	Description     string `json:"description"`
	Amount          int64  `json:"amount"`
	Status          Status `json:"status" enum:"draft,submitted,approved,rejected"`
	RejectionReason string `json:"rejection_reason,omitempty"`
	CreatedAt       string `json:"created_at" format:"date-time"`
	UpdatedAt       string `json:"updated_at" format:"date-time"`
}

// Realization is a dated actual income/expense entry attributed to one
// budget line. It never outlives its parent.
type Realization struct {
	ID        string `json:"id"`
	LineID    string `json:"line_id"`
	Amount    int64  `json:"amount"`
	Date      string `json:"date"`
	Note      string `json:"note,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Event is one append-only record of a workflow mutation.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	Village    string `json:"village,omitempty"`
	FiscalYear int    `json:"fiscal_year,omitempty"`
	LineID     string `json:"line_id,omitempty"`
	Actor      string `json:"actor"`
	Payload    string `json:"payload_json"`
}

// Event types emitted by the workflow engine.
const (
	EventLineCreated   = "line.created"
	EventLineUpdated   = "line.updated"
	EventLineSubmitted = "line.submitted"
	EventLineApproved  = "line.approved"
	EventLineRejected  = "line.rejected"
	EventLineDeleted   = "line.deleted"
)

// Notification is one inbox message addressed to a role or to the admins of
// a single village.
type Notification struct {
	ID        string `json:"id"`
	Role      Role   `json:"role,omitempty"`
	Village   string `json:"village,omitempty"`
	Message   string `json:"message"`
	Link      string `json:"link,omitempty"`
	DataJSON  string `json:"data_json,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
