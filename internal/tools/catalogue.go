package tools

import (
	"encoding/json"

	"carecall/internal/voice"
)

// Tool is one function the model may call during a conversation. Each maps to
// an internal endpoint at /internal/tools/<name>.
type Tool struct {
	Name        string
	Description string
	Parameters  json.RawMessage
	// EndsCall tools hang up once the model has said goodbye.
	EndsCall bool
}

const (
	CreateReminder   = "create_reminder"
	ListReminders    = "list_reminders"
	UpdateReminder   = "update_reminder"
	DeleteReminder   = "delete_reminder"
	UpdateSchedule   = "update_schedule"
	OptOut           = "opt_out"
	StoreMemory      = "store_memory"
	UpdateMemory     = "update_memory"
	ForgetMemory     = "forget_memory"
	MarkPrivate      = "mark_private"
	LogSafetyConcern = "log_safety_concern"
	UpgradePlan      = "upgrade_plan"
	CheckUsage       = "check_usage"
	OverageDecision  = "overage_decision"
)

var catalogue = []Tool{
	{
		Name:        CreateReminder,
		Description: "Create a reminder call for the person. Use their local time.",
		Parameters: schema(`{
  "type": "object",
  "properties": {
    "message": {"type": "string", "description": "What to remind them about"},
    "due_at": {"type": "string", "description": "Local date and time, ISO 8601 without offset"},
    "frequency": {"type": "string", "enum": ["once", "daily", "weekly", "monthly"]},
    "days_of_week": {"type": "array", "items": {"type": "integer", "minimum": 0, "maximum": 6}}
  },
  "required": ["message", "due_at"]
}`),
	},
	{
		Name:        ListReminders,
		Description: "List the person's upcoming reminders.",
		Parameters:  schema(`{"type": "object", "properties": {}}`),
	},
	{
		Name:        UpdateReminder,
		Description: "Change, snooze, pause or resume an existing reminder.",
		Parameters: schema(`{
  "type": "object",
  "properties": {
    "reminder_id": {"type": "string"},
    "action": {"type": "string", "enum": ["reschedule", "snooze", "pause", "resume", "skip"]},
    "due_at": {"type": "string"},
    "snooze": {"type": "string", "enum": ["15m", "30m", "1h", "2h", "tomorrow"]}
  },
  "required": ["reminder_id", "action"]
}`),
	},
	{
		Name:        DeleteReminder,
		Description: "Cancel a reminder.",
		Parameters: schema(`{
  "type": "object",
  "properties": {"reminder_id": {"type": "string"}},
  "required": ["reminder_id"]
}`),
	},
	{
		Name:        UpdateSchedule,
		Description: "Change the days or time of the person's regular check-in call.",
		Parameters: schema(`{
  "type": "object",
  "properties": {
    "days_of_week": {"type": "array", "items": {"type": "integer", "minimum": 0, "maximum": 6}},
    "time_of_day": {"type": "string", "description": "HH:MM, 24-hour local time"},
    "enabled": {"type": "boolean"}
  }
}`),
	},
	{
		Name:        OptOut,
		Description: "The person does not want any more calls. Confirm before calling this.",
		Parameters: schema(`{
  "type": "object",
  "properties": {"reason": {"type": "string"}}
}`),
		EndsCall: true,
	},
	{
		Name:        StoreMemory,
		Description: "Remember something the person shared for future conversations.",
		Parameters: schema(`{
  "type": "object",
  "properties": {
    "content": {"type": "string"},
    "category": {"type": "string", "enum": ["family", "health", "interests", "routine", "other"]}
  },
  "required": ["content"]
}`),
	},
	{
		Name:        UpdateMemory,
		Description: "Correct something previously remembered.",
		Parameters: schema(`{
  "type": "object",
  "properties": {
    "memory_id": {"type": "string"},
    "content": {"type": "string"}
  },
  "required": ["memory_id", "content"]
}`),
	},
	{
		Name:        ForgetMemory,
		Description: "Forget something the person asked not to be remembered.",
		Parameters: schema(`{
  "type": "object",
  "properties": {
    "memory_id": {"type": "string"},
    "topic": {"type": "string"}
  }
}`),
	},
	{
		Name:        MarkPrivate,
		Description: "Keep a remembered detail out of family summaries.",
		Parameters: schema(`{
  "type": "object",
  "properties": {"memory_id": {"type": "string"}},
  "required": ["memory_id"]
}`),
	},
	{
		Name:        LogSafetyConcern,
		Description: "Record a possible safety or wellbeing concern for the care team.",
		Parameters: schema(`{
  "type": "object",
  "properties": {
    "severity": {"type": "string", "enum": ["low", "medium", "high"]},
    "description": {"type": "string"}
  },
  "required": ["severity", "description"]
}`),
	},
	{
		Name:        UpgradePlan,
		Description: "Start a plan upgrade when the person asks for more minutes.",
		Parameters: schema(`{
  "type": "object",
  "properties": {"plan": {"type": "string"}}
}`),
	},
	{
		Name:        CheckUsage,
		Description: "Look up how many minutes remain this cycle.",
		Parameters:  schema(`{"type": "object", "properties": {}}`),
	},
	{
		Name:        OverageDecision,
		Description: "Record whether the account holder agrees to pay for minutes beyond the plan.",
		Parameters: schema(`{
  "type": "object",
  "properties": {"allow_overage": {"type": "boolean"}},
  "required": ["allow_overage"]
}`),
	},
}

func schema(s string) json.RawMessage {
	if !json.Valid([]byte(s)) {
		panic("tools: invalid schema: " + s)
	}
	return json.RawMessage(s)
}

func Catalogue() []Tool {
	out := make([]Tool, len(catalogue))
	copy(out, catalogue)
	return out
}

func Lookup(name string) (Tool, bool) {
	for _, t := range catalogue {
		if t.Name == name {
			return t, true
		}
	}
	return Tool{}, false
}

// Specs is the catalogue in the form sent to the provider.
func Specs() []voice.ToolSpec {
	out := make([]voice.ToolSpec, 0, len(catalogue))
	for _, t := range catalogue {
		out = append(out, voice.ToolSpec{Name: t.Name, Description: t.Description, Parameters: t.Parameters})
	}
	return out
}
