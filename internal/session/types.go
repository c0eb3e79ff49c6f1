package session

import (
	"time"

	"github.com/meridian-ai/meridian/go/orchestrator/internal/conflict"
	"github.com/meridian-ai/meridian/go/orchestrator/internal/extract"
)

// State is the research lifecycle position of a session. Transitions are
// driven by the agent controller; the session store just persists them.
type State string

const (
	StateIdle          State = "idle"
	StateGathering     State = "gathering"
	StateConflictCheck State = "conflict_check"
	StateAwaitingInput State = "awaiting_clarification"
	StateSynthesizing  State = "synthesizing"
	StatePersisted     State = "persisted"
)

// Intent classifies what the user asked for.
type Intent string

const (
	IntentResearchCompany Intent = "research_company"
	IntentUpdateSection   Intent = "update_section"
	IntentClarifyResponse Intent = "clarify_response"
	IntentGeneral         Intent = "general"
)

// Message is one turn of conversation history.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Session is the full persisted state of one research conversation. It holds
// everything needed to resume after a suspension or a process restart:
// gathered evidence, open conflicts, and where the run left off.
type Session struct {
	ID               string             `json:"id"`
	UserID           string             `json:"user_id"`
	CompanyName      string             `json:"company_name,omitempty"`
	State            State              `json:"state"`
	LastIntent       Intent             `json:"last_intent,omitempty"`
	PlanID           string             `json:"plan_id,omitempty"`
	Evidence         []extract.Evidence `json:"evidence,omitempty"`
	PendingConflicts []conflict.Record  `json:"pending_conflicts,omitempty"`
	GatherRounds     int                `json:"gather_rounds"`
	QuestionsAsked   int                `json:"questions_asked"`
	History          []Message          `json:"history,omitempty"`
	LastSeq          uint64             `json:"last_seq"`
	CreatedAt        time.Time          `json:"created_at"`
	UpdatedAt        time.Time          `json:"updated_at"`
}

// OpenConflict returns the first unresolved conflict, or nil.
func (s *Session) OpenConflict() *conflict.Record {
	for i := range s.PendingConflicts {
		if s.PendingConflicts[i].Status == conflict.StatusOpen {
			return &s.PendingConflicts[i]
		}
	}
	return nil
}

// AddMessage appends a turn to the conversation history, keeping at most the
// last 50 turns.
func (s *Session) AddMessage(role, content string) {
	s.History = append(s.History, Message{Role: role, Content: content, Timestamp: time.Now()})
	if len(s.History) > 50 {
		s.History = s.History[len(s.History)-50:]
	}
}
