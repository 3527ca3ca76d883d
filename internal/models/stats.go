package models

import (
	"time"

	"github.com/oochihiro/pychatcat/internal/taxonomy"
)

// SessionStats aggregates everything recorded for one session.
type SessionStats struct {
	Session        *Session              `json:"session_info"`
	BehaviorCounts map[taxonomy.Code]int `json:"behavior_stats"`
	Code           CodeStats             `json:"code_stats"`
	AI             AIStats               `json:"ai_stats"`
	Errors         ErrorStats            `json:"error_stats"`
}

// CodeStats summarizes the code_operations rows of a session.
type CodeStats struct {
	TotalOperations      int      `json:"total_operations"`
	SuccessfulOperations int      `json:"successful_operations"`
	AvgExecutionTime     *float64 `json:"avg_execution_time"`
}

// SuccessRate returns the fraction of successful operations, or 0.
func (c CodeStats) SuccessRate() float64 {
	if c.TotalOperations == 0 {
		return 0
	}
	return float64(c.SuccessfulOperations) / float64(c.TotalOperations)
}

// AIStats summarizes the ai_interactions rows of a session.
type AIStats struct {
	TotalInteractions int      `json:"total_interactions"`
	AvgResponseTime   *float64 `json:"avg_response_time"`
	AvgQuestionLength *float64 `json:"avg_question_length"`
}

// ErrorStats summarizes the errors rows of a session.
type ErrorStats struct {
	TotalErrors int `json:"total_errors"`
	FixedErrors int `json:"fixed_errors"`
}

// TotalBehaviors returns the number of behavior rows counted in the stats.
func (s *SessionStats) TotalBehaviors() int {
	total := 0
	for _, n := range s.BehaviorCounts {
		total += n
	}
	return total
}

// Export is the document produced by a data export. SessionID is nil when
// every session was exported.
type Export struct {
	ExportTime time.Time    `json:"export_time"`
	SessionID  *SessionID   `json:"session_id"`
	Data       ExportTables `json:"data"`
}

// ExportTables holds the exported rows of each table.
type ExportTables struct {
	Sessions       []Session       `json:"sessions"`
	Behaviors      []BehaviorEvent `json:"behaviors"`
	CodeOperations []CodeOperation `json:"code_operations"`
	AIInteractions []AIInteraction `json:"ai_interactions"`
	Errors         []ErrorAnalysis `json:"errors"`
}

// RowCount returns the number of rows across every exported table.
func (t ExportTables) RowCount() int {
	return len(t.Sessions) + len(t.Behaviors) + len(t.CodeOperations) + len(t.AIInteractions) + len(t.Errors)
}
