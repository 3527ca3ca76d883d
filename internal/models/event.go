package models

import (
	"errors"
	"time"

	"github.com/oochihiro/pychatcat/internal/taxonomy"
)

// BehaviorEvent is one row of the behaviors table.
type BehaviorEvent struct {
	ID             int64         `json:"id"`
	SessionID      SessionID     `json:"session_id"`
	UserID         string        `json:"user_id"`
	BehaviorCode   taxonomy.Code `json:"behavior_code"`
	ActivityName   string        `json:"activity_name"`
	Category       string        `json:"category"`
	Description    string        `json:"description"`
	Timestamp      time.Time     `json:"timestamp"`
	Duration       *float64      `json:"duration"`
	AdditionalData Data          `json:"additional_data"`
}

// CodeOperation is one row of the code_operations table.
type CodeOperation struct {
	ID             int64     `json:"id"`
	SessionID      SessionID `json:"session_id"`
	UserID         string    `json:"user_id"`
	OperationType  string    `json:"operation_type"`
	CodeLength     int       `json:"code_length"`
	LineCount      int       `json:"line_count"`
	Success        bool      `json:"success"`
	ErrorMessage   string    `json:"error_message,omitempty"`
	ExecutionTime  *float64  `json:"execution_time"`
	Timestamp      time.Time `json:"timestamp"`
	AdditionalData Data      `json:"additional_data"`
}

// AIInteraction is one row of the ai_interactions table.
type AIInteraction struct {
	ID              int64     `json:"id"`
	SessionID       SessionID `json:"session_id"`
	UserID          string    `json:"user_id"`
	InteractionType string    `json:"interaction_type"`
	QuestionLength  int       `json:"question_length"`
	ResponseLength  int       `json:"response_length"`
	ResponseTime    *float64  `json:"response_time"`
	FeedbackQuality string    `json:"feedback_quality,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
	AdditionalData  Data      `json:"additional_data"`
}

// ErrorAnalysis is one row of the errors table.
type ErrorAnalysis struct {
	ID             int64     `json:"id"`
	SessionID      SessionID `json:"session_id"`
	UserID         string    `json:"user_id"`
	ErrorType      string    `json:"error_type"`
	ErrorLine      int       `json:"error_line"`
	ErrorMessage   string    `json:"error_message"`
	FixAttempts    int       `json:"fix_attempts"`
	FixSuccess     bool      `json:"fix_success"`
	Timestamp      time.Time `json:"timestamp"`
	AdditionalData Data      `json:"additional_data"`
}

// CodeOperationInput describes a code run, debug or edit reported by an
// instrumented component. Empty strings mean "not provided".
type CodeOperationInput struct {
	OperationType string
	Code          string
	Success       bool
	ErrorMessage  string
	ExecutionTime *float64
	Data          Data
}

// Validate checks the fields required to record a code operation.
func (in *CodeOperationInput) Validate() error {
	if in.OperationType == "" {
		return errors.New("operation type is required")
	}
	if in.ExecutionTime != nil && *in.ExecutionTime < 0 {
		return errors.New("execution time cannot be negative")
	}
	return nil
}

// AIInteractionInput describes one exchange with the AI assistant.
type AIInteractionInput struct {
	InteractionType string
	Question        string
	Response        string
	ResponseTime    *float64
	FeedbackQuality string
	Data            Data
}

// Validate checks the fields required to record an AI interaction.
func (in *AIInteractionInput) Validate() error {
	if in.InteractionType == "" {
		return errors.New("interaction type is required")
	}
	if in.ResponseTime != nil && *in.ResponseTime < 0 {
		return errors.New("response time cannot be negative")
	}
	return nil
}

// ErrorAnalysisInput describes an error the learner hit and their attempts
// to fix it.
type ErrorAnalysisInput struct {
	ErrorType    string
	ErrorLine    int
	ErrorMessage string
	FixAttempts  int
	FixSuccess   bool
	Data         Data
}

// Validate checks the fields required to record an error analysis.
func (in *ErrorAnalysisInput) Validate() error {
	if in.ErrorType == "" {
		return errors.New("error type is required")
	}
	if in.FixAttempts < 0 {
		return errors.New("fix attempts cannot be negative")
	}
	return nil
}

// Float returns a pointer to v, for optional numeric fields.
func Float(v float64) *float64 {
	return &v
}
