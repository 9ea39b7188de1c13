package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type SubscriptionType string

const (
	SubscriptionTokens        SubscriptionType = "tokens"
	SubscriptionUnlimited1Day SubscriptionType = "unlimited_1day"
)

// IsUnlimited reports whether the plan is gated by quotas instead of a token pool.
func (t SubscriptionType) IsUnlimited() bool {
	return t == SubscriptionUnlimited1Day
}

type CostUnit string

const (
	UnitRequest   CostUnit = "request"
	UnitToken     CostUnit = "token"
	UnitMinute    CostUnit = "minute"
	UnitCharacter CostUnit = "character"
	UnitSecond    CostUnit = "second"
)

type RequestStatus string

const (
	RequestPending   RequestStatus = "pending"
	RequestCompleted RequestStatus = "completed"
	RequestFailed    RequestStatus = "failed"
)

type JobStatus string

const (
	JobPending        JobStatus = "pending"
	JobProcessing     JobStatus = "processing"
	JobTimeoutWaiting JobStatus = "timeout_waiting"
	JobCompleted      JobStatus = "completed"
	JobFailed         JobStatus = "failed"
)

// IsTerminal reports whether no further transitions are allowed.
func (s JobStatus) IsTerminal() bool {
	return s == JobCompleted || s == JobFailed
}

type User struct {
	ID         int64
	TelegramID int64
	Username   string
	FirstName  string
	LastName   string
	IsBanned   bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type Subscription struct {
	ID           int64            `json:"id"`
	UserID       int64            `json:"user_id"`
	Type         SubscriptionType `json:"type"`
	TokensAmount int64            `json:"tokens_amount"`
	TokensUsed   int64            `json:"tokens_used"`
	Price        decimal.Decimal  `json:"price"`
	IsActive     bool             `json:"is_active"`
	Source       string           `json:"source"`
	StartedAt    time.Time        `json:"started_at"`
	ExpiresAt    *time.Time       `json:"expires_at,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
}

// TokensRemaining never goes below zero.
func (s Subscription) TokensRemaining() int64 {
	if s.TokensUsed >= s.TokensAmount {
		return 0
	}
	return s.TokensAmount - s.TokensUsed
}

// Usable reports whether the subscription may be drawn from at now.
func (s Subscription) Usable(now time.Time) bool {
	return s.IsActive && (s.ExpiresAt == nil || s.ExpiresAt.After(now))
}

type ModelCost struct {
	ModelID               string             `json:"model_id" yaml:"model_id"`
	Provider              string             `json:"provider" yaml:"provider"`
	CategoryCode          string             `json:"category_code" yaml:"category_code"`
	CostUSDPerUnit        decimal.Decimal    `json:"cost_usd_per_unit" yaml:"cost_usd_per_unit"`
	CostUnit              CostUnit           `json:"cost_unit" yaml:"cost_unit"`
	TokensPerUnit         float64            `json:"tokens_per_unit" yaml:"tokens_per_unit"`
	BaseTokens            int64              `json:"base_tokens" yaml:"base_tokens"`
	UnitMultipliers       map[string]float64 `json:"unit_multipliers,omitempty" yaml:"unit_multipliers"`
	UnlimitedDailyLimit   *int64             `json:"unlimited_daily_limit,omitempty" yaml:"unlimited_daily_limit"`
	UnlimitedBudgetTokens *int64             `json:"unlimited_budget_tokens,omitempty" yaml:"unlimited_budget_tokens"`
	IsActive              bool               `json:"is_active" yaml:"is_active"`
	UpdatedAt             time.Time          `json:"updated_at" yaml:"-"`
}

type AIRequest struct {
	ID                      int64         `json:"id"`
	UserID                  int64         `json:"user_id"`
	SubscriptionID          *int64        `json:"subscription_id,omitempty"`
	AIModel                 string        `json:"ai_model"`
	TokensCost              int64         `json:"tokens_cost"`
	Status                  RequestStatus `json:"status"`
	OperationCategory       string        `json:"operation_category"`
	IsUnlimitedSubscription bool          `json:"is_unlimited_subscription"`
	RefundedAt              *time.Time    `json:"refunded_at,omitempty"`
	CreatedAt               time.Time     `json:"created_at"`
}

// Debit is one slice of a charge taken from a single subscription.
type Debit struct {
	AIRequestID    int64
	Seq            int
	SubscriptionID int64
	Amount         int64
}

type VideoGenerationJob struct {
	ID                  int64          `json:"id"`
	UserID              int64          `json:"user_id"`
	AIRequestID         *int64         `json:"ai_request_id,omitempty"`
	Provider            string         `json:"provider"`
	ModelID             string         `json:"model_id"`
	TaskID              string         `json:"task_id,omitempty"`
	Status              JobStatus      `json:"status"`
	Prompt              string         `json:"prompt"`
	InputData           map[string]any `json:"input_data,omitempty"`
	VideoPath           string         `json:"video_path,omitempty"`
	ErrorMessage        string         `json:"error_message,omitempty"`
	ChatID              int64          `json:"chat_id"`
	ProgressMessageID   *int           `json:"progress_message_id,omitempty"`
	TokensCost          int64          `json:"tokens_cost"`
	AttemptCount        int            `json:"attempt_count"`
	MaxAttempts         int            `json:"max_attempts"`
	StartedProcessingAt *time.Time     `json:"started_processing_at,omitempty"`
	CompletedAt         *time.Time     `json:"completed_at,omitempty"`
	ExpiresAt           time.Time      `json:"expires_at"`
	CreatedAt           time.Time      `json:"created_at"`
	UpdatedAt           time.Time      `json:"updated_at"`
}

type PromoCode struct {
	ID        int64     `json:"id"`
	Code      string    `json:"code"`
	PlanID    int64     `json:"plan_id"`
	MaxUses   int       `json:"max_uses"`
	Uses      int       `json:"uses"`
	CreatedAt time.Time `json:"created_at"`
}

// Plan is a template used to grant subscriptions.
type Plan struct {
	ID           int64            `json:"id"`
	Title        string           `json:"title"`
	Description  string           `json:"description"`
	Type         SubscriptionType `json:"type"`
	Tokens       int64            `json:"tokens"`
	DurationDays int              `json:"duration_days"`
	Price        decimal.Decimal  `json:"price"`
	Currency     string           `json:"currency"`
	IsActive     bool             `json:"is_active"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
}
