package config

import (
	"time"

	"github.com/shopspring/decimal"
)

type RetryStrategy string

const (
	RetryFixed       RetryStrategy = "fixed"
	RetryLinear      RetryStrategy = "linear"
	RetryExponential RetryStrategy = "exponential"
	RetryTable       RetryStrategy = "table"
)

// Custom-field value sources.
const (
	FieldSourceAttribute = "attribute"
	FieldSourceMeta      = "meta"
)

type FieldMapping struct {
	RemoteField string `yaml:"remote_field" validate:"required"`
	Source      string `yaml:"source" validate:"required,oneof=attribute meta"`
	Key         string `yaml:"key" validate:"required"`
}

// SyncSettings is the YAML form of the sync behaviour. Pointers mark settings whose
// default is true.
type SyncSettings struct {
	AutoSyncEnabled        *bool    `yaml:"auto_sync_enabled"`
	SyncableStatuses       []string `yaml:"syncable_statuses"`
	MinOrderTotal          float64  `yaml:"min_order_total" validate:"gte=0"`
	ExcludedPaymentMethods []string `yaml:"excluded_payment_methods"`
	ExcludedCustomerRoles  []string `yaml:"excluded_customer_roles"`

	RecordKind      string `yaml:"record_kind" validate:"omitempty,oneof=quote sales_order"`
	IncludeTax      *bool  `yaml:"include_tax"`
	IncludeShipping *bool  `yaml:"include_shipping"`

	FieldMappings   []FieldMapping    `yaml:"field_mappings" validate:"dive"`
	PaymentMappings map[string]string `yaml:"payment_mappings"`
	StatusToStage   map[string]string `yaml:"status_to_stage"`
	StageToStatus   map[string]string `yaml:"stage_to_status"`

	MaxRetries               *int   `yaml:"max_retries" validate:"omitempty,gte=0"`
	RetryStrategy            string `yaml:"retry_strategy" validate:"omitempty,oneof=fixed linear exponential table"`
	RetryBaseIntervalSeconds int    `yaml:"retry_base_interval_seconds" validate:"gte=0"`
	RetryTableSeconds        []int  `yaml:"retry_table_seconds" validate:"dive,gt=0"`
	RetryMaxJitterSeconds    *int   `yaml:"retry_max_jitter_seconds"`
	RetryBatchSize           int    `yaml:"retry_batch_size" validate:"gte=0"`

	RemoteRateLimitPerMinute int `yaml:"remote_rate_limit_per_minute" validate:"gte=0"`

	NotifyOnPermanentFailure        *bool `yaml:"notify_on_permanent_failure"`
	FailFastOnPermanentRemoteErrors bool  `yaml:"fail_fast_on_permanent_remote_errors"`

	RemoteStageKey string `yaml:"remote_stage_key"`
	LockTTLSeconds int    `yaml:"lock_ttl_seconds" validate:"gte=0"`
}

// SyncConfig is the resolved, immutable sync configuration handed to the services.
type SyncConfig struct {
	AutoSyncEnabled        bool
	SyncableStatuses       []string
	MinOrderTotal          decimal.Decimal
	ExcludedPaymentMethods []string
	ExcludedCustomerRoles  []string

	RecordKind      string
	IncludeTax      bool
	IncludeShipping bool

	FieldMappings   []FieldMapping
	PaymentMappings map[string]string
	StatusToStage   map[string]string
	StageToStatus   map[string]string

	MaxRetries        int
	RetryStrategy     RetryStrategy
	RetryBaseInterval time.Duration
	RetryTable        []time.Duration
	RetryMaxJitter    time.Duration
	RetryBatchSize    int

	RemoteRateLimitPerMinute int

	NotifyOnPermanentFailure        bool
	FailFastOnPermanentRemoteErrors bool

	RemoteStageKey string
	LockTTL        time.Duration
}

func DefaultStatusToStage() map[string]string {
	return map[string]string{
		"pending":    "Draft",
		"processing": "Negotiation",
		"on-hold":    "On Hold",
		"completed":  "Closed Won",
		"cancelled":  "Closed Lost",
		"refunded":   "Closed Lost",
		"failed":     "Closed Lost",
	}
}

func DefaultStageToStatus() map[string]string {
	return map[string]string{
		"Negotiation": "processing",
		"On Hold":     "on-hold",
		"Closed Won":  "completed",
		"Closed Lost": "cancelled",
	}
}

func DefaultSyncConfig() SyncConfig {
	return SyncConfig{
		AutoSyncEnabled:          true,
		SyncableStatuses:         []string{"pending", "processing", "on-hold", "completed"},
		MinOrderTotal:            decimal.Zero,
		RecordKind:               "quote",
		IncludeTax:               true,
		IncludeShipping:          true,
		PaymentMappings:          map[string]string{},
		StatusToStage:            DefaultStatusToStage(),
		StageToStatus:            DefaultStageToStatus(),
		MaxRetries:               5,
		RetryStrategy:            RetryExponential,
		RetryBaseInterval:        300 * time.Second,
		RetryTable:               []time.Duration{5 * time.Minute, 15 * time.Minute, 30 * time.Minute, 60 * time.Minute, 120 * time.Minute},
		RetryMaxJitter:           60 * time.Second,
		RetryBatchSize:           10,
		RemoteRateLimitPerMinute: 60,
		NotifyOnPermanentFailure: true,
		RemoteStageKey:           "Stage",
		LockTTL:                  120 * time.Second,
	}
}

// SyncConfig resolves the YAML sync settings on top of the defaults.
func (c *Config) SyncConfig() SyncConfig {
	s := c.Sync
	out := DefaultSyncConfig()

	if s.AutoSyncEnabled != nil {
		out.AutoSyncEnabled = *s.AutoSyncEnabled
	}
	if len(s.SyncableStatuses) > 0 {
		out.SyncableStatuses = append([]string(nil), s.SyncableStatuses...)
	}
	if s.MinOrderTotal > 0 {
		out.MinOrderTotal = decimal.NewFromFloat(s.MinOrderTotal)
	}
	out.ExcludedPaymentMethods = append([]string(nil), s.ExcludedPaymentMethods...)
	out.ExcludedCustomerRoles = append([]string(nil), s.ExcludedCustomerRoles...)

	if s.RecordKind != "" {
		out.RecordKind = s.RecordKind
	}
	if s.IncludeTax != nil {
		out.IncludeTax = *s.IncludeTax
	}
	if s.IncludeShipping != nil {
		out.IncludeShipping = *s.IncludeShipping
	}

	out.FieldMappings = append([]FieldMapping(nil), s.FieldMappings...)
	for k, v := range s.PaymentMappings {
		out.PaymentMappings[k] = v
	}
	// Status tables replace the defaults entirely so that an operator can remove a
	// mapping.
	if len(s.StatusToStage) > 0 {
		out.StatusToStage = copyMap(s.StatusToStage)
	}
	if len(s.StageToStatus) > 0 {
		out.StageToStatus = copyMap(s.StageToStatus)
	}

	// Zero is allowed: the first failure is final.
	if s.MaxRetries != nil && *s.MaxRetries >= 0 {
		out.MaxRetries = *s.MaxRetries
	}
	if s.RetryStrategy != "" {
		out.RetryStrategy = RetryStrategy(s.RetryStrategy)
	}
	if s.RetryBaseIntervalSeconds > 0 {
		out.RetryBaseInterval = time.Duration(s.RetryBaseIntervalSeconds) * time.Second
	}
	if len(s.RetryTableSeconds) > 0 {
		out.RetryTable = make([]time.Duration, 0, len(s.RetryTableSeconds))
		for _, sec := range s.RetryTableSeconds {
			out.RetryTable = append(out.RetryTable, time.Duration(sec)*time.Second)
		}
	}
	if s.RetryMaxJitterSeconds != nil && *s.RetryMaxJitterSeconds >= 0 {
		out.RetryMaxJitter = time.Duration(*s.RetryMaxJitterSeconds) * time.Second
	}
	if s.RetryBatchSize > 0 {
		out.RetryBatchSize = s.RetryBatchSize
	}
	if s.RemoteRateLimitPerMinute > 0 {
		out.RemoteRateLimitPerMinute = s.RemoteRateLimitPerMinute
	}
	if s.NotifyOnPermanentFailure != nil {
		out.NotifyOnPermanentFailure = *s.NotifyOnPermanentFailure
	}
	out.FailFastOnPermanentRemoteErrors = s.FailFastOnPermanentRemoteErrors
	if s.RemoteStageKey != "" {
		out.RemoteStageKey = s.RemoteStageKey
	}
	if s.LockTTLSeconds > 0 {
		out.LockTTL = time.Duration(s.LockTTLSeconds) * time.Second
	}
	return out
}

func copyMap(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
