package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// BillingPolicy carries operator-tunable defaults that apply when a client
// group has no explicit setting of its own. Groups always win; these are
// fallbacks, hot-reloaded from billing.yml.
type BillingPolicy struct {
	GraceDays         int          `mapstructure:"graceDays"`
	NoticeOffsets     NoticeOffset `mapstructure:"noticeOffsets"`
	LateFee           LateFeePolicy `mapstructure:"lateFee"`
	ChangeCancelDays  int          `mapstructure:"changeCancelDays"`
	SuspendAfterDays  int          `mapstructure:"suspendAfterDays"`
}

// NoticeOffset lists reminder day-offsets relative to an invoice's due date.
// Negative values fire before the due date.
type NoticeOffset struct {
	First     int `mapstructure:"first"`
	Second    int `mapstructure:"second"`
	Third     int `mapstructure:"third"`
	Autodebit int `mapstructure:"autodebit"`
}

type LateFeePolicy struct {
	Percent  float64 `mapstructure:"percent"`
	Minimum  int64   `mapstructure:"minimum"`
	OnTotal  bool    `mapstructure:"onTotal"`
}

func DefaultBillingPolicy() BillingPolicy {
	return BillingPolicy{
		GraceDays: 0,
		NoticeOffsets: NoticeOffset{
			First:     1,
			Second:    7,
			Third:     14,
			Autodebit: -1,
		},
		LateFee: LateFeePolicy{
			Percent: 0,
			Minimum: 0,
			OnTotal: false,
		},
		ChangeCancelDays: 7,
		SuspendAfterDays: 10,
	}
}

// BillingPolicyHolder hot-reloads BillingPolicy from disk.
type BillingPolicyHolder struct {
	current atomic.Value // holds BillingPolicy
}

func NewBillingPolicyHolder() (*BillingPolicyHolder, error) {
	v := viper.New()

	v.SetConfigName("billing")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/billforge/config")
	v.AddConfigPath("/etc/billforge")
	v.AddConfigPath(".")

	v.SetEnvPrefix("BILLFORGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultBillingPolicy()
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		v.SetDefault("billing.graceDays", defaults.GraceDays)
		v.SetDefault("billing.noticeOffsets", defaults.NoticeOffsets)
		v.SetDefault("billing.lateFee", defaults.LateFee)
		v.SetDefault("billing.changeCancelDays", defaults.ChangeCancelDays)
		v.SetDefault("billing.suspendAfterDays", defaults.SuspendAfterDays)
	}

	var policy BillingPolicy
	if err := v.UnmarshalKey("billing", &policy); err != nil {
		return nil, err
	}
	if err := validateBillingPolicy(policy); err != nil {
		return nil, err
	}

	holder := &BillingPolicyHolder{}
	holder.current.Store(policy)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated BillingPolicy
		if err := v.UnmarshalKey("billing", &updated); err != nil {
			log.Printf("[billing-policy] reload failed: %v", err)
			return
		}
		if err := validateBillingPolicy(updated); err != nil {
			log.Printf("[billing-policy] invalid policy ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[billing-policy] reloaded from %s", e.Name)
	})

	return holder, nil
}

func (h *BillingPolicyHolder) Get() BillingPolicy {
	return h.current.Load().(BillingPolicy)
}

func validateBillingPolicy(p BillingPolicy) error {
	if p.GraceDays < 0 {
		return errors.New("billing.graceDays cannot be negative")
	}
	if p.LateFee.Percent < 0 || p.LateFee.Minimum < 0 {
		return errors.New("billing.lateFee values cannot be negative")
	}
	if p.ChangeCancelDays < 0 {
		return errors.New("billing.changeCancelDays cannot be negative")
	}
	return nil
}
